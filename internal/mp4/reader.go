// Package mp4 extracts the per-stream frame tables the muxer consumes from
// an MP4 asset: timing, sizes, keyframes, byte offsets, and codec
// configuration, straight from the moov sample tables. Media data is never
// read here; the muxer pulls payload through the block cache instead.
package mp4

import (
	"fmt"
	"io"
	"log/slog"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/vodmux/vodmux/internal/media"
)

type trackBuilder struct {
	handlerType   string
	timescale     uint32
	duration      uint64
	extraData     []byte
	nalLengthSize int

	sampleDurations []uint32
	sampleSizes     []uint32
	ptsDelays       []int32
	keySamples      []uint32 // 1-based, empty means every sample
	hasStss         bool
	chunkOffsets    []uint64
	chunkRuns       []gomp4.StscEntry
}

// ReadMetadata parses the moov of the asset in r and returns the stream
// metadata for the muxer, video streams first. fileIndex is recorded on
// every stream as the payload file identifier.
func ReadMetadata(logger *slog.Logger, r io.ReadSeeker, fileIndex int) (*media.Metadata, error) {
	var (
		tracks []*trackBuilder
		cur    *trackBuilder
	)

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case gomp4.BoxTypeMoov(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(),
			gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(), gomp4.BoxTypeAvc1(), gomp4.BoxTypeMp4a():
			return h.Expand()

		case gomp4.BoxTypeTrak():
			cur = &trackBuilder{}
			if _, err := h.Expand(); err != nil {
				return nil, err
			}
			tracks = append(tracks, cur)
			cur = nil
			return nil, nil
		}

		if cur == nil {
			return nil, nil
		}

		payload := func() (gomp4.IBox, error) {
			box, _, err := h.ReadPayload()
			return box, err
		}

		switch h.BoxInfo.Type {
		case gomp4.BoxTypeMdhd():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			mdhd := box.(*gomp4.Mdhd)
			cur.timescale = mdhd.Timescale
			cur.duration = mdhd.GetDuration()

		case gomp4.BoxTypeHdlr():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			hdlr := box.(*gomp4.Hdlr)
			cur.handlerType = string(hdlr.HandlerType[:])

		case gomp4.BoxTypeStts():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			for _, e := range box.(*gomp4.Stts).Entries {
				for i := uint32(0); i < e.SampleCount; i++ {
					cur.sampleDurations = append(cur.sampleDurations, e.SampleDelta)
				}
			}

		case gomp4.BoxTypeCtts():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			ctts := box.(*gomp4.Ctts)
			for _, e := range ctts.Entries {
				delay := int32(e.SampleOffsetV0)
				if ctts.Version == 1 {
					delay = e.SampleOffsetV1
				}
				for i := uint32(0); i < e.SampleCount; i++ {
					cur.ptsDelays = append(cur.ptsDelays, delay)
				}
			}

		case gomp4.BoxTypeStsz():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			stsz := box.(*gomp4.Stsz)
			if stsz.SampleSize != 0 {
				cur.sampleSizes = make([]uint32, stsz.SampleCount)
				for i := range cur.sampleSizes {
					cur.sampleSizes[i] = stsz.SampleSize
				}
			} else {
				cur.sampleSizes = stsz.EntrySize
			}

		case gomp4.BoxTypeStss():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			cur.hasStss = true
			cur.keySamples = box.(*gomp4.Stss).SampleNumber

		case gomp4.BoxTypeStsc():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			cur.chunkRuns = box.(*gomp4.Stsc).Entries

		case gomp4.BoxTypeStco():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			for _, off := range box.(*gomp4.Stco).ChunkOffset {
				cur.chunkOffsets = append(cur.chunkOffsets, uint64(off))
			}

		case gomp4.BoxTypeCo64():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			cur.chunkOffsets = append(cur.chunkOffsets, box.(*gomp4.Co64).ChunkOffset...)

		case gomp4.BoxTypeAvcC():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			avcc := box.(*gomp4.AVCDecoderConfiguration)
			cur.nalLengthSize = int(avcc.LengthSizeMinusOne&0x03) + 1
			cur.extraData = buildAVCConfig(avcc)
			logSPS(logger, avcc)

		case gomp4.BoxTypeEsds():
			box, err := payload()
			if err != nil {
				return nil, err
			}
			for _, d := range box.(*gomp4.Esds).Descriptors {
				if d.Tag == gomp4.DecSpecificInfoTag {
					cur.extraData = d.Data
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading mp4 structure: %w", err)
	}

	md := &media.Metadata{}
	var audio []*media.StreamMetadata
	for i, t := range tracks {
		stream, err := t.build(fileIndex)
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", i, err)
		}
		if stream == nil {
			continue
		}
		// Video streams go first so ties in the DTS scheduler resolve
		// video-before-audio.
		if stream.MediaType == media.TypeVideo {
			md.Streams = append(md.Streams, stream)
		} else {
			audio = append(audio, stream)
		}
	}
	md.Streams = append(md.Streams, audio...)

	if len(md.Streams) == 0 {
		return nil, fmt.Errorf("no muxable tracks found")
	}
	return md, nil
}

// build assembles the flat frame tables from the raw sample tables. Tracks
// that are neither H.264 video nor AAC audio return nil.
func (t *trackBuilder) build(fileIndex int) (*media.StreamMetadata, error) {
	var mediaType media.Type
	switch {
	case t.handlerType == "vide" && t.nalLengthSize > 0:
		mediaType = media.TypeVideo
	case t.handlerType == "soun" && len(t.extraData) > 0:
		mediaType = media.TypeAudio
	default:
		return nil, nil
	}

	if t.timescale == 0 {
		return nil, fmt.Errorf("missing timescale")
	}
	count := len(t.sampleSizes)
	if count == 0 {
		return nil, fmt.Errorf("empty sample table")
	}
	if len(t.sampleDurations) != count {
		return nil, fmt.Errorf("%d sizes but %d durations", count, len(t.sampleDurations))
	}
	if len(t.ptsDelays) != 0 && len(t.ptsDelays) != count {
		return nil, fmt.Errorf("%d sizes but %d composition offsets", count, len(t.ptsDelays))
	}

	offsets, err := t.buildOffsets(count)
	if err != nil {
		return nil, err
	}

	key := make([]bool, count)
	if t.hasStss {
		for _, n := range t.keySamples {
			if n >= 1 && int(n) <= count {
				key[n-1] = true
			}
		}
	} else {
		for i := range key {
			key[i] = true
		}
	}

	frames := make([]media.Frame, count)
	for i := range frames {
		frames[i] = media.Frame{
			Duration: t.sampleDurations[i],
			Size:     t.sampleSizes[i],
			KeyFrame: key[i],
		}
		if len(t.ptsDelays) > 0 {
			frames[i].PTSDelay = t.ptsDelays[i]
		}
	}

	return &media.StreamMetadata{
		MediaType:       mediaType,
		Timescale:       t.timescale,
		ExtraData:       t.extraData,
		NALLengthSize:   t.nalLengthSize,
		FramesFileIndex: fileIndex,
		DurationMillis:  media.Rescale(t.duration, t.timescale, 1000),
		Frames:          frames,
		FrameOffsets:    offsets,
	}, nil
}

// buildOffsets resolves each sample's absolute file offset from the
// chunk-run and chunk-offset tables.
func (t *trackBuilder) buildOffsets(count int) ([]int64, error) {
	if len(t.chunkRuns) == 0 || len(t.chunkOffsets) == 0 {
		return nil, fmt.Errorf("missing chunk tables")
	}

	offsets := make([]int64, 0, count)
	sample := 0
	for run := 0; run < len(t.chunkRuns); run++ {
		firstChunk := int(t.chunkRuns[run].FirstChunk)
		lastChunk := len(t.chunkOffsets)
		if run+1 < len(t.chunkRuns) {
			lastChunk = int(t.chunkRuns[run+1].FirstChunk) - 1
		}

		for chunk := firstChunk; chunk <= lastChunk; chunk++ {
			if chunk < 1 || chunk > len(t.chunkOffsets) {
				return nil, fmt.Errorf("chunk %d outside offset table", chunk)
			}
			pos := int64(t.chunkOffsets[chunk-1])
			for i := uint32(0); i < t.chunkRuns[run].SamplesPerChunk; i++ {
				if sample >= count {
					return offsets, nil
				}
				offsets = append(offsets, pos)
				pos += int64(t.sampleSizes[sample])
				sample++
			}
		}
	}

	if sample != count {
		return nil, fmt.Errorf("chunk tables cover %d of %d samples", sample, count)
	}
	return offsets, nil
}

// buildAVCConfig reconstructs the raw avcC record from the parsed box.
func buildAVCConfig(avcc *gomp4.AVCDecoderConfiguration) []byte {
	out := []byte{
		1,
		avcc.Profile,
		avcc.ProfileCompatibility,
		avcc.Level,
		0xFC | avcc.LengthSizeMinusOne&0x03,
		0xE0 | byte(len(avcc.SequenceParameterSets))&0x1F,
	}
	for _, sps := range avcc.SequenceParameterSets {
		out = append(out, byte(len(sps.NALUnit)>>8), byte(len(sps.NALUnit)))
		out = append(out, sps.NALUnit...)
	}
	out = append(out, byte(len(avcc.PictureParameterSets)))
	for _, pps := range avcc.PictureParameterSets {
		out = append(out, byte(len(pps.NALUnit)>>8), byte(len(pps.NALUnit)))
		out = append(out, pps.NALUnit...)
	}
	return out
}

// logSPS reports the coded picture size for diagnostics.
func logSPS(logger *slog.Logger, avcc *gomp4.AVCDecoderConfiguration) {
	if logger == nil || len(avcc.SequenceParameterSets) == 0 {
		return
	}
	var sps h264.SPS
	if err := sps.Unmarshal(avcc.SequenceParameterSets[0].NALUnit); err != nil {
		logger.Debug("failed to parse SPS", slog.String("error", err.Error()))
		return
	}
	logger.Debug("parsed video configuration",
		slog.Int("width", sps.Width()),
		slog.Int("height", sps.Height()),
		slog.Int("nal_length_size", int(avcc.LengthSizeMinusOne&0x03)+1))
}
