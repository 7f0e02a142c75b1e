// Package hls implements the HLS segment muxer core: interleaved DTS-ordered
// frame scheduling across elementary streams, the per-stream filter chains
// feeding the MPEG-TS packet encoder, and a pull-model restartable processing
// loop driven by an external block cache.
//
// The package also exposes a simulation path that replays the exact same
// scheduling without touching payload bytes, used to pre-compute segment
// sizes and I-frame byte positions for playlist generation.
package hls

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vodmux/vodmux/internal/filters"
	"github.com/vodmux/vodmux/internal/media"
	"github.com/vodmux/vodmux/internal/mpegts"
)

// Sentinel statuses of the processing loop.
var (
	// ErrAgain means a payload block is not resident yet; call Process again
	// once the cache reports the block ready. No state is lost.
	ErrAgain = errors.New("block not resident, retry")

	// ErrBadData means the cache could not make progress on a re-entry: the
	// source is truncated or corrupt. Terminal.
	ErrBadData = errors.New("no data was handled, truncated source")
)

// BlockReader is the read cache the frame pump pulls payload from. A hit
// returns whatever contiguous bytes the cache holds at offset, possibly fewer
// than wanted; a miss returns false and is expected to begin prefetching.
// slotID partitions prefetch streams, one per producer.
type BlockReader interface {
	GetFromCache(wanted uint32, slotID uint16, fileIndex int, offset int64) ([]byte, bool)
}

// Config controls muxer composition.
type Config struct {
	// InterleaveFrames joins close-in-time audio frames into shared PES
	// packets instead of buffering them against the delay-flush policy.
	InterleaveFrames bool
	// AlignFrames is forwarded to the packet encoder, which stuffs every
	// frame's trailing packet and starts every frame on a new packet for
	// either value, so the flag does not change the output bytes.
	AlignFrames bool
}

// streamState is the mutable per-stream cursor owned by the muxer for the
// life of one segment build.
type streamState struct {
	md *media.StreamMetadata

	// curFrame indexes both Frames and FrameOffsets.
	curFrame int

	// nextFrameTimeOffset is the DTS of the next frame in stream ticks;
	// nextFrameDTS is the same instant on the 90 kHz HLS clock.
	nextFrameTimeOffset uint64
	nextFrameDTS        uint64

	// segmentLimit and isFirstSegmentFrame are used only by the I-frame
	// simulation.
	segmentLimit        uint64
	isFirstSegmentFrame bool

	topFilter filters.Filter
	buffer    *filters.Buffer // non-nil only for buffered audio
	encoder   *mpegts.Encoder
}

func (s *streamState) exhausted() bool {
	return s.curFrame >= len(s.md.Frames)
}

// Muxer builds one MPEG-TS segment from pre-demuxed elementary streams.
type Muxer struct {
	logger *slog.Logger
	conf   Config
	cache  BlockReader
	queue  *mpegts.Queue

	streams []*streamState

	// videoDuration is the longest video stream's nominal length in
	// milliseconds, used to close the I-frame report list.
	videoDuration uint64

	// In-flight frame context. curFrame is nil between frames; while it is
	// set, every payload read targets the same stream, frame and file.
	curFrame        *media.Frame
	curFileIndex    int
	curFrameOffset  int64
	curFramePos     uint32
	cacheSlot       uint16
	lastStreamFrame bool
	curWriter       filters.Filter
}

// New builds a muxer for one segment. The returned bool reports whether the
// size-only simulation is byte-exact for this asset; when false the caller
// must fall back to a real build for size queries.
func New(
	logger *slog.Logger,
	conf Config,
	segmentIndex uint32,
	md *media.Metadata,
	cache BlockReader,
	w io.Writer,
) (*Muxer, bool, error) {
	if len(md.Streams) == 0 {
		return nil, false, fmt.Errorf("initializing muxer: no streams")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Muxer{
		logger: logger,
		conf:   conf,
		cache:  cache,
		queue:  mpegts.NewQueue(w),
	}

	simulationSupported := true
	init := mpegts.InitStreams(m.queue, segmentIndex)

	for i, sm := range md.Streams {
		if len(sm.Frames) != len(sm.FrameOffsets) {
			return nil, false, fmt.Errorf("initializing muxer: stream %d: %d frames but %d offsets",
				i, len(sm.Frames), len(sm.FrameOffsets))
		}

		s := &streamState{
			md:                  sm,
			nextFrameTimeOffset: sm.FirstFrameTimeOffset,
		}
		s.nextFrameDTS = media.Rescale(s.nextFrameTimeOffset, sm.Timescale, media.HLSTimescale)
		s.encoder = mpegts.NewEncoder(init, sm.MediaType, conf.InterleaveFrames, conf.AlignFrames)

		switch sm.MediaType {
		case media.TypeVideo:
			if sm.DurationMillis > m.videoDuration {
				m.videoDuration = sm.DurationMillis
			}

			annexb, err := filters.NewAnnexB(s.encoder, sm.ExtraData, sm.NALLengthSize)
			if err != nil {
				return nil, false, fmt.Errorf("initializing muxer: stream %d: %w", i, err)
			}
			if !annexb.SimulationSupported() {
				simulationSupported = false
			}
			s.topFilter = annexb

		case media.TypeAudio:
			var next filters.Filter = s.encoder
			if conf.InterleaveFrames {
				// Frame interleaving enabled: join close frames by timestamp.
				next = filters.NewFrameJoiner(s.encoder)
			} else {
				// Buffer the audio until it reaches the PES payload size or
				// falls too far behind video.
				s.buffer = filters.NewBuffer(s.encoder, filters.DefaultMaxPESPayload)
				next = s.buffer
			}

			adts, err := filters.NewADTS(next, sm.ExtraData)
			if err != nil {
				return nil, false, fmt.Errorf("initializing muxer: stream %d: %w", i, err)
			}
			s.topFilter = adts

		default:
			return nil, false, fmt.Errorf("initializing muxer: stream %d: unsupported media type %v", i, sm.MediaType)
		}

		m.streams = append(m.streams, s)
	}

	if err := init.Finalize(); err != nil {
		return nil, false, fmt.Errorf("initializing muxer: %w", err)
	}

	return m, simulationSupported, nil
}

// chooseStream returns the stream with the smallest pending DTS, or nil when
// every stream is exhausted. Ties go to scan order, so the first-listed
// stream wins.
func (m *Muxer) chooseStream() *streamState {
	var result *streamState
	for _, s := range m.streams {
		if s.exhausted() {
			continue
		}
		if result == nil || s.nextFrameDTS < result.nextFrameDTS {
			result = s
		}
	}
	return result
}

// flushDelayedStreams forces out every other stream's buffered audio whose
// DTS lags the chosen frame by more than half the tolerated skew.
func (m *Muxer) flushDelayedStreams(selected *streamState, frameDTS uint64) error {
	for _, s := range m.streams {
		if s == selected || s.buffer == nil {
			continue
		}
		if dts, ok := s.buffer.DTS(); ok && frameDTS > dts+media.HLSDelay/2 {
			if err := s.buffer.ForceFlush(false); err != nil {
				return err
			}
		}
	}
	return nil
}

// startFrame schedules the next frame: picks the stream, advances its cursor
// and timing, applies the delay-flush policy, and opens the frame on its
// filter chain. m.curFrame stays nil when every stream is done.
func (m *Muxer) startFrame() error {
	selected := m.chooseStream()
	if selected == nil {
		return nil // done
	}

	frameIndex := selected.curFrame
	frame := &selected.md.Frames[frameIndex]
	m.curFrame = frame
	m.curFileIndex = selected.md.FramesFileIndex
	m.curFrameOffset = selected.md.FrameOffsets[frameIndex]
	selected.curFrame++

	curFrameTimeOffset := selected.nextFrameTimeOffset
	selected.nextFrameTimeOffset += uint64(frame.Duration)
	curFrameDTS := selected.nextFrameDTS
	selected.nextFrameDTS = media.Rescale(selected.nextFrameTimeOffset, selected.md.Timescale, media.HLSTimescale)

	m.lastStreamFrame = selected.exhausted()

	if err := m.flushDelayedStreams(selected, curFrameDTS); err != nil {
		return err
	}

	m.curWriter = selected.topFilter
	m.cacheSlot = selected.encoder.PID()

	out := filters.OutputFrame{
		PTS:  media.Rescale(uint64(int64(curFrameTimeOffset)+int64(frame.PTSDelay)), selected.md.Timescale, media.HLSTimescale),
		DTS:  curFrameDTS,
		Key:  frame.KeyFrame,
		Size: frame.Size,
	}
	if err := m.curWriter.StartFrame(&out); err != nil {
		return err
	}

	m.curFramePos = 0
	return nil
}

// send drains the queue up to the oldest packet any stream still holds open.
func (m *Muxer) send() error {
	minOffset := m.queue.CurOffset()
	for _, s := range m.streams {
		if offset := s.encoder.SendQueueOffset(); offset < minOffset {
			minOffset = offset
		}
	}
	return m.queue.Send(minOffset)
}

// Process drives the segment build until it completes or a payload block is
// missing. It returns nil when the segment is fully written, ErrAgain when
// the caller must retry after the cache services a miss, ErrBadData when a
// re-entry made no progress, or any error propagated from the filters or the
// write queue. Re-entering after ErrAgain resumes with no lost bytes.
func (m *Muxer) Process() error {
	firstTime := m.curFrame == nil
	wroteData := false

	for {
		// Start a new frame if we don't have one.
		if m.curFrame == nil {
			if err := m.startFrame(); err != nil {
				return err
			}
			if m.curFrame == nil {
				break // all streams exhausted
			}
		}

		offset := m.curFrameOffset + int64(m.curFramePos)
		buf, ok := m.cache.GetFromCache(m.curFrame.Size-m.curFramePos, m.cacheSlot, m.curFileIndex, offset)
		if !ok {
			if !wroteData && !firstTime {
				m.logger.Error("no data was handled, probably a truncated file",
					slog.Int("file_index", m.curFileIndex),
					slog.Int64("offset", offset))
				return ErrBadData
			}

			if err := m.send(); err != nil {
				return err
			}
			return ErrAgain
		}

		wroteData = true

		writeSize := m.curFrame.Size - m.curFramePos
		if got := uint32(len(buf)); got < writeSize {
			writeSize = got
		}
		if err := m.curWriter.Write(buf[:writeSize]); err != nil {
			return err
		}
		m.curFramePos += writeSize

		if m.curFramePos >= m.curFrame.Size {
			if err := m.curWriter.FlushFrame(m.lastStreamFrame); err != nil {
				return err
			}
			m.curFrame = nil
			m.curFramePos = 0
		}
	}

	return m.queue.Flush()
}
