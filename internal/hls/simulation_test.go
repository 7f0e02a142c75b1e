package hls

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodmux/vodmux/internal/media"
	"github.com/vodmux/vodmux/internal/segmenter"
)

type iframeReport struct {
	segment  uint32
	duration uint32
	offset   uint64
	size     uint64
}

// randomAsset builds a video+audio asset with payloads laid out back to back
// in one file.
func randomAsset(rng *rand.Rand, videoFrames, audioFrames int) (*media.Metadata, []byte) {
	var file []byte
	appendPayload := func(p []byte) int64 {
		off := int64(len(file))
		file = append(file, p...)
		return off
	}

	video := &media.StreamMetadata{
		MediaType:     media.TypeVideo,
		Timescale:     90000,
		ExtraData:     testAVCConfig(),
		NALLengthSize: 4,
	}
	for i := 0; i < videoFrames; i++ {
		size := uint32(8 + rng.Intn(3000))
		video.Frames = append(video.Frames, media.Frame{
			Duration: 3003,
			Size:     size,
			KeyFrame: i%10 == 0,
			PTSDelay: int32(3003 * rng.Intn(2)),
		})
		video.FrameOffsets = append(video.FrameOffsets, appendPayload(videoPayload(size)))
	}
	video.DurationMillis = media.Rescale(uint64(videoFrames)*3003, 90000, 1000)

	audio := &media.StreamMetadata{
		MediaType: media.TypeAudio,
		Timescale: 48000,
		ExtraData: testAACConfig(),
	}
	for i := 0; i < audioFrames; i++ {
		size := uint32(1 + rng.Intn(600))
		audio.Frames = append(audio.Frames, media.Frame{Duration: 1024, Size: size})
		p := make([]byte, size)
		rng.Read(p)
		audio.FrameOffsets = append(audio.FrameOffsets, appendPayload(p))
	}
	audio.DurationMillis = media.Rescale(uint64(audioFrames)*1024, 48000, 1000)

	return &media.Metadata{Streams: []*media.StreamMetadata{video, audio}}, file
}

// P3: the simulated size equals the byte count of a real build, for both
// audio modes.
func TestSimulationMatchesRealBuild(t *testing.T) {
	for _, conf := range []Config{
		{InterleaveFrames: false, AlignFrames: true},
		{InterleaveFrames: true, AlignFrames: true},
	} {
		rng := rand.New(rand.NewSource(42))
		md, file := randomAsset(rng, 60, 140)

		var out bytes.Buffer
		realMuxer, simOK, err := New(testLogger(), conf, 0, md,
			&memCache{files: map[int][]byte{0: file}, chunkLimit: 4096, missEvery: true}, &out)
		require.NoError(t, err)
		require.True(t, simOK)
		data := build(t, realMuxer, &out)

		rng2 := rand.New(rand.NewSource(42))
		md2, _ := randomAsset(rng2, 60, 140)
		sim, simOK, err := New(testLogger(), conf, 0, md2, &memCache{}, &bytes.Buffer{})
		require.NoError(t, err)
		require.True(t, simOK)

		size := sim.SimulateSegmentSize()
		assert.Equal(t, uint64(len(data)), size,
			"interleave=%v: simulated size must match real build", conf.InterleaveFrames)

		// P4: reset and re-simulate gives the same answer.
		sim.SimulationReset()
		assert.Equal(t, size, sim.SimulateSegmentSize())
	}
}

// P1: per-stream DTS handed to the encoder never decreases.
func TestDTSMonotonicPerStream(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	md, _ := randomAsset(rng, 40, 90)

	m, _, err := New(testLogger(), Config{}, 0, md, &memCache{}, &bytes.Buffer{})
	require.NoError(t, err)

	last := make(map[*streamState]uint64)
	for {
		s := m.chooseStream()
		if s == nil {
			break
		}
		dts := s.nextFrameDTS
		if prev, ok := last[s]; ok {
			assert.GreaterOrEqual(t, dts, prev)
		}
		last[s] = dts

		frame := &s.md.Frames[s.curFrame]
		s.curFrame++
		s.nextFrameTimeOffset += uint64(frame.Duration)
		s.nextFrameDTS = media.Rescale(s.nextFrameTimeOffset, s.md.Timescale, media.HLSTimescale)
	}
}

// Seed scenario 5: keyframes at 0/30/60, segment boundary at frame 30.
func TestIframeExtraction(t *testing.T) {
	video := &media.StreamMetadata{
		MediaType:     media.TypeVideo,
		Timescale:     90000,
		ExtraData:     testAVCConfig(),
		NALLengthSize: 4,
	}
	const frames = 90
	for i := 0; i < frames; i++ {
		video.Frames = append(video.Frames, media.Frame{
			Duration: 3000,
			Size:     600,
			KeyFrame: i%30 == 0,
		})
		video.FrameOffsets = append(video.FrameOffsets, int64(i)*600)
	}
	video.DurationMillis = frames * 3000 / 90 // 3000 ms
	md := &media.Metadata{Streams: []*media.StreamMetadata{video}}

	m, simOK, err := New(testLogger(), Config{AlignFrames: true}, 0, md, &memCache{}, &bytes.Buffer{})
	require.NoError(t, err)
	require.True(t, simOK)

	var reports []iframeReport
	err = m.SimulateIframes(segmenter.Config{SegmentDuration: time.Second}, md,
		func(segment, duration uint32, offset, size uint64) {
			reports = append(reports, iframeReport{segment, duration, offset, size})
		})
	require.NoError(t, err)

	// Three keyframes, three reports: 0 -> 30, 30 -> 60, 60 -> end.
	require.Len(t, reports, 3)
	assert.Equal(t, uint32(0), reports[0].segment)
	assert.Equal(t, uint32(1), reports[1].segment)
	assert.Equal(t, uint32(2), reports[2].segment)

	// Each keyframe spans one second of 30 x 3000-tick frames.
	assert.Equal(t, uint32(1000), reports[0].duration)
	assert.Equal(t, uint32(1000), reports[1].duration)
	// The closing report ends at first_frame_time + video_duration.
	assert.Equal(t, uint32(1000), reports[2].duration)

	for _, r := range reports {
		// P5: positive durations, sane byte windows.
		assert.Positive(t, r.duration)
		assert.Positive(t, r.size)
	}
}

// P5: offsets within a segment never run backwards across reports.
func TestIframeReportsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	md, _ := randomAsset(rng, 120, 280)

	m, simOK, err := New(testLogger(), Config{}, 0, md, &memCache{}, &bytes.Buffer{})
	require.NoError(t, err)
	require.True(t, simOK)

	lastEnd := make(map[uint32]uint64)
	err = m.SimulateIframes(segmenter.Config{SegmentDuration: time.Second}, md,
		func(segment, duration uint32, offset, size uint64) {
			assert.Positive(t, duration)
			if end, ok := lastEnd[segment]; ok {
				assert.GreaterOrEqual(t, offset+size, end)
			}
			lastEnd[segment] = offset + size
		})
	require.NoError(t, err)
}

// Every simulated segment has a positive duration and a whole-packet size
// that includes its own PAT and PMT.
func TestSimulateSegmentSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	md, _ := randomAsset(rng, 90, 200)

	m, simOK, err := New(testLogger(), Config{}, 0, md, &memCache{}, &bytes.Buffer{})
	require.NoError(t, err)
	require.True(t, simOK)

	segments, err := m.SimulateSegmentSizes(segmenter.Config{SegmentDuration: time.Second}, md)
	require.NoError(t, err)
	require.NotEmpty(t, segments)

	for _, seg := range segments {
		assert.Positive(t, seg.DurationMillis)
		assert.GreaterOrEqual(t, seg.Size, uint64(2*188), "every segment leads with PAT and PMT")
		assert.Zero(t, seg.Size%188)
	}
}
