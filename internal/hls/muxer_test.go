package hls

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodmux/vodmux/internal/filters"
	"github.com/vodmux/vodmux/internal/media"
	"github.com/vodmux/vodmux/internal/mpegts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testAVCConfig is a minimal avcC record: one fake SPS, one fake PPS,
// 4-byte NAL length prefixes.
func testAVCConfig() []byte {
	sps := []byte{0x67, 0x42, 0xC0, 0x1E, 0xD9}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	out := []byte{1, 0x42, 0xC0, 0x1E, 0xFF, 0xE1}
	out = append(out, byte(len(sps)>>8), byte(len(sps)))
	out = append(out, sps...)
	out = append(out, 1)
	out = append(out, byte(len(pps)>>8), byte(len(pps)))
	out = append(out, pps...)
	return out
}

// testAACConfig is an AudioSpecificConfig: AAC-LC, 48 kHz, stereo.
func testAACConfig() []byte {
	return []byte{0x11, 0x90}
}

// videoPayload builds a frame body of total bytes: a single NAL with a
// 4-byte length prefix.
func videoPayload(total uint32) []byte {
	p := make([]byte, total)
	nalLen := total - 4
	p[0] = byte(nalLen >> 24)
	p[1] = byte(nalLen >> 16)
	p[2] = byte(nalLen >> 8)
	p[3] = byte(nalLen)
	for i := uint32(4); i < total; i++ {
		p[i] = byte(i)
	}
	return p
}

// memCache serves payload from in-memory files, with optional scripted
// chunk limits to exercise retries.
type memCache struct {
	files map[int][]byte
	// missUntil counts down: while positive, every probe misses.
	missUntil int
	// chunkLimit caps each hit's returned byte count (0 = unlimited).
	chunkLimit uint32
	// missEvery forces a miss before each new chunk when set.
	missEvery bool
	primed    bool
}

func (c *memCache) GetFromCache(wanted uint32, slotID uint16, fileIndex int, offset int64) ([]byte, bool) {
	if wanted == 0 {
		return nil, true
	}
	if c.missUntil > 0 {
		c.missUntil--
		return nil, false
	}
	if c.missEvery && !c.primed {
		c.primed = true
		return nil, false
	}
	c.primed = false

	data := c.files[fileIndex]
	if offset >= int64(len(data)) {
		return nil, false
	}
	end := offset + int64(wanted)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if c.chunkLimit > 0 && end-offset > int64(c.chunkLimit) {
		end = offset + int64(c.chunkLimit)
	}
	return data[offset:end], true
}

// build drives Process to completion, tolerating retries, and returns the
// produced bytes.
func build(t *testing.T, m *Muxer, out *bytes.Buffer) []byte {
	t.Helper()
	for i := 0; i < 10000; i++ {
		err := m.Process()
		if err == nil {
			return out.Bytes()
		}
		require.ErrorIs(t, err, ErrAgain)
	}
	t.Fatal("build did not converge")
	return nil
}

func singleVideoMetadata(frames []media.Frame, offsets []int64, timescale uint32) *media.Metadata {
	return &media.Metadata{Streams: []*media.StreamMetadata{{
		MediaType:     media.TypeVideo,
		Timescale:     timescale,
		ExtraData:     testAVCConfig(),
		NALLengthSize: 4,
		Frames:        frames,
		FrameOffsets:  offsets,
	}}}
}

// Seed scenario 1: one video frame, whole-packet output, simulation parity.
func TestSingleFrameBuild(t *testing.T) {
	payload := videoPayload(4096)
	md := singleVideoMetadata(
		[]media.Frame{{Duration: 1000, Size: 4096, KeyFrame: true}},
		[]int64{0}, 12800)

	var out bytes.Buffer
	m, simOK, err := New(testLogger(), Config{AlignFrames: true}, 0, md,
		&memCache{files: map[int][]byte{0: payload}}, &out)
	require.NoError(t, err)
	assert.True(t, simOK)

	data := build(t, m, &out)
	require.NotEmpty(t, data)
	assert.Zero(t, len(data)%mpegts.PacketSize, "output must be whole packets")

	// PAT and PMT lead the segment.
	assert.Equal(t, byte(0x47), data[0])
	assert.Equal(t, uint16(0), uint16(data[1]&0x1F)<<8|uint16(data[2]))
	assert.Equal(t, uint16(0x1000), uint16(data[189]&0x1F)<<8|uint16(data[190]))

	// A second muxer over the same metadata predicts the same byte size.
	md2 := singleVideoMetadata(
		[]media.Frame{{Duration: 1000, Size: 4096, KeyFrame: true}},
		[]int64{0}, 12800)
	sim, simOK, err := New(testLogger(), Config{AlignFrames: true}, 0, md2, &memCache{}, &bytes.Buffer{})
	require.NoError(t, err)
	require.True(t, simOK)
	assert.Equal(t, uint64(len(data)), sim.SimulateSegmentSize())
}

// Seed scenario 2: DTS-ordered interleave across timescales with stable
// tie-breaking (video first).
func TestSchedulerOrder(t *testing.T) {
	video := &media.StreamMetadata{
		MediaType:     media.TypeVideo,
		Timescale:     90000,
		ExtraData:     testAVCConfig(),
		NALLengthSize: 4,
		Frames: []media.Frame{
			{Duration: 3003, Size: 10, KeyFrame: true},
			{Duration: 3003, Size: 10},
		},
		FrameOffsets: []int64{0, 10},
	}
	audio := &media.StreamMetadata{
		MediaType: media.TypeAudio,
		Timescale: 48000,
		ExtraData: testAACConfig(),
		Frames: []media.Frame{
			{Duration: 1024, Size: 5}, {Duration: 1024, Size: 5},
			{Duration: 1024, Size: 5}, {Duration: 1024, Size: 5},
		},
		FrameOffsets: []int64{20, 25, 30, 35},
	}
	md := &media.Metadata{Streams: []*media.StreamMetadata{video, audio}}

	m, _, err := New(testLogger(), Config{InterleaveFrames: true}, 0, md, &memCache{}, &bytes.Buffer{})
	require.NoError(t, err)

	var order []media.Type
	for {
		s := m.chooseStream()
		if s == nil {
			break
		}
		order = append(order, s.md.MediaType)
		frame := &s.md.Frames[s.curFrame]
		s.curFrame++
		s.nextFrameTimeOffset += uint64(frame.Duration)
		s.nextFrameDTS = media.Rescale(s.nextFrameTimeOffset, s.md.Timescale, media.HLSTimescale)
	}

	// DTS sequence: V0@0, A0@0 (tie -> video first), A1@1920, V1@3003,
	// A2@3840, A3@5760.
	assert.Equal(t, []media.Type{
		media.TypeVideo, media.TypeAudio, media.TypeAudio,
		media.TypeVideo, media.TypeAudio, media.TypeAudio,
	}, order)
}

// Seed scenario 3: buffered audio is forced out once video runs more than
// HLSDelay/2 ahead.
func TestDelayFlush(t *testing.T) {
	video := &media.StreamMetadata{
		MediaType:     media.TypeVideo,
		Timescale:     90000,
		ExtraData:     testAVCConfig(),
		NALLengthSize: 4,
		// First frame at DTS 0 keeps the scheduler from starving audio;
		// the second lands at DTS 90000, past the flush threshold.
		FirstFrameTimeOffset: 0,
		Frames: []media.Frame{
			{Duration: 90000, Size: 10, KeyFrame: true},
			{Duration: 3003, Size: 10},
		},
		FrameOffsets: []int64{0, 10},
	}
	audio := &media.StreamMetadata{
		MediaType:    media.TypeAudio,
		Timescale:    90000,
		ExtraData:    testAACConfig(),
		Frames:       []media.Frame{{Duration: 1920, Size: 5}},
		FrameOffsets: []int64{20},
	}
	payload := make([]byte, 64)
	copy(payload, videoPayload(10))
	copy(payload[10:], videoPayload(10))
	md := &media.Metadata{Streams: []*media.StreamMetadata{video, audio}}

	var out bytes.Buffer
	m, _, err := New(testLogger(), Config{}, 0, md,
		&memCache{files: map[int][]byte{0: payload}}, &out)
	require.NoError(t, err)

	audioState := m.streams[1]
	require.NotNil(t, audioState.buffer, "non-interleaved audio must own a buffer filter")

	// Video frame 0 (DTS 0), then audio frame 0 (DTS 0, buffered).
	require.NoError(t, m.startFrame())
	m.curFrame, m.curFramePos = nil, 0
	require.NoError(t, audioState.topFilter.StartFrame(&filters.OutputFrame{DTS: 0, Size: 5}))
	require.NoError(t, audioState.topFilter.Write(make([]byte, 5)))
	require.NoError(t, audioState.topFilter.FlushFrame(false))
	audioState.curFrame = 1

	_, buffered := audioState.buffer.DTS()
	require.True(t, buffered)

	// Scheduling the DTS-90000 video frame must evict the buffer:
	// 90000 > 0 + 31500.
	require.NoError(t, m.startFrame())
	_, buffered = audioState.buffer.DTS()
	assert.False(t, buffered, "delay-flush must force the audio buffer out")
}

// Seed scenario 4: cache misses mid-frame; chunked retries produce the same
// bytes as a single-call build.
func TestRetryRestartability(t *testing.T) {
	const frameSize = 20000
	payload := videoPayload(frameSize)
	newMD := func() *media.Metadata {
		return singleVideoMetadata(
			[]media.Frame{{Duration: 1000, Size: frameSize, KeyFrame: true}},
			[]int64{0}, 12800)
	}

	var whole bytes.Buffer
	m, _, err := New(testLogger(), Config{}, 0, newMD(),
		&memCache{files: map[int][]byte{0: payload}}, &whole)
	require.NoError(t, err)
	require.NoError(t, m.Process())

	var chunked bytes.Buffer
	m2, _, err := New(testLogger(), Config{}, 0, newMD(),
		&memCache{files: map[int][]byte{0: payload}, chunkLimit: 8192, missEvery: true}, &chunked)
	require.NoError(t, err)

	retries := 0
	for {
		err := m2.Process()
		if err == nil {
			break
		}
		require.ErrorIs(t, err, ErrAgain)
		retries++
	}
	assert.GreaterOrEqual(t, retries, 2, "chunked cache must force retries")
	assert.Equal(t, whole.Bytes(), chunked.Bytes(), "retries must not change output bytes")
}

// Seed scenario 6: an immediate miss yields a clean retry; a miss on
// re-entry with no progress is bad data.
func TestTruncatedSource(t *testing.T) {
	md := singleVideoMetadata(
		[]media.Frame{{Duration: 1000, Size: 4096, KeyFrame: true}},
		[]int64{0}, 12800)

	m, _, err := New(testLogger(), Config{}, 0, md, &memCache{missUntil: 1 << 30}, &bytes.Buffer{})
	require.NoError(t, err)

	require.ErrorIs(t, m.Process(), ErrAgain, "first entry miss is transient")
	require.ErrorIs(t, m.Process(), ErrBadData, "no progress on re-entry means truncation")
}

// P6: the in-flight position is only ever non-zero while a frame is open.
func TestFramePosInvariant(t *testing.T) {
	payload := videoPayload(400)
	md := singleVideoMetadata(
		[]media.Frame{{Duration: 1000, Size: 400, KeyFrame: true}},
		[]int64{0}, 12800)

	m, _, err := New(testLogger(), Config{}, 0, md,
		&memCache{files: map[int][]byte{0: payload}, chunkLimit: 100, missEvery: true}, &bytes.Buffer{})
	require.NoError(t, err)

	for {
		err := m.Process()
		assert.True(t, m.curFramePos == 0 || m.curFrame != nil)
		if err == nil {
			break
		}
		require.ErrorIs(t, err, ErrAgain)
	}
}

// Zero-size frames still pass through start/flush and produce a PES.
func TestZeroSizeFrame(t *testing.T) {
	md := singleVideoMetadata(
		[]media.Frame{
			{Duration: 1000, Size: 0, KeyFrame: true},
			{Duration: 1000, Size: 200},
		},
		[]int64{0, 0}, 12800)
	payload := videoPayload(200)

	var out bytes.Buffer
	m, _, err := New(testLogger(), Config{}, 0, md,
		&memCache{files: map[int][]byte{0: payload}}, &out)
	require.NoError(t, err)

	data := build(t, m, &out)
	assert.Zero(t, len(data)%mpegts.PacketSize)
	// Tables + two PES frames, each at least one packet.
	assert.GreaterOrEqual(t, len(data)/mpegts.PacketSize, 4)
}
