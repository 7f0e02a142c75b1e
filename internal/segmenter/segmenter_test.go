package segmenter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodmux/vodmux/internal/media"
)

func TestEstimate(t *testing.T) {
	stream := &media.StreamMetadata{DurationMillis: 35500}

	d, err := Estimate(Config{SegmentDuration: 10 * time.Second}, stream)
	require.NoError(t, err)

	assert.Equal(t, uint32(1000), d.Timescale)
	require.Len(t, d.Items, 2)
	assert.Equal(t, DurationItem{Duration: 10000, RepeatCount: 3}, d.Items[0])
	assert.Equal(t, DurationItem{Duration: 5500, RepeatCount: 1}, d.Items[1])
	assert.Equal(t, uint32(4), d.SegmentCount())
}

func TestEstimateExactMultiple(t *testing.T) {
	stream := &media.StreamMetadata{DurationMillis: 30000}

	d, err := Estimate(Config{SegmentDuration: 10 * time.Second}, stream)
	require.NoError(t, err)
	require.Len(t, d.Items, 1)
	assert.Equal(t, DurationItem{Duration: 10000, RepeatCount: 3}, d.Items[0])
}

func TestEstimateNilStream(t *testing.T) {
	_, err := Estimate(Config{}, nil)
	assert.Error(t, err)
}

func TestAccurateAlignsToKeyFrames(t *testing.T) {
	video := &media.StreamMetadata{
		MediaType: media.TypeVideo,
		Timescale: 90000,
	}
	// 30 fps, keyframes every 32 frames: the 2-second boundary at 180000
	// ticks falls between keyframes 32 (96096) and 64 (192192).
	for i := 0; i < 96; i++ {
		video.Frames = append(video.Frames, media.Frame{
			Duration: 3003,
			KeyFrame: i%32 == 0,
		})
	}

	d, err := Accurate(Config{SegmentDuration: 2 * time.Second}, video)
	require.NoError(t, err)

	assert.Equal(t, uint32(90000), d.Timescale)
	// First cut at keyframe 64 (192192 ticks), remainder to 288288.
	require.Len(t, d.Items, 2)
	assert.Equal(t, uint64(192192), d.Items[0].Duration)
	assert.Equal(t, uint64(96*3003-192192), d.Items[1].Duration)
}

func TestAccurateRequiresVideo(t *testing.T) {
	_, err := Accurate(Config{}, &media.StreamMetadata{MediaType: media.TypeAudio})
	assert.Error(t, err)
	_, err = Accurate(Config{}, nil)
	assert.Error(t, err)
}

func TestConfigDefaultDuration(t *testing.T) {
	assert.Equal(t, DefaultSegmentDuration, Config{}.segmentDuration())
	assert.Equal(t, 4*time.Second, Config{SegmentDuration: 4 * time.Second}.segmentDuration())
}
