// Package segmenter computes HLS segment durations for an asset. The output
// is a compact run-length list of (duration, repeat) items over a common
// timescale, consumed by the muxer's I-frame simulation to place per-segment
// limits.
package segmenter

import (
	"fmt"
	"time"

	"github.com/vodmux/vodmux/internal/media"
)

// DefaultSegmentDuration is used when the configuration leaves the target
// segment length unset.
const DefaultSegmentDuration = 10 * time.Second

// Config selects the segmentation strategy.
type Config struct {
	// SegmentDuration is the target segment length.
	SegmentDuration time.Duration
	// AlignToKeyFrames cuts segments on video keyframes instead of fixed
	// time windows.
	AlignToKeyFrames bool
}

func (c Config) segmentDuration() time.Duration {
	if c.SegmentDuration <= 0 {
		return DefaultSegmentDuration
	}
	return c.SegmentDuration
}

// DurationItem is one run of equal-length segments.
type DurationItem struct {
	// Duration of each segment in the list's timescale.
	Duration uint64
	// RepeatCount is the number of consecutive segments with this duration.
	RepeatCount uint32
}

// Durations is a run-length encoded list of segment durations.
type Durations struct {
	Timescale uint32
	Items     []DurationItem
}

// SegmentCount returns the total number of segments described.
func (d Durations) SegmentCount() uint32 {
	var n uint32
	for _, item := range d.Items {
		n += item.RepeatCount
	}
	return n
}

// Estimate splits the longest stream's nominal duration into fixed windows:
// full target-length segments followed by the remainder. Durations are in
// milliseconds.
func Estimate(conf Config, longest *media.StreamMetadata) (Durations, error) {
	if longest == nil {
		return Durations{}, fmt.Errorf("estimating segment durations: no streams")
	}

	segMillis := uint64(conf.segmentDuration().Milliseconds())
	total := longest.DurationMillis

	d := Durations{Timescale: 1000}
	if full := total / segMillis; full > 0 {
		d.Items = append(d.Items, DurationItem{Duration: segMillis, RepeatCount: uint32(full)})
	}
	if rem := total % segMillis; rem > 0 {
		d.Items = append(d.Items, DurationItem{Duration: rem, RepeatCount: 1})
	}
	return d, nil
}

// Accurate walks the video stream's frames and cuts each segment at the
// first keyframe on or after the target boundary, so every segment opens
// with an I-frame. Durations are in the stream's own timescale.
func Accurate(conf Config, video *media.StreamMetadata) (Durations, error) {
	if video == nil || video.MediaType != media.TypeVideo {
		return Durations{}, fmt.Errorf("accurate segmentation: video stream required")
	}

	segTicks := uint64(conf.segmentDuration().Milliseconds()) * uint64(video.Timescale) / 1000
	if segTicks == 0 {
		return Durations{}, fmt.Errorf("accurate segmentation: segment duration below one tick")
	}

	d := Durations{Timescale: video.Timescale}

	var cuts []uint64
	boundary := segTicks
	t := uint64(0)
	for _, f := range video.Frames {
		if f.KeyFrame && t >= boundary && t > 0 {
			cuts = append(cuts, t)
			for boundary <= t {
				boundary += segTicks
			}
		}
		t += uint64(f.Duration)
	}
	cuts = append(cuts, t) // end of stream closes the last segment

	prev := uint64(0)
	for _, cut := range cuts {
		dur := cut - prev
		prev = cut
		if dur == 0 {
			continue
		}
		if n := len(d.Items); n > 0 && d.Items[n-1].Duration == dur {
			d.Items[n-1].RepeatCount++
			continue
		}
		d.Items = append(d.Items, DurationItem{Duration: dur, RepeatCount: 1})
	}
	return d, nil
}
