// Package playlist renders VOD playlists from simulation results: a media
// playlist addressing each segment as a byte range of a single transport
// stream file, and the I-frames-only playlist built from the muxer's
// keyframe reports.
package playlist

import (
	"fmt"
	"strings"
	"time"

	gohls "github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// Segment is one media segment: its playback duration and its byte size
// within the stream file, as predicted by the size simulation.
type Segment struct {
	Duration time.Duration
	Size     uint64
}

// IframeEntry is one keyframe report from the I-frame simulation.
type IframeEntry struct {
	SegmentIndex   uint32
	DurationMillis uint32
	Offset         uint64
	Size           uint64
}

// Media renders the VOD media playlist. Every segment references uri with an
// EXT-X-BYTERANGE window; offsets accumulate across the segment list.
func Media(segments []Segment, uri string) ([]byte, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("rendering media playlist: no segments")
	}

	vod := gohls.MediaPlaylistTypeVOD
	pl := &gohls.Media{
		Version:      4, // EXT-X-BYTERANGE requires protocol version 4
		PlaylistType: &vod,
		Endlist:      true,
	}

	var offset uint64
	for _, seg := range segments {
		if d := int(seg.Duration.Round(time.Second) / time.Second); d > pl.TargetDuration {
			pl.TargetDuration = d
		}

		start := offset
		length := seg.Size
		pl.Segments = append(pl.Segments, &gohls.MediaSegment{
			Duration:        seg.Duration,
			URI:             uri,
			ByteRangeStart:  &start,
			ByteRangeLength: &length,
		})
		offset += seg.Size
	}

	data, err := pl.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rendering media playlist: %w", err)
	}
	return data, nil
}

// IFrames renders the EXT-X-I-FRAMES-ONLY playlist by hand; segmentURI maps
// a segment index to the address of its transport stream file.
func IFrames(entries []IframeEntry, segmentURI func(segmentIndex uint32) string) []byte {
	var target uint32
	for _, e := range entries {
		if secs := (e.DurationMillis + 999) / 1000; secs > target {
			target = secs
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:4\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", target))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	b.WriteString("#EXT-X-I-FRAMES-ONLY\n")

	for _, e := range entries {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", float64(e.DurationMillis)/1000))
		b.WriteString(fmt.Sprintf("#EXT-X-BYTERANGE:%d@%d\n", e.Size, e.Offset))
		b.WriteString(segmentURI(e.SegmentIndex))
		b.WriteByte('\n')
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return []byte(b.String())
}
