package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vodmux/vodmux/internal/hls"
	"github.com/vodmux/vodmux/internal/mp4"
	"github.com/vodmux/vodmux/internal/playlist"
	"github.com/vodmux/vodmux/internal/segmenter"
)

var (
	playlistInput  string
	playlistOutput string
	playlistURI    string
)

var playlistCmd = &cobra.Command{
	Use:   "playlist",
	Short: "Pre-compute playlists from simulation",
	Long: `playlist replays the full segment scheduling without reading any media
data and writes media.m3u8 and iframes.m3u8. Segment byte sizes and keyframe
byte ranges come from the simulation, so the playlists match the segment
bytes a later mux run serves.`,
	RunE: runPlaylist,
}

func init() {
	rootCmd.AddCommand(playlistCmd)

	playlistCmd.Flags().StringVarP(&playlistInput, "input", "i", "", "input MP4 asset (required)")
	playlistCmd.Flags().StringVarP(&playlistOutput, "output", "o", "", "output directory (default <output_dir>)")
	playlistCmd.Flags().StringVar(&playlistURI, "uri", "stream.ts", "stream URI referenced by the playlists")
	_ = playlistCmd.MarkFlagRequired("input")
}

// nopCache satisfies the muxer's cache dependency; the simulation path never
// touches payload.
type nopCache struct{}

func (nopCache) GetFromCache(uint32, uint16, int, int64) ([]byte, bool) {
	return nil, false
}

func runPlaylist(_ *cobra.Command, _ []string) error {
	in, err := os.Open(playlistInput)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer in.Close()

	md, err := mp4.ReadMetadata(logger, in, 0)
	if err != nil {
		return fmt.Errorf("reading asset metadata: %w", err)
	}

	muxer, simulationSupported, err := hls.New(logger, hls.Config{
		InterleaveFrames: cfg.Muxer.InterleaveFrames,
		AlignFrames:      cfg.Muxer.AlignFrames,
	}, 0, md, nopCache{}, io.Discard)
	if err != nil {
		return err
	}
	if !simulationSupported {
		return fmt.Errorf("asset does not support simulation (NAL length prefix is not 4 bytes); " +
			"playlists require a real build for size queries")
	}

	segConf := segmenter.Config{
		SegmentDuration:  cfg.Segmenter.SegmentDuration,
		AlignToKeyFrames: cfg.Segmenter.AlignToKeyFrames,
	}

	segments, err := muxer.SimulateSegmentSizes(segConf, md)
	if err != nil {
		return fmt.Errorf("simulating segment sizes: %w", err)
	}

	muxer.SimulationReset()

	// Segment base offsets within the concatenated stream file; keyframe
	// reports are segment-relative.
	bases := make([]uint64, len(segments)+1)
	for i, seg := range segments {
		bases[i+1] = bases[i] + seg.Size
	}

	var entries []playlist.IframeEntry
	err = muxer.SimulateIframes(segConf, md, func(segmentIndex uint32, durationMillis uint32, offset, size uint64) {
		if int(segmentIndex) < len(segments) {
			offset += bases[segmentIndex]
		}
		entries = append(entries, playlist.IframeEntry{
			SegmentIndex:   segmentIndex,
			DurationMillis: durationMillis,
			Offset:         offset,
			Size:           size,
		})
	})
	if err != nil {
		return fmt.Errorf("simulating iframe positions: %w", err)
	}

	plSegments := make([]playlist.Segment, len(segments))
	for i, seg := range segments {
		plSegments[i] = playlist.Segment{
			Duration: time.Duration(seg.DurationMillis) * time.Millisecond,
			Size:     seg.Size,
		}
	}
	mediaPlaylist, err := playlist.Media(plSegments, playlistURI)
	if err != nil {
		return err
	}
	iframePlaylist := playlist.IFrames(entries, func(uint32) string { return playlistURI })

	outDir := playlistOutput
	if outDir == "" {
		outDir = cfg.Storage.OutputDir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(outDir+"/media.m3u8", mediaPlaylist, 0o644); err != nil {
		return fmt.Errorf("writing media playlist: %w", err)
	}
	if err := os.WriteFile(outDir+"/iframes.m3u8", iframePlaylist, 0o644); err != nil {
		return fmt.Errorf("writing iframe playlist: %w", err)
	}

	logger.Info("playlists written",
		slog.String("output", outDir),
		slog.Int("segments", len(segments)),
		slog.Int("iframes", len(entries)))
	return nil
}
