package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vodmux/vodmux/internal/cache"
	"github.com/vodmux/vodmux/internal/hls"
	"github.com/vodmux/vodmux/internal/mp4"
)

var (
	muxInput        string
	muxOutput       string
	muxSegmentIndex uint32
)

var muxCmd = &cobra.Command{
	Use:   "mux",
	Short: "Build an MPEG-TS stream from an MP4 asset",
	Long: `mux extracts the asset's frame tables, then drives the segment build
through the block read cache until every payload byte is packetized. The
segment index only seeds the continuity counters of the PAT and PMT
packets; elementary-stream counters start from zero in every build.`,
	RunE: runMux,
}

func init() {
	rootCmd.AddCommand(muxCmd)

	muxCmd.Flags().StringVarP(&muxInput, "input", "i", "", "input MP4 asset (required)")
	muxCmd.Flags().StringVarP(&muxOutput, "output", "o", "", "output .ts path (default <output_dir>/stream.ts)")
	muxCmd.Flags().Uint32Var(&muxSegmentIndex, "segment", 0, "segment index")
	_ = muxCmd.MarkFlagRequired("input")
}

// countingWriter tracks how many bytes reached the sink.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

func runMux(cmd *cobra.Command, _ []string) error {
	log := logger.With(slog.String("build_id", uuid.NewString()))

	in, err := os.Open(muxInput)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer in.Close()

	md, err := mp4.ReadMetadata(log, in, 0)
	if err != nil {
		return fmt.Errorf("reading asset metadata: %w", err)
	}

	if muxOutput == "" {
		if err := os.MkdirAll(cfg.Storage.OutputDir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		muxOutput = cfg.Storage.OutputDir + "/stream.ts"
	}
	out, err := os.Create(muxOutput)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer out.Close()
	sink := &countingWriter{w: out}

	blocks := cache.New(log, []*os.File{in}, cfg.Cache.BlockSize.Bytes(), cfg.Cache.SlotBlocks)

	muxer, simulationSupported, err := hls.New(log, hls.Config{
		InterleaveFrames: cfg.Muxer.InterleaveFrames,
		AlignFrames:      cfg.Muxer.AlignFrames,
	}, muxSegmentIndex, md, blocks, sink)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Muxer.BuildTimeout)
	defer cancel()

	for {
		err := muxer.Process()
		if err == nil {
			break
		}
		if !errors.Is(err, hls.ErrAgain) {
			return fmt.Errorf("building segment: %w", err)
		}
		if werr := blocks.Wait(ctx); werr != nil && !errors.Is(werr, cache.ErrNothingPending) {
			return fmt.Errorf("waiting for block cache: %w", werr)
		}
	}
	if err := blocks.Err(); err != nil {
		return fmt.Errorf("building segment: %w", err)
	}

	log.Info("segment build complete",
		slog.String("output", muxOutput),
		slog.Uint64("bytes", sink.n),
		slog.Int("streams", len(md.Streams)),
		slog.Bool("simulation_supported", simulationSupported))
	return nil
}
