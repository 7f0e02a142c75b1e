package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/asticode/go-astits"
	"github.com/spf13/cobra"
)

var probeInput string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Inspect a produced MPEG-TS stream",
	Long: `probe demuxes a transport stream with an independent parser and prints
per-PID PES statistics, as a round-trip sanity check over vodmux output.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().StringVarP(&probeInput, "input", "i", "", "input .ts path (required)")
	_ = probeCmd.MarkFlagRequired("input")
}

type pidStats struct {
	pesCount int
	bytes    int
	firstPTS int64
	lastPTS  int64
	firstDTS int64
	lastDTS  int64
}

func runProbe(cmd *cobra.Command, _ []string) error {
	f, err := os.Open(probeInput)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	dmx := astits.NewDemuxer(cmd.Context(), bufio.NewReader(f))
	stats := make(map[uint16]*pidStats)
	streamTypes := make(map[uint16]string)

	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return fmt.Errorf("demuxing: %w", err)
		}

		if d.PMT != nil {
			for _, es := range d.PMT.ElementaryStreams {
				streamTypes[es.ElementaryPID] = es.StreamType.String()
			}
		}
		if d.PES == nil {
			continue
		}

		s := stats[d.PID]
		if s == nil {
			s = &pidStats{firstPTS: -1, firstDTS: -1}
			stats[d.PID] = s
		}
		s.pesCount++
		s.bytes += len(d.PES.Data)

		if oh := d.PES.Header.OptionalHeader; oh != nil {
			if oh.PTS != nil {
				if s.firstPTS < 0 {
					s.firstPTS = oh.PTS.Base
				}
				s.lastPTS = oh.PTS.Base
			}
			if oh.DTS != nil {
				if s.firstDTS < 0 {
					s.firstDTS = oh.DTS.Base
				}
				s.lastDTS = oh.DTS.Base
			}
		}
	}

	pids := make([]int, 0, len(stats))
	for pid := range stats {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	for _, pid := range pids {
		s := stats[uint16(pid)]
		fmt.Printf("pid 0x%04x (%s): %d PES packets, %d payload bytes, PTS %d..%d, DTS %d..%d\n",
			pid, streamTypes[uint16(pid)], s.pesCount, s.bytes,
			s.firstPTS, s.lastPTS, s.firstDTS, s.lastDTS)
	}
	return nil
}
