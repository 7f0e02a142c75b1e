package hls

import (
	"github.com/vodmux/vodmux/internal/filters"
	"github.com/vodmux/vodmux/internal/media"
	"github.com/vodmux/vodmux/internal/segmenter"
)

// IframeReportFunc receives one report per video keyframe: the segment the
// keyframe belongs to, its display duration in milliseconds, and the byte
// window it occupies within the segment.
type IframeReportFunc func(segmentIndex uint32, durationMillis uint32, offset uint64, size uint64)

// simulationWriteFrame replays one frame through the size-only filter path.
// PTS and payload are never touched.
func simulationWriteFrame(selected *streamState, frame *media.Frame, frameDTS uint64, lastFrame bool) {
	out := filters.OutputFrame{
		DTS:  frameDTS,
		Key:  frame.KeyFrame,
		Size: frame.Size,
	}
	selected.topFilter.SimulatedStartFrame(&out)
	selected.topFilter.SimulatedWrite(frame.Size)
	selected.topFilter.SimulatedFlushFrame(lastFrame)
}

// simulationFlushDelayedStreams is the size-only twin of flushDelayedStreams.
func (m *Muxer) simulationFlushDelayedStreams(selected *streamState, frameDTS uint64) {
	for _, s := range m.streams {
		if s == selected || s.buffer == nil {
			continue
		}
		if dts, ok := s.buffer.DTS(); ok && frameDTS > dts+media.HLSDelay/2 {
			m.logger.Debug("flushing buffered frames",
				"buffer_dts", dts,
				"frame_dts", frameDTS)
			s.buffer.SimulatedForceFlush(false)
		}
	}
}

// SimulateSegmentSize replays the full scheduling of the segment without
// payload and returns the byte size the real build would produce. Only valid
// when New reported simulation support.
func (m *Muxer) SimulateSegmentSize() uint64 {
	m.queue.SimulatedStartSegment()

	for {
		selected := m.chooseStream()
		if selected == nil {
			break // done
		}

		frame := &selected.md.Frames[selected.curFrame]
		selected.curFrame++
		selected.nextFrameTimeOffset += uint64(frame.Duration)
		frameDTS := selected.nextFrameDTS
		selected.nextFrameDTS = media.Rescale(selected.nextFrameTimeOffset, selected.md.Timescale, media.HLSTimescale)

		m.simulationFlushDelayedStreams(selected, frameDTS)

		simulationWriteFrame(selected, frame, frameDTS, selected.exhausted())
	}

	return uint64(m.queue.CurOffset())
}

// iframesChooseStream is the scheduler variant used by I-frame extraction:
// it additionally excludes streams that crossed their segment limit.
func (m *Muxer) iframesChooseStream() *streamState {
	var result *streamState
	for _, s := range m.streams {
		if s.exhausted() || s.nextFrameTimeOffset >= s.segmentLimit {
			continue
		}
		if result == nil || s.nextFrameDTS < result.nextFrameDTS {
			result = s
		}
	}
	return result
}

// setSegmentLimit places the next segment boundary on every stream, in the
// stream's own timescale. The division truncates, matching the playlist
// generator's arithmetic exactly.
func (m *Muxer) setSegmentLimit(segmentEnd uint64, timescale uint32) {
	for _, s := range m.streams {
		s.segmentLimit = segmentEnd*uint64(s.md.Timescale)/uint64(timescale) - s.md.ClipFromFrameOffset
		s.isFirstSegmentFrame = true
	}
}

// SimulateIframes walks every segment of the asset in simulation and reports
// the byte window of each video keyframe. Segment boundaries come from the
// segmenter: keyframe-aligned when the configuration asks for it, fixed
// windows otherwise.
//
// A keyframe is reported once the frame after it is written, because only
// then is its end position flushed into whole packets; a keyframe that closes
// a segment is reported from the in-flight positions instead. The final
// report is closed with the video stream's nominal duration.
func (m *Muxer) SimulateIframes(conf segmenter.Config, md *media.Metadata, report IframeReportFunc) error {
	var durations segmenter.Durations
	var err error
	if conf.AlignToKeyFrames {
		durations, err = segmenter.Accurate(conf, md.Streams[0])
	} else {
		durations, err = segmenter.Estimate(conf, md.LongestStream())
	}
	if err != nil {
		return err
	}

	items := durations.Items
	if len(items) == 0 {
		return nil
	}

	// Prime the repeat count, the segment end, and the per-stream limits.
	itemIndex := 0
	repeatCount := items[0].RepeatCount - 1
	segmentEnd := items[0].Duration
	m.setSegmentLimit(segmentEnd, durations.Timescale)

	m.queue.SimulatedStartSegment()

	var (
		frameStart        int64
		frameSize         int64
		frameStartTime    uint64
		firstFrameTime    uint64
		frameSegmentIndex uint32
		segmentIndex      uint32
	)

frames:
	for {
		// Choose a stream; on exhaustion advance to the next segment.
		var selected *streamState
		for {
			selected = m.iframesChooseStream()
			if selected != nil {
				break
			}

			if repeatCount <= 0 {
				itemIndex++
				if itemIndex >= len(items) {
					break frames
				}
				repeatCount = items[itemIndex].RepeatCount
			}
			repeatCount--
			segmentEnd += items[itemIndex].Duration
			m.setSegmentLimit(segmentEnd, durations.Timescale)

			m.queue.SimulatedStartSegment()
			segmentIndex++
		}

		// Advance the stream state.
		frameIndex := selected.curFrame
		frame := &selected.md.Frames[frameIndex]
		selected.curFrame++
		curFrameTimeOffset := selected.nextFrameTimeOffset
		selected.nextFrameTimeOffset += uint64(frame.Duration)
		frameDTS := selected.nextFrameDTS
		selected.nextFrameDTS = media.Rescale(selected.nextFrameTimeOffset, selected.md.Timescale, media.HLSTimescale)

		m.simulationFlushDelayedStreams(selected, frameDTS)

		lastFrame := selected.exhausted() ||
			selected.nextFrameTimeOffset >= selected.segmentLimit

		simulationWriteFrame(selected, frame, frameDTS, lastFrame)

		// Only video keyframes are reported.
		if selected.md.MediaType != media.TypeVideo {
			continue
		}

		if !selected.isFirstSegmentFrame && selected.md.Frames[frameIndex-1].KeyFrame {
			prev := &selected.md.Frames[frameIndex-1]
			frameTime := media.Rescale(
				uint64(int64(curFrameTimeOffset)-int64(prev.Duration)+int64(prev.PTSDelay)),
				selected.md.Timescale, 1000)
			if frameSize != 0 {
				report(frameSegmentIndex, uint32(frameTime-frameStartTime), uint64(frameStart), uint64(frameSize))
			} else {
				firstFrameTime = frameTime
			}

			frameStart = selected.encoder.LastFrameStartPos()
			frameSize = selected.encoder.LastFrameEndPos() - selected.encoder.LastFrameStartPos()
			frameStartTime = frameTime
			frameSegmentIndex = segmentIndex
		}

		if lastFrame && frame.KeyFrame {
			frameTime := media.Rescale(
				uint64(int64(curFrameTimeOffset)+int64(frame.PTSDelay)),
				selected.md.Timescale, 1000)
			if frameSize != 0 {
				report(frameSegmentIndex, uint32(frameTime-frameStartTime), uint64(frameStart), uint64(frameSize))
			} else {
				firstFrameTime = frameTime
			}

			frameStart = selected.encoder.CurFrameStartPos()
			frameSize = selected.encoder.CurFrameEndPos() - selected.encoder.CurFrameStartPos()
			frameStartTime = frameTime
			frameSegmentIndex = segmentIndex
		}

		selected.isFirstSegmentFrame = false
	}

	// Close the list with the nominal video duration.
	endTime := firstFrameTime + m.videoDuration
	if frameSize != 0 && endTime > frameStartTime {
		report(frameSegmentIndex, uint32(endTime-frameStartTime), uint64(frameStart), uint64(frameSize))
	}
	return nil
}

// SegmentInfo is one segment's predicted duration and byte size.
type SegmentInfo struct {
	DurationMillis uint64
	Size           uint64
}

// SimulateSegmentSizes replays the asset segment by segment, with the same
// boundaries the I-frame extractor uses, and returns each segment's predicted
// byte size. Only valid when New reported simulation support.
func (m *Muxer) SimulateSegmentSizes(conf segmenter.Config, md *media.Metadata) ([]SegmentInfo, error) {
	var durations segmenter.Durations
	var err error
	if conf.AlignToKeyFrames {
		durations, err = segmenter.Accurate(conf, md.Streams[0])
	} else {
		durations, err = segmenter.Estimate(conf, md.LongestStream())
	}
	if err != nil {
		return nil, err
	}

	items := durations.Items
	if len(items) == 0 {
		return nil, nil
	}

	itemIndex := 0
	repeatCount := items[0].RepeatCount - 1
	segmentEnd := items[0].Duration
	m.setSegmentLimit(segmentEnd, durations.Timescale)
	m.queue.SimulatedStartSegment()

	var segments []SegmentInfo
	closeSegment := func() {
		segments = append(segments, SegmentInfo{
			DurationMillis: media.Rescale(items[itemIndex].Duration, durations.Timescale, 1000),
			Size:           uint64(m.queue.CurOffset()),
		})
	}

	for {
		selected := m.iframesChooseStream()
		if selected == nil {
			closeSegment()

			if repeatCount <= 0 {
				itemIndex++
				if itemIndex >= len(items) {
					break
				}
				repeatCount = items[itemIndex].RepeatCount
			}
			repeatCount--
			segmentEnd += items[itemIndex].Duration
			m.setSegmentLimit(segmentEnd, durations.Timescale)
			m.queue.SimulatedStartSegment()
			continue
		}

		frame := &selected.md.Frames[selected.curFrame]
		selected.curFrame++
		selected.nextFrameTimeOffset += uint64(frame.Duration)
		frameDTS := selected.nextFrameDTS
		selected.nextFrameDTS = media.Rescale(selected.nextFrameTimeOffset, selected.md.Timescale, media.HLSTimescale)

		m.simulationFlushDelayedStreams(selected, frameDTS)

		lastFrame := selected.exhausted() ||
			selected.nextFrameTimeOffset >= selected.segmentLimit
		simulationWriteFrame(selected, frame, frameDTS, lastFrame)
	}

	return segments, nil
}

// SimulationReset rewinds every stream to its first frame and restarts the
// segment accounting. Filter state is left alone; filters are segment-scoped.
func (m *Muxer) SimulationReset() {
	m.queue.SimulatedStartSegment()

	for _, s := range m.streams {
		s.curFrame = 0
		s.nextFrameTimeOffset = s.md.FirstFrameTimeOffset
		s.nextFrameDTS = media.Rescale(s.nextFrameTimeOffset, s.md.Timescale, media.HLSTimescale)
	}

	m.curFrame = nil
}
