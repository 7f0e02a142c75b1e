package filters

// frameJoinGap is the DTS window, in 90 kHz ticks, within which consecutive
// audio frames share one PES. 100 ms keeps joined bursts well inside the
// delay-flush half-window.
const frameJoinGap = 9000

// FrameJoiner concatenates consecutive audio frames into a single PES while
// their decode timestamps stay close, used when frame interleaving is
// enabled. The downstream PES is left open between joined frames and only
// finalized when the window closes or the stream ends.
type FrameJoiner struct {
	next     Filter
	open     bool
	startDTS uint64
}

// NewFrameJoiner creates a joiner writing into next.
func NewFrameJoiner(next Filter) *FrameJoiner {
	return &FrameJoiner{next: next}
}

// StartFrame either continues the open PES or finalizes it and starts a new
// one when the frame falls outside the join window.
func (j *FrameJoiner) StartFrame(f *OutputFrame) error {
	if j.open {
		if f.DTS-j.startDTS < frameJoinGap {
			return nil
		}
		if err := j.next.FlushFrame(false); err != nil {
			return err
		}
	}

	j.open = true
	j.startDTS = f.DTS
	return j.next.StartFrame(f)
}

func (j *FrameJoiner) Write(p []byte) error {
	return j.next.Write(p)
}

// FlushFrame finalizes the open PES only at the end of the stream; joined
// frames otherwise keep it open for the next arrival.
func (j *FrameJoiner) FlushFrame(lastInStream bool) error {
	if !lastInStream {
		return nil
	}
	j.open = false
	return j.next.FlushFrame(true)
}

func (j *FrameJoiner) SimulatedStartFrame(f *OutputFrame) {
	if j.open {
		if f.DTS-j.startDTS < frameJoinGap {
			return
		}
		j.next.SimulatedFlushFrame(false)
	}

	j.open = true
	j.startDTS = f.DTS
	j.next.SimulatedStartFrame(f)
}

func (j *FrameJoiner) SimulatedWrite(size uint32) {
	j.next.SimulatedWrite(size)
}

func (j *FrameJoiner) SimulatedFlushFrame(lastInStream bool) {
	if !lastInStream {
		return
	}
	j.open = false
	j.next.SimulatedFlushFrame(true)
}
