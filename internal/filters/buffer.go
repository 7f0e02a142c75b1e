package filters

// DefaultMaxPESPayload is the audio aggregation limit in bytes, chosen so a
// full PES spans the conventional sixteen-packet PES header cadence.
const DefaultMaxPESPayload = 2926

// Buffer aggregates audio frames into a single PES until the payload limit
// is reached, the stream ends, or the muxer's delay-flush policy forces the
// pending data out. The first buffered frame supplies the PES timestamps.
//
// The byte counter is shared between the real and simulated paths; a muxer
// instance drives exactly one of the two for its lifetime.
type Buffer struct {
	next    Filter
	maxSize uint32

	data      []byte
	size      uint32
	hasFrames bool
	frame     OutputFrame
}

// NewBuffer creates a buffer flushing into next before a new frame would push
// the pending bytes past maxSize.
func NewBuffer(next Filter, maxSize uint32) *Buffer {
	return &Buffer{next: next, maxSize: maxSize}
}

// DTS returns the decode timestamp of the oldest buffered frame. The second
// return is false when nothing is pending.
func (b *Buffer) DTS() (uint64, bool) {
	if !b.hasFrames {
		return 0, false
	}
	return b.frame.DTS, true
}

// StartFrame flushes the pending PES first when the new frame would overflow
// the payload limit, then begins buffering the frame.
func (b *Buffer) StartFrame(f *OutputFrame) error {
	if b.hasFrames && b.size+f.Size+f.HeaderSize > b.maxSize {
		if err := b.ForceFlush(false); err != nil {
			return err
		}
	}
	if !b.hasFrames {
		b.frame = *f
		b.hasFrames = true
	}
	return nil
}

func (b *Buffer) Write(p []byte) error {
	b.data = append(b.data, p...)
	b.size += uint32(len(p))
	return nil
}

// FlushFrame marks the frame complete. Buffered data only leaves on
// overflow, delay-flush, or when the stream's last frame arrives.
func (b *Buffer) FlushFrame(lastInStream bool) error {
	if lastInStream {
		return b.ForceFlush(true)
	}
	return nil
}

// ForceFlush emits everything pending as one PES carrying the first buffered
// frame's timestamps.
func (b *Buffer) ForceFlush(lastInStream bool) error {
	if !b.hasFrames {
		return nil
	}

	out := b.frame
	out.Size = b.size
	out.HeaderSize = 0
	if err := b.next.StartFrame(&out); err != nil {
		return err
	}
	if err := b.next.Write(b.data); err != nil {
		return err
	}
	if err := b.next.FlushFrame(lastInStream); err != nil {
		return err
	}

	b.data = b.data[:0]
	b.size = 0
	b.hasFrames = false
	return nil
}

func (b *Buffer) SimulatedStartFrame(f *OutputFrame) {
	if b.hasFrames && b.size+f.Size+f.HeaderSize > b.maxSize {
		b.SimulatedForceFlush(false)
	}
	if !b.hasFrames {
		b.frame = *f
		b.hasFrames = true
	}
}

func (b *Buffer) SimulatedWrite(size uint32) {
	b.size += size
}

func (b *Buffer) SimulatedFlushFrame(lastInStream bool) {
	if lastInStream {
		b.SimulatedForceFlush(true)
	}
}

// SimulatedForceFlush is the size-only twin of ForceFlush.
func (b *Buffer) SimulatedForceFlush(lastInStream bool) {
	if !b.hasFrames {
		return
	}

	out := b.frame
	out.Size = b.size
	out.HeaderSize = 0
	b.next.SimulatedStartFrame(&out)
	b.next.SimulatedWrite(b.size)
	b.next.SimulatedFlushFrame(lastInStream)

	b.size = 0
	b.hasFrames = false
}
