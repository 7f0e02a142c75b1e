// Package mpegts implements the transport-stream packet layer: a write-buffer
// queue that keeps 188-byte packets in file order across multiple per-stream
// producers, and the per-stream packet encoder with its simulation twin.
package mpegts

import (
	"fmt"
	"io"
)

// PacketSize is the fixed MPEG-TS packet size in bytes.
const PacketSize = 188

// packetsPerBuffer sizes the queue's allocation chunks. Packet slices handed
// to producers stay valid until sent, so chunks are never reallocated.
const packetsPerBuffer = 64

type queueBuffer struct {
	data        []byte
	startOffset int64
	used        int
}

func (b *queueBuffer) full() bool {
	return b.used == len(b.data)
}

// Queue accumulates TS packets from multiple producers and releases them to
// the write callback strictly in file-offset order. Producers append packets
// with GetPacket and later prove causality through Send: only packets every
// producer has moved past are drained.
type Queue struct {
	w         io.Writer
	buffers   []*queueBuffer
	curOffset int64
}

// NewQueue creates a queue draining into w.
func NewQueue(w io.Writer) *Queue {
	return &Queue{w: w}
}

// CurOffset returns the absolute queue offset one past the last appended (or
// simulated) packet.
func (q *Queue) CurOffset() int64 {
	return q.curOffset
}

// GetPacket appends a zeroed 188-byte packet and returns it together with its
// absolute queue offset. The slice stays valid until the packet is drained.
func (q *Queue) GetPacket() ([]byte, int64) {
	var b *queueBuffer
	if n := len(q.buffers); n > 0 && !q.buffers[n-1].full() {
		b = q.buffers[n-1]
	} else {
		b = &queueBuffer{
			data:        make([]byte, packetsPerBuffer*PacketSize),
			startOffset: q.curOffset,
		}
		q.buffers = append(q.buffers, b)
	}

	p := b.data[b.used : b.used+PacketSize]
	b.used += PacketSize
	offset := q.curOffset
	q.curOffset += PacketSize
	return p, offset
}

// Send drains every full buffer that lies entirely below minOffset. Producers
// holding an open packet keep their send offset at that packet, so no byte
// ever crosses to the writer before all earlier bytes have.
func (q *Queue) Send(minOffset int64) error {
	for len(q.buffers) > 0 {
		b := q.buffers[0]
		if !b.full() || b.startOffset+int64(b.used) > minOffset {
			break
		}
		if _, err := q.w.Write(b.data[:b.used]); err != nil {
			return fmt.Errorf("sending queued packets: %w", err)
		}
		q.buffers = q.buffers[1:]
	}
	return nil
}

// Flush drains everything, including partially filled buffers.
func (q *Queue) Flush() error {
	for _, b := range q.buffers {
		if b.used == 0 {
			continue
		}
		if _, err := q.w.Write(b.data[:b.used]); err != nil {
			return fmt.Errorf("flushing queued packets: %w", err)
		}
	}
	q.buffers = nil
	return nil
}

// SimulatedAlloc accounts one packet without backing storage and returns its
// offset. The simulation twin of GetPacket.
func (q *Queue) SimulatedAlloc() int64 {
	offset := q.curOffset
	q.curOffset += PacketSize
	return offset
}

// SimulatedStartSegment restarts the queue's segment accounting: the offset
// rewinds to zero and the leading PAT and PMT packets of a fresh segment are
// accounted for, mirroring what InitStreams reserves on the real path.
func (q *Queue) SimulatedStartSegment() {
	q.buffers = nil
	q.curOffset = 2 * PacketSize
}
