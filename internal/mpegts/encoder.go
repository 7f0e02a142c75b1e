package mpegts

import (
	"fmt"
	"math"

	"github.com/vodmux/vodmux/internal/filters"
	"github.com/vodmux/vodmux/internal/media"
)

// Program layout. PIDs continue the conventional ffmpeg numbering: program
// map at 0x1000, elementary streams from 0x100.
var (
	patPID     uint16 = 0x0000
	pmtPID     uint16 = 0x1000
	firstESPID uint16 = 0x0100
)

const (
	programNum  = 1
	transportID = 1
)

// Elementary stream types carried in the PMT.
const (
	streamTypeH264 = 0x1B
	streamTypeAAC  = 0x0F
)

// PES stream id bases.
const (
	videoStreamID = 0xE0
	audioStreamID = 0xC0
)

// pesHeaderSize is the fixed PES header: 6-byte prefix plus the optional
// header carrying both PTS and DTS. Both the real and simulated paths derive
// packet fill arithmetic from this one constant.
const pesHeaderSize = 6 + 3 + 10

// NoSendOffset is the send-queue offset of an idle encoder: it never holds
// the queue back.
const NoSendOffset = math.MaxInt64

// InitStreamsState registers the streams of one segment and owns the PAT and
// PMT packets reserved at the head of the queue. Finalize fills them once
// every stream's PID is known.
type InitStreamsState struct {
	queue        *Queue
	segmentIndex uint32
	patPacket    []byte
	pmtPacket    []byte

	streamTypes []byte
	streamPIDs  []uint16
	encoders    []*Encoder
	pcrPID      uint16

	videoCount int
	audioCount int
}

// InitStreams reserves the PAT and PMT packets at the current queue position.
// It must run before any encoder appends media packets so the tables lead the
// segment.
func InitStreams(q *Queue, segmentIndex uint32) *InitStreamsState {
	s := &InitStreamsState{
		queue:        q,
		segmentIndex: segmentIndex,
	}
	s.patPacket, _ = q.GetPacket()
	s.pmtPacket, _ = q.GetPacket()
	return s
}

// Finalize writes the PAT and PMT into the reserved packets. The PCR rides
// the first video stream, or the first stream when there is no video.
func (s *InitStreamsState) Finalize() error {
	if len(s.streamPIDs) == 0 {
		return fmt.Errorf("finalizing streams: no streams registered")
	}

	s.pcrPID = s.streamPIDs[0]
	for i, st := range s.streamTypes {
		if st == streamTypeH264 {
			s.pcrPID = s.streamPIDs[i]
			break
		}
	}

	for _, e := range s.encoders {
		e.carriesPCR = e.pid == s.pcrPID
	}

	// Continuity counters derive from the segment index so concatenated
	// segments keep the PAT/PMT counters continuous.
	cc := byte(s.segmentIndex & 0x0F)
	writePAT(s.patPacket, cc)
	writePMT(s.pmtPacket, cc, s.pcrPID, s.streamTypes, s.streamPIDs)
	return nil
}

// Encoder packetizes one elementary stream's PES frames into the shared
// queue. It implements the filter contract as the bottom of every chain.
type Encoder struct {
	queue *Queue

	pid        uint16
	streamID   byte
	carriesPCR bool

	// interleaveFrames means the upstream joiner feeds multiple media frames
	// into one PES whose total size is unknown at start, so the PES length
	// field stays unbounded. alignFrames is stored but not consulted:
	// FlushFrame stuffs the trailing packet of every frame with adaptation
	// stuffing, and a PES packet can never share a transport packet with its
	// predecessor, so frame starts are packet-aligned either way and the flag
	// has no byte-level effect in this packetizer.
	interleaveFrames bool
	alignFrames      bool

	cc byte

	packet []byte
	pos    int

	sendQueueOffset int64

	// Frame byte positions within the queue. The two-position pattern is
	// needed because the offset of a frame about to be written differs from
	// one already flushed into whole packets.
	lastFrameStartPos int64
	lastFrameEndPos   int64
	curFrameStartPos  int64
	curFrameEndPos    int64

	simOpen bool
	simPos  int
}

// NewEncoder registers a stream with init and returns its packetizer.
func NewEncoder(init *InitStreamsState, mediaType media.Type, interleaveFrames, alignFrames bool) *Encoder {
	e := &Encoder{
		queue:            init.queue,
		interleaveFrames: interleaveFrames,
		alignFrames:      alignFrames,
		sendQueueOffset:  NoSendOffset,
	}

	switch mediaType {
	case media.TypeVideo:
		e.streamID = videoStreamID + byte(init.videoCount)
		init.videoCount++
	default:
		e.streamID = audioStreamID + byte(init.audioCount)
		init.audioCount++
	}

	e.pid = firstESPID + uint16(len(init.streamPIDs))
	st := byte(streamTypeAAC)
	if mediaType == media.TypeVideo {
		st = streamTypeH264
	}
	init.streamTypes = append(init.streamTypes, st)
	init.streamPIDs = append(init.streamPIDs, e.pid)

	// Which stream carries the PCR is only decided once every stream is
	// registered; Finalize fills it in.
	init.encoders = append(init.encoders, e)
	return e
}

// PID returns the stream's packet identifier. The muxer also uses it as the
// read-cache slot id.
func (e *Encoder) PID() uint16 {
	return e.pid
}

// SendQueueOffset reports the queue offset of the oldest packet this stream
// still holds open, or NoSendOffset when idle.
func (e *Encoder) SendQueueOffset() int64 {
	return e.sendQueueOffset
}

// Frame positions recorded by the two most recent StartFrame/FlushFrame
// cycles, used by the I-frame extractor.
func (e *Encoder) LastFrameStartPos() int64 { return e.lastFrameStartPos }
func (e *Encoder) LastFrameEndPos() int64   { return e.lastFrameEndPos }
func (e *Encoder) CurFrameStartPos() int64  { return e.curFrameStartPos }
func (e *Encoder) CurFrameEndPos() int64    { return e.curFrameEndPos }

// adaptationSize returns the byte count of the adaptation field opening a
// frame's first packet: PCR streams always carry a PCR, keyframes carry the
// random-access indicator.
func (e *Encoder) adaptationSize(key bool) int {
	switch {
	case e.carriesPCR:
		return 8
	case key:
		return 2
	default:
		return 0
	}
}

// StartFrame opens a new PES frame: a fresh packet with the payload unit
// start indicator, the adaptation field, and the PES header.
func (e *Encoder) StartFrame(f *filters.OutputFrame) error {
	e.lastFrameStartPos = e.curFrameStartPos
	e.lastFrameEndPos = e.curFrameEndPos
	e.curFrameStartPos = e.queue.CurOffset()
	e.sendQueueOffset = e.curFrameStartPos

	e.newPacket(true)

	p := e.packet
	af := e.adaptationSize(f.Key)
	if af > 0 {
		p[3] |= 0x20
		p[4] = byte(af - 1)
		if e.carriesPCR {
			flags := byte(0x10)
			if f.Key {
				flags |= 0x40
			}
			p[5] = flags
			writePCR(p[6:], f.DTS)
		} else {
			p[5] = 0x40
		}
		e.pos += af
	}

	e.writePESHeader(f)
	return nil
}

// newPacket appends a packet with this stream's PID and continuity counter.
func (e *Encoder) newPacket(start bool) {
	p, _ := e.queue.GetPacket()
	p[0] = 0x47
	p[1] = byte(e.pid >> 8)
	if start {
		p[1] |= 0x40
	}
	p[2] = byte(e.pid)
	p[3] = 0x10 | e.cc
	e.cc = (e.cc + 1) & 0x0F

	e.packet = p
	e.pos = 4
}

func (e *Encoder) writePESHeader(f *filters.OutputFrame) {
	p := e.packet[e.pos:]
	p[0] = 0x00
	p[1] = 0x00
	p[2] = 0x01
	p[3] = e.streamID

	// Video PES packets are unbounded; so are interleaved audio PES packets
	// whose joined size is unknown when the header goes out.
	var pesLength uint32
	if e.streamID < videoStreamID && !e.interleaveFrames {
		pesLength = f.Size + f.HeaderSize + 3 + 10
		if pesLength > 0xFFFF {
			pesLength = 0
		}
	}
	p[4] = byte(pesLength >> 8)
	p[5] = byte(pesLength)

	p[6] = 0x80
	p[7] = 0xC0 // PTS and DTS present
	p[8] = 10
	writeTimestamp(p[9:], 0x30, f.PTS)
	writeTimestamp(p[14:], 0x10, f.DTS)

	e.pos += pesHeaderSize
}

// Write packetizes payload bytes, opening continuation packets as needed.
// It accepts any chunking.
func (e *Encoder) Write(p []byte) error {
	for len(p) > 0 {
		if e.packet == nil {
			e.newPacket(false)
		}
		n := copy(e.packet[e.pos:], p)
		e.pos += n
		p = p[n:]
		if e.pos == PacketSize {
			e.packet = nil
		}
	}
	return nil
}

// FlushFrame finalizes the frame: the trailing packet is padded out with
// adaptation-field stuffing and the stream stops holding the queue back.
func (e *Encoder) FlushFrame(lastInStream bool) error {
	if e.packet != nil {
		e.stuff()
		e.packet = nil
	}
	e.curFrameEndPos = e.queue.CurOffset()
	e.sendQueueOffset = NoSendOffset
	return nil
}

// stuff pads the open packet to 188 bytes by moving the payload to the tail
// and growing (or creating) the adaptation field with 0xFF stuffing.
func (e *Encoder) stuff() {
	p := e.packet
	free := PacketSize - e.pos
	if free == 0 {
		return
	}

	payloadStart := 4
	if p[3]&0x20 != 0 {
		payloadStart = 5 + int(p[4])
	}

	copy(p[payloadStart+free:PacketSize], p[payloadStart:e.pos])

	if p[3]&0x20 != 0 {
		oldLen := int(p[4])
		p[4] = byte(oldLen + free)
		for i := 5 + oldLen; i < 5+oldLen+free; i++ {
			p[i] = 0xFF
		}
	} else {
		p[3] |= 0x20
		p[4] = byte(free - 1)
		if free >= 2 {
			p[5] = 0x00
			for i := 6; i < 4+free; i++ {
				p[i] = 0xFF
			}
		}
	}
	e.pos = PacketSize
}

// SimulatedStartFrame advances the same counters as StartFrame without
// writing packet bytes.
func (e *Encoder) SimulatedStartFrame(f *filters.OutputFrame) {
	e.lastFrameStartPos = e.curFrameStartPos
	e.lastFrameEndPos = e.curFrameEndPos
	e.curFrameStartPos = e.queue.CurOffset()

	e.queue.SimulatedAlloc()
	e.simOpen = true
	e.simPos = 4 + e.adaptationSize(f.Key) + pesHeaderSize
}

// SimulatedWrite mirrors Write's packet fill arithmetic for size bytes.
func (e *Encoder) SimulatedWrite(size uint32) {
	remaining := int(size)
	for remaining > 0 {
		if !e.simOpen {
			e.queue.SimulatedAlloc()
			e.simOpen = true
			e.simPos = 4
		}
		n := PacketSize - e.simPos
		if n > remaining {
			n = remaining
		}
		e.simPos += n
		remaining -= n
		if e.simPos == PacketSize {
			e.simOpen = false
		}
	}
}

// SimulatedFlushFrame mirrors FlushFrame: the open packet is accounted as
// stuffed to a full 188 bytes.
func (e *Encoder) SimulatedFlushFrame(lastInStream bool) {
	e.simOpen = false
	e.curFrameEndPos = e.queue.CurOffset()
}

// writeTimestamp encodes a 33-bit PTS or DTS in the 5-byte marker format.
func writeTimestamp(p []byte, prefix byte, ts uint64) {
	p[0] = prefix | byte(ts>>29)&0x0E | 0x01
	p[1] = byte(ts >> 22)
	p[2] = byte(ts>>14) | 0x01
	p[3] = byte(ts >> 7)
	p[4] = byte(ts<<1) | 0x01
}

// writePCR encodes the 33-bit PCR base with a zero 9-bit extension.
func writePCR(p []byte, base uint64) {
	p[0] = byte(base >> 25)
	p[1] = byte(base >> 17)
	p[2] = byte(base >> 9)
	p[3] = byte(base >> 1)
	p[4] = byte(base<<7) | 0x7E
	p[5] = 0x00
}

func writePAT(p []byte, cc byte) {
	writeTableHeader(p, patPID, cc)

	section := []byte{
		0x00,       // table id
		0xB0, 0x0D, // section syntax + length
		0x00, transportID,
		0xC1,       // version 0, current
		0x00, 0x00, // section number, last section number
		0x00, programNum,
		0xE0 | byte(pmtPID>>8), byte(pmtPID),
	}
	fillSection(p, section)
}

func writePMT(p []byte, cc byte, pcrPID uint16, streamTypes []byte, streamPIDs []uint16) {
	writeTableHeader(p, pmtPID, cc)

	sectionLength := 13 + 5*len(streamPIDs)
	section := []byte{
		0x02, // table id
		0xB0 | byte(sectionLength>>8), byte(sectionLength),
		0x00, programNum,
		0xC1,
		0x00, 0x00,
		0xE0 | byte(pcrPID>>8), byte(pcrPID),
		0xF0, 0x00, // program info length 0
	}
	for i, st := range streamTypes {
		section = append(section,
			st,
			0xE0|byte(streamPIDs[i]>>8), byte(streamPIDs[i]),
			0xF0, 0x00, // ES info length 0
		)
	}
	fillSection(p, section)
}

// writeTableHeader fills the TS header and pointer field of a PSI packet.
func writeTableHeader(p []byte, pid uint16, cc byte) {
	p[0] = 0x47
	p[1] = 0x40 | byte(pid>>8)
	p[2] = byte(pid)
	p[3] = 0x10 | cc
	p[4] = 0x00 // pointer field
}

// fillSection appends the CRC and stuffs the rest of the packet with 0xFF.
func fillSection(p []byte, section []byte) {
	n := copy(p[5:], section)
	crc := crc32MPEG(section)
	p[5+n] = byte(crc >> 24)
	p[6+n] = byte(crc >> 16)
	p[7+n] = byte(crc >> 8)
	p[8+n] = byte(crc)
	for i := 9 + n; i < PacketSize; i++ {
		p[i] = 0xFF
	}
}

// crc32MPEG computes the MPEG-2 PSI CRC (IEEE polynomial, no reflection,
// initial value all ones, no final xor).
func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
