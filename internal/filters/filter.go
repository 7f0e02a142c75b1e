// Package filters implements the per-stream payload transforms that sit
// between the frame pump and the MPEG-TS packet encoder: MP4-to-AnnexB for
// H.264, ADTS framing for AAC, audio PES aggregation and frame joining.
//
// Every filter exposes the same contract twice: the real entry points move
// payload bytes, the simulated entry points advance the encoder's byte
// counters identically without touching payload. The twin paths must stay
// byte-for-byte in sync so segment sizes can be predicted without reading
// media data.
package filters

// OutputFrame carries the per-frame parameters handed down the filter chain
// when a new PES frame begins.
type OutputFrame struct {
	// PTS and DTS in 90 kHz HLS ticks.
	PTS uint64
	DTS uint64
	// Key marks an independently decodable video frame.
	Key bool
	// Size is the payload byte count the caller will write for this frame.
	Size uint32
	// HeaderSize is extra header payload accounted by upstream filters.
	HeaderSize uint32
}

// Filter is the uniform chain contract. StartFrame begins a new PES frame,
// Write accepts any number of payload bytes in any chunking, and FlushFrame
// finalizes the frame; lastInStream tells the bottom encoder to terminate the
// stream's packets. The Simulated variants replay the same size arithmetic
// without payload.
type Filter interface {
	StartFrame(f *OutputFrame) error
	Write(p []byte) error
	FlushFrame(lastInStream bool) error

	SimulatedStartFrame(f *OutputFrame)
	SimulatedWrite(size uint32)
	SimulatedFlushFrame(lastInStream bool)
}
