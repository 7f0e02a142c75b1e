package filters

import (
	"encoding/binary"
	"fmt"
)

// AnnexB converts MP4 length-prefixed H.264 NAL units to start-code-prefixed
// AnnexB form and injects the SPS/PPS parameter sets before every keyframe.
// Payload may arrive in arbitrary chunks; partial length prefixes and NAL
// bodies carry over between writes.
type AnnexB struct {
	next          Filter
	nalLengthSize int
	paramSets     []byte // SPS/PPS blob, already start-code prefixed

	// In-frame parser state.
	lengthBuf   [4]byte
	lengthBytes int
	nalLeft     uint32
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// NewAnnexB builds the filter from the stream's raw avcC configuration
// record. nalLengthSize is the byte width of the length prefixes in sample
// data (1, 2 or 4).
func NewAnnexB(next Filter, extraData []byte, nalLengthSize int) (*AnnexB, error) {
	switch nalLengthSize {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("building annexb filter: invalid NAL length size %d", nalLengthSize)
	}

	paramSets, err := parseAVCConfig(extraData)
	if err != nil {
		return nil, fmt.Errorf("building annexb filter: %w", err)
	}

	return &AnnexB{
		next:          next,
		nalLengthSize: nalLengthSize,
		paramSets:     paramSets,
	}, nil
}

// SimulationSupported reports whether the size-only path is byte-exact for
// this stream. A 4-byte length prefix maps one-to-one onto the 4-byte start
// code, so the converted frame size equals the input size; shorter prefixes
// grow the payload by an amount only the payload itself reveals.
func (a *AnnexB) SimulationSupported() bool {
	return a.nalLengthSize == 4
}

// StartFrame opens the PES frame and emits the parameter sets ahead of
// keyframe payload.
func (a *AnnexB) StartFrame(f *OutputFrame) error {
	a.lengthBytes = 0
	a.nalLeft = 0

	if err := a.next.StartFrame(f); err != nil {
		return err
	}
	if f.Key {
		return a.next.Write(a.paramSets)
	}
	return nil
}

func (a *AnnexB) Write(p []byte) error {
	for len(p) > 0 {
		if a.nalLeft == 0 {
			// Accumulate the length prefix, possibly across writes.
			for a.lengthBytes < a.nalLengthSize && len(p) > 0 {
				a.lengthBuf[a.lengthBytes] = p[0]
				a.lengthBytes++
				p = p[1:]
			}
			if a.lengthBytes < a.nalLengthSize {
				return nil
			}
			a.lengthBytes = 0

			a.nalLeft = a.nalLength()
			if err := a.next.Write(startCode); err != nil {
				return err
			}
			continue
		}

		n := uint32(len(p))
		if n > a.nalLeft {
			n = a.nalLeft
		}
		if err := a.next.Write(p[:n]); err != nil {
			return err
		}
		a.nalLeft -= n
		p = p[n:]
	}
	return nil
}

func (a *AnnexB) FlushFrame(lastInStream bool) error {
	if a.nalLeft != 0 || a.lengthBytes != 0 {
		return fmt.Errorf("flushing annexb frame: truncated NAL unit (%d bytes missing)", a.nalLeft)
	}
	return a.next.FlushFrame(lastInStream)
}

// SimulatedStartFrame mirrors StartFrame: keyframes account for the
// parameter-set bytes.
func (a *AnnexB) SimulatedStartFrame(f *OutputFrame) {
	a.next.SimulatedStartFrame(f)
	if f.Key {
		a.next.SimulatedWrite(uint32(len(a.paramSets)))
	}
}

// SimulatedWrite passes the input size through unchanged; exact only when
// SimulationSupported reports true.
func (a *AnnexB) SimulatedWrite(size uint32) {
	a.next.SimulatedWrite(size)
}

func (a *AnnexB) SimulatedFlushFrame(lastInStream bool) {
	a.next.SimulatedFlushFrame(lastInStream)
}

func (a *AnnexB) nalLength() uint32 {
	switch a.nalLengthSize {
	case 1:
		return uint32(a.lengthBuf[0])
	case 2:
		return uint32(binary.BigEndian.Uint16(a.lengthBuf[:2]))
	default:
		return binary.BigEndian.Uint32(a.lengthBuf[:4])
	}
}

// parseAVCConfig extracts the SPS and PPS NAL units from a raw avcC record
// and returns them as one start-code-prefixed blob.
func parseAVCConfig(extraData []byte) ([]byte, error) {
	if len(extraData) < 6 || extraData[0] != 1 {
		return nil, fmt.Errorf("malformed AVC configuration record")
	}

	var out []byte
	pos := 5
	spsCount := int(extraData[pos] & 0x1F)
	pos++

	appendSets := func(count int) error {
		for i := 0; i < count; i++ {
			if pos+2 > len(extraData) {
				return fmt.Errorf("truncated AVC parameter set length")
			}
			length := int(binary.BigEndian.Uint16(extraData[pos:]))
			pos += 2
			if pos+length > len(extraData) {
				return fmt.Errorf("truncated AVC parameter set")
			}
			out = append(out, startCode...)
			out = append(out, extraData[pos:pos+length]...)
			pos += length
		}
		return nil
	}

	if err := appendSets(spsCount); err != nil {
		return nil, err
	}
	if pos >= len(extraData) {
		return nil, fmt.Errorf("missing PPS count")
	}
	ppsCount := int(extraData[pos])
	pos++
	if err := appendSets(ppsCount); err != nil {
		return nil, err
	}
	return out, nil
}
