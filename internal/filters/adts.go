package filters

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// adtsHeaderSize is the fixed ADTS header without CRC.
const adtsHeaderSize = 7

// adtsSampleRates maps the ADTS sampling-frequency index to rates in Hz.
var adtsSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// ADTS prepends a 7-byte ADTS header to every AAC frame. The header template
// is derived once from the stream's AudioSpecificConfig; only the per-frame
// length bits change.
type ADTS struct {
	next   Filter
	header [adtsHeaderSize]byte
}

// NewADTS parses the AudioSpecificConfig carried in the stream's extra data
// and prepares the header template.
func NewADTS(next Filter, extraData []byte) (*ADTS, error) {
	var conf mpeg4audio.AudioSpecificConfig
	if err := conf.Unmarshal(extraData); err != nil {
		return nil, fmt.Errorf("building adts filter: parsing AudioSpecificConfig: %w", err)
	}

	rateIndex := -1
	for i, rate := range adtsSampleRates {
		if rate == conf.SampleRate {
			rateIndex = i
			break
		}
	}
	if rateIndex < 0 {
		return nil, fmt.Errorf("building adts filter: unsupported sample rate %d", conf.SampleRate)
	}
	if conf.ChannelCount < 1 || conf.ChannelCount > 7 {
		return nil, fmt.Errorf("building adts filter: unsupported channel count %d", conf.ChannelCount)
	}

	a := &ADTS{next: next}
	a.header[0] = 0xFF
	a.header[1] = 0xF1 // MPEG-4, layer 0, no CRC
	a.header[2] = byte(conf.Type-1)<<6 | byte(rateIndex)<<2 | byte(conf.ChannelCount>>2)&0x01
	a.header[3] = byte(conf.ChannelCount&0x03) << 6
	a.header[5] = 0x1F // buffer fullness: VBR
	a.header[6] = 0xFC
	return a, nil
}

// StartFrame grows the frame by the header size and emits the header before
// the payload.
func (a *ADTS) StartFrame(f *OutputFrame) error {
	out := *f
	out.Size += adtsHeaderSize

	if err := a.next.StartFrame(&out); err != nil {
		return err
	}

	hdr := a.header
	frameLength := f.Size + adtsHeaderSize
	hdr[3] |= byte(frameLength >> 11 & 0x03)
	hdr[4] = byte(frameLength >> 3)
	hdr[5] |= byte(frameLength&0x07) << 5
	return a.next.Write(hdr[:])
}

func (a *ADTS) Write(p []byte) error {
	return a.next.Write(p)
}

func (a *ADTS) FlushFrame(lastInStream bool) error {
	return a.next.FlushFrame(lastInStream)
}

func (a *ADTS) SimulatedStartFrame(f *OutputFrame) {
	out := *f
	out.Size += adtsHeaderSize
	a.next.SimulatedStartFrame(&out)
}

func (a *ADTS) SimulatedWrite(size uint32) {
	a.next.SimulatedWrite(size + adtsHeaderSize)
}

func (a *ADTS) SimulatedFlushFrame(lastInStream bool) {
	a.next.SimulatedFlushFrame(lastInStream)
}
