package media

import (
	"time"
)

// Codec represents an immutable audio codec description.
// Use the pre-defined codec values (CodecPCMA, CodecPCMU) for RTP streaming.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMA", "PCMU")
	PayloadType uint8         // RTP payload type (8 for PCMA, 0 for PCMU)
	SampleRate  uint32        // Sample rate in Hz
	SampleDur   time.Duration // Duration per sample frame (typically 20ms)
	Channels    int           // Number of channels (1 for mono)
}

// Pre-defined codecs for common VoIP use cases.
var (
	// CodecPCMA is G.711 A-law (Europe, rest of world)
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}

	// CodecPCMU is G.711 µ-law (North America, Japan)
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecTelephoneEvent is RFC 4733 DTMF events
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond, 1}
)

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the encoded payload bytes per frame.
// For G.711 codecs (PCMA/PCMU), 1 byte per sample.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// PCMBytesPerFrame returns the 16-bit linear PCM bytes per frame (320 for G.711).
func (c Codec) PCMBytesPerFrame() int {
	return c.SamplesPerFrame() * 2 * c.Channels
}

// TimestampIncrement returns the RTP timestamp increment per frame.
// This equals SamplesPerFrame for audio codecs.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}
