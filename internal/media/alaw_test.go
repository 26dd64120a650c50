package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zaf/g711"
)

func TestEncodeAlawMatchesReference(t *testing.T) {
	// Every 16-bit input must match the reference codec bit-for-bit
	for i := 0; i < 65536; i++ {
		sample := int16(uint16(i))
		require.Equal(t, g711.EncodeAlawFrame(sample), EncodeAlawSample(sample),
			"encode mismatch for sample %d", sample)
	}
}

func TestDecodeAlawMatchesReference(t *testing.T) {
	for i := 0; i < 256; i++ {
		a := uint8(i)
		require.Equal(t, g711.DecodeAlawFrame(a), DecodeAlawSample(a),
			"decode mismatch for A-law byte %#02x", a)
	}
}

func TestAlawKnownValues(t *testing.T) {
	assert.Equal(t, uint8(0xD5), EncodeAlawSample(0))
	assert.Equal(t, int16(8), DecodeAlawSample(0xD5))
	assert.Equal(t, int16(-8), DecodeAlawSample(0x55))

	// Positive samples carry the sign bit after XOR
	assert.NotZero(t, EncodeAlawSample(1000)&0x80)
	assert.Zero(t, EncodeAlawSample(-1000)&0x80)
}

func TestEncodeAlawNegativeBoundaries(t *testing.T) {
	// Negative cell boundaries are the samples where complement and
	// negation differ; each must still match the reference.
	for i := -32768; i <= -16; i += 16 {
		sample := int16(i)
		require.Equal(t, g711.EncodeAlawFrame(sample), EncodeAlawSample(sample),
			"encode mismatch for boundary sample %d", sample)
	}

	// Full-scale negative lands in the top segment, not near silence
	assert.Equal(t, uint8(0x2A), EncodeAlawSample(-32768))
	assert.Equal(t, int16(-32256), DecodeAlawSample(EncodeAlawSample(-32768)))
}

func TestAlawRoundTrip(t *testing.T) {
	// Decoded values sit at segment midpoints; the widest segment has
	// 1024-wide steps, so the reconstruction error is bounded by 512.
	const maxErr = 512

	for i := -32768; i <= 32767; i++ {
		sample := int16(i)
		decoded := DecodeAlawSample(EncodeAlawSample(sample))

		diff := int(decoded) - int(sample)
		if diff < 0 {
			diff = -diff
		}
		require.LessOrEqual(t, diff, maxErr, "round-trip error too large for sample %d (got %d)", sample, decoded)
	}
}

func TestEncodeDecodeBuffers(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xE8, 0x03, 0x18, 0xFC} // 0, 1000, -1000
	encoded := EncodeAlaw(pcm)
	require.Len(t, encoded, 3)

	decoded := DecodeAlaw(encoded)
	require.Len(t, decoded, 6)

	assert.Equal(t, EncodeAlawSample(0), encoded[0])
	assert.Equal(t, EncodeAlawSample(1000), encoded[1])
	assert.Equal(t, EncodeAlawSample(-1000), encoded[2])
}

func TestEncodeAlawOddTrailingByte(t *testing.T) {
	encoded := EncodeAlaw([]byte{0x00, 0x00, 0xFF})
	assert.Len(t, encoded, 1)
}
