package media

// G.711 A-law companding per ITU-T G.711.
// Encode extracts the sign, clamps to ±32635, locates the segment from the
// highest set bit, keeps a 4-bit mantissa and XORs the result with 0x55.
// Decode reverses the transform. Full lookup tables cover both directions so
// the per-sample cost on the media path is a single index.

const alawClip = 32635

var alawSegment = [128]uint8{
	1, 1, 2, 2, 3, 3, 3, 3,
	4, 4, 4, 4, 4, 4, 4, 4,
	5, 5, 5, 5, 5, 5, 5, 5,
	5, 5, 5, 5, 5, 5, 5, 5,
	6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
}

var (
	alawEncodeTable [65536]uint8
	alawDecodeTable [256]int16
)

func init() {
	for i := 0; i < len(alawEncodeTable); i++ {
		alawEncodeTable[i] = encodeAlawSample(int16(uint16(i)))
	}
	for i := 0; i < len(alawDecodeTable); i++ {
		alawDecodeTable[i] = decodeAlawSample(uint8(i))
	}
}

func encodeAlawSample(sample int16) uint8 {
	sign := ((^sample) >> 8) & 0x80
	// Complement rather than negate: stays in range for -32768 and keeps
	// negative cell boundaries in the lower segment.
	if sign != 0x80 {
		sample = ^sample
	}
	if sample > alawClip {
		sample = alawClip
	}
	var compressed int16
	if sample >= 256 {
		exponent := int16(alawSegment[(sample>>8)&0x7F])
		mantissa := (sample >> uint(exponent+3)) & 0x0F
		compressed = (exponent << 4) | mantissa
	} else {
		compressed = sample >> 4
	}
	return uint8(compressed ^ (sign ^ 0x55))
}

func decodeAlawSample(a uint8) int16 {
	input := int32(a ^ 0x55)
	mantissa := (input & 0x0F) << 4
	segment := (input & 0x70) >> 4
	value := mantissa + 8
	if segment >= 1 {
		value += 0x100
	}
	if segment > 1 {
		value <<= uint(segment - 1)
	}
	if input&0x80 == 0 {
		value = -value
	}
	return int16(value)
}

// EncodeAlawSample encodes one 16-bit linear PCM sample to A-law.
func EncodeAlawSample(sample int16) uint8 {
	return alawEncodeTable[uint16(sample)]
}

// DecodeAlawSample decodes one A-law byte to a 16-bit linear PCM sample.
func DecodeAlawSample(a uint8) int16 {
	return alawDecodeTable[a]
}

// EncodeAlaw encodes little-endian 16-bit PCM to A-law.
// A trailing odd byte is ignored.
func EncodeAlaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		out[i/2] = alawEncodeTable[uint16(sample)]
	}
	return out
}

// DecodeAlaw decodes A-law to little-endian 16-bit PCM.
func DecodeAlaw(alaw []byte) []byte {
	out := make([]byte, len(alaw)*2)
	for i, a := range alaw {
		sample := alawDecodeTable[a]
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}
