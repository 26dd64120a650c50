package media

import (
	"crypto/rand"
	"encoding/binary"
)

// GenerateSSRC generates a random 32-bit SSRC directly.
// Per RFC 3550, the SSRC should be chosen randomly to minimize
// collisions in multi-party sessions.
func GenerateSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the system is in serious trouble;
		// a fixed fallback keeps media flowing regardless
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

// GenerateSequenceStart generates a random starting sequence number
// per RFC 3550.
func GenerateSequenceStart() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// GenerateTimestampStart generates a random starting timestamp per RFC 3550.
func GenerateTimestampStart() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
