package media

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestWAV writes a minimal PCM WAV file and returns its path.
func writeTestWAV(t *testing.T, sampleRate uint32, channels uint16, pcm []byte) string {
	t.Helper()

	var buf []byte
	appendU32 := func(v uint32) {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		buf = append(buf, b...)
	}
	appendU16 := func(v uint16) {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		buf = append(buf, b...)
	}

	buf = append(buf, "RIFF"...)
	appendU32(uint32(36 + len(pcm)))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	appendU32(16)
	appendU16(1) // PCM
	appendU16(channels)
	appendU32(sampleRate)
	appendU32(sampleRate * uint32(channels) * 2)
	appendU16(channels * 2)
	appendU16(16)

	buf = append(buf, "data"...)
	appendU32(uint32(len(pcm)))
	buf = append(buf, pcm...)

	path := filepath.Join(t.TempDir(), "test.wav")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestReadWAVFile(t *testing.T) {
	pcm := make([]byte, 640)
	path := writeTestWAV(t, 8000, 1, pcm)

	af, err := ReadWAVFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), af.AudioFormat)
	assert.Equal(t, uint32(8000), af.SampleRate)
	assert.Equal(t, uint16(1), af.NumChannels)
	assert.Equal(t, uint16(16), af.BitsPerSample)
	assert.Equal(t, pcm, af.PCMData)
}

func TestReadWAVFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file at all"), 0o644))

	_, err := ReadWAVFile(path)
	assert.Error(t, err)
}

func TestResampleAudioPassthrough(t *testing.T) {
	pcm := make([]byte, 320)
	out, err := ResampleAudio(&AudioFile{
		AudioFormat:   1,
		SampleRate:    8000,
		NumChannels:   1,
		BitsPerSample: 16,
		PCMData:       pcm,
	})
	require.NoError(t, err)
	assert.Equal(t, pcm, out)
}

func TestResampleAudioStereoDownmix(t *testing.T) {
	// Left 1000, right 3000 averages to 2000
	frame := make([]byte, 8)
	binary.LittleEndian.PutUint16(frame[0:], 1000)
	binary.LittleEndian.PutUint16(frame[2:], 3000)
	binary.LittleEndian.PutUint16(frame[4:], 1000)
	binary.LittleEndian.PutUint16(frame[6:], 3000)

	out, err := ResampleAudio(&AudioFile{
		AudioFormat:   1,
		SampleRate:    8000,
		NumChannels:   2,
		BitsPerSample: 16,
		PCMData:       frame,
	})
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, uint16(2000), binary.LittleEndian.Uint16(out[0:]))
	assert.Equal(t, uint16(2000), binary.LittleEndian.Uint16(out[2:]))
}

func TestResampleAudioDownsamples(t *testing.T) {
	pcm := make([]byte, 3200) // 100ms at 16kHz
	out, err := ResampleAudio(&AudioFile{
		AudioFormat:   1,
		SampleRate:    16000,
		NumChannels:   1,
		BitsPerSample: 16,
		PCMData:       pcm,
	})
	require.NoError(t, err)
	// Roughly half the samples, allowing for edge truncation
	assert.InDelta(t, 1600, len(out), 8)
}
