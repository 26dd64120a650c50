package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loudFrame returns a 20ms PCM frame well above the silence threshold.
func loudFrame() []byte {
	frame := make([]byte, CodecPCMA.PCMBytesPerFrame())
	for i := 0; i+1 < len(frame); i += 2 {
		// Alternating ±4000 square wave
		sample := int16(4000)
		if (i/2)%2 == 1 {
			sample = -4000
		}
		frame[i] = byte(sample)
		frame[i+1] = byte(sample >> 8)
	}
	return frame
}

func silentFrame() []byte {
	return make([]byte, CodecPCMA.PCMBytesPerFrame())
}

func TestSilenceSegmentation(t *testing.T) {
	var utterances [][]byte
	d := NewSilenceDetector(func(pcm []byte) {
		utterances = append(utterances, pcm)
	})

	base := time.Now()
	step := 20 * time.Millisecond

	var want []byte
	now := base
	for i := 0; i < 10; i++ {
		frame := loudFrame()
		want = append(want, frame...)
		d.Feed(frame, now)
		now = now.Add(step)
	}

	// Silence below the hangover: nothing flushed yet
	for i := 0; i < 40; i++ {
		d.Feed(silentFrame(), now)
		now = now.Add(step)
	}
	require.Len(t, utterances, 0)

	// Crossing the hangover flushes exactly one utterance
	d.Feed(silentFrame(), base.Add(10*step).Add(silenceHangover))
	require.Len(t, utterances, 1)
	assert.Equal(t, want, utterances[0])

	// Further silence produces no more callbacks
	d.Feed(silentFrame(), base.Add(time.Hour))
	assert.Len(t, utterances, 1)
}

func TestSilenceOnlyNoCallback(t *testing.T) {
	calls := 0
	d := NewSilenceDetector(func([]byte) { calls++ })

	now := time.Now()
	for i := 0; i < 100; i++ {
		d.Feed(silentFrame(), now)
		now = now.Add(20 * time.Millisecond)
	}
	d.Flush()

	assert.Zero(t, calls)
}

func TestFlushDeliversTrailingUtterance(t *testing.T) {
	var got []byte
	d := NewSilenceDetector(func(pcm []byte) { got = pcm })

	frame := loudFrame()
	d.Feed(frame, time.Now())
	require.Nil(t, got)

	d.Flush()
	assert.Equal(t, frame, got)
}

func TestRMSEnergy(t *testing.T) {
	assert.Zero(t, rmsEnergy(nil))
	assert.Zero(t, rmsEnergy(silentFrame()))

	// Constant amplitude 1000 has RMS 1000
	frame := make([]byte, 320)
	for i := 0; i+1 < len(frame); i += 2 {
		frame[i] = byte(1000 & 0xFF)
		frame[i+1] = byte(1000 >> 8)
	}
	assert.InDelta(t, 1000.0, rmsEnergy(frame), 0.001)
}
