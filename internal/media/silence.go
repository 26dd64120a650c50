package media

import (
	"bytes"
	"math"
	"time"
)

const (
	// silenceThreshold is the RMS energy below which a frame counts as silence.
	silenceThreshold = 150.0

	// silenceHangover is how long silence must persist before an accumulated
	// utterance is flushed to the callback.
	silenceHangover = 1000 * time.Millisecond
)

// UtteranceFunc receives one complete utterance as 16-bit little-endian PCM.
type UtteranceFunc func(pcm []byte)

// SilenceDetector segments a decoded PCM stream into utterances.
// Frames with RMS energy at or above the threshold are accumulated; once
// silence has persisted past the hangover window the buffer is flushed as
// one utterance to the callback and cleared. Not safe for concurrent use;
// the receive loop is its only caller.
type SilenceDetector struct {
	threshold float64
	hangover  time.Duration
	callback  UtteranceFunc

	buf       bytes.Buffer
	lastVoice time.Time
}

// NewSilenceDetector creates a detector with the default threshold and hangover.
func NewSilenceDetector(callback UtteranceFunc) *SilenceDetector {
	return &SilenceDetector{
		threshold: silenceThreshold,
		hangover:  silenceHangover,
		callback:  callback,
	}
}

// Feed processes one frame of 16-bit little-endian PCM observed at the given time.
func (d *SilenceDetector) Feed(pcm []byte, now time.Time) {
	if rmsEnergy(pcm) >= d.threshold {
		d.buf.Write(pcm)
		d.lastVoice = now
		return
	}

	if d.buf.Len() > 0 && now.Sub(d.lastVoice) >= d.hangover {
		d.flush()
	}
}

// Flush delivers any buffered audio immediately, regardless of the hangover.
// Called when the media session stops so a trailing utterance is not lost.
func (d *SilenceDetector) Flush() {
	if d.buf.Len() > 0 {
		d.flush()
	}
}

func (d *SilenceDetector) flush() {
	utterance := make([]byte, d.buf.Len())
	copy(utterance, d.buf.Bytes())
	d.buf.Reset()
	if d.callback != nil {
		d.callback(utterance)
	}
}

// rmsEnergy computes the root-mean-square energy of 16-bit little-endian PCM.
func rmsEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}
