package vad

import (
	"encoding/binary"
	"math"

	"github.com/zaf/g711"
)

var _ Classifier = (*Energy)(nil)

// Energy is an RMS energy detector for 8 kHz G.711 mu-law frames, the
// encoding Twilio media streams carry.
type Energy struct {
	threshold float64
}

// NewEnergy returns an Energy classifier. Out-of-range thresholds fall back to
// [DefaultThreshold].
func NewEnergy(cfg Config) *Energy {
	th := cfg.Threshold
	if th <= 0 || th >= 1 {
		th = DefaultThreshold
	}
	return &Energy{threshold: th}
}

// Threshold returns the effective speech threshold.
func (e *Energy) Threshold() float64 { return e.threshold }

// Classify decodes frame from mu-law and compares its RMS to the threshold.
func (e *Energy) Classify(frame []byte) Verdict {
	rms := MulawRMS(frame)
	return Verdict{Speech: rms > e.threshold, RMS: rms}
}

// MulawRMS decodes a mu-law frame to 16-bit linear PCM and returns its RMS
// normalised to [0.0, 1.0].
func MulawRMS(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	return PCM16RMS(g711.DecodeUlaw(frame))
}

// PCM16RMS returns the normalised RMS of little-endian 16-bit PCM. A trailing
// odd byte is ignored.
func PCM16RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
