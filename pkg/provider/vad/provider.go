// Package vad defines the Classifier interface for local voice activity
// detection on telephony audio.
//
// A classifier turns one frame of provider-native audio into a speech or
// silence verdict. It is stateless: the same frame always yields the same
// verdict, and a frame that cannot be decoded is reported as silence rather
// than as an error. The call bridge only uses the verdict as a fallback; the
// realtime endpoint's own detector stays authoritative.
//
// Implementations must be safe for concurrent use.
package vad

// DefaultThreshold is the normalised RMS level above which a frame counts as
// speech. Quiet line noise on a PSTN leg sits well below it.
const DefaultThreshold = 0.02

// Verdict is the classification of a single audio frame.
type Verdict struct {
	// Speech reports whether the frame's energy exceeded the threshold.
	Speech bool

	// RMS is the frame's root-mean-square level normalised to [0.0, 1.0].
	// Zero for empty or undecodable frames.
	RMS float64
}

// Classifier classifies audio frames as speech or silence.
type Classifier interface {
	// Classify inspects one encoded frame. It must not block and never fails.
	Classify(frame []byte) Verdict
}

// Config holds the tuning parameters of a classifier.
type Config struct {
	// Threshold is the normalised RMS level above which a frame is speech.
	// Range: (0.0, 1.0). Zero selects [DefaultThreshold].
	Threshold float64
}
