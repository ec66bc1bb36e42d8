// Package mock provides a test double for the vad.Classifier interface.
//
// Classifier returns a scripted verdict and records every frame it saw:
//
//	c := &mock.Classifier{Result: vad.Verdict{Speech: true, RMS: 0.3}}
//	v := c.Classify(frame)
package mock

import (
	"sync"

	"github.com/MrWong99/avabridge/pkg/provider/vad"
)

var _ vad.Classifier = (*Classifier)(nil)

// Classifier is a mock implementation of vad.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Result is returned by Classify when Func is nil.
	Result vad.Verdict

	// Func, if set, computes the verdict for each frame.
	Func func(frame []byte) vad.Verdict

	// Frames records every frame passed to Classify, in order.
	Frames [][]byte
}

// Classify records frame and returns the scripted verdict.
func (c *Classifier) Classify(frame []byte) vad.Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.Frames = append(c.Frames, cp)
	if c.Func != nil {
		return c.Func(frame)
	}
	return c.Result
}

// CallCount returns how many frames were classified. Thread-safe.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Frames)
}
