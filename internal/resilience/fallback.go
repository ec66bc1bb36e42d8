package resilience

import (
	"context"
	"errors"
	"fmt"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result. It wraps the last entry's error.
var ErrAllFailed = errors.New("resilience: all entries failed")

// FallbackConfig is the template for the breaker created per entry. Name is
// overwritten with the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds an ordered list of interchangeable values (profile
// sources, LLM backends) each behind its own [CircuitBreaker].
//
// Register every entry before the first call; after that the group is safe
// for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Breaker returns the breaker guarding the named entry, or nil.
func (fg *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for i := range fg.entries {
		if fg.entries[i].name == name {
			return fg.entries[i].breaker
		}
	}
	return nil
}

// Execute runs fn against each entry in order until one returns nil.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against each entry in order and returns the first
// successful result. Entries with an open breaker are skipped. A context
// cancellation or deadline stops the walk, since later entries would see the
// same context.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		var result R
		err := e.breaker.Execute(func() error {
			var ferr error
			result, ferr = fn(e.value)
			return ferr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		log := e.breaker.cfg.Logger
		switch {
		case errors.Is(err, ErrCircuitOpen):
			log.Debug("skipping entry with open circuit", "entry", e.name)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return zero, fmt.Errorf("%w: %s: %w", ErrAllFailed, e.name, err)
		default:
			log.Warn("entry failed, trying next", "entry", e.name, "err", err)
		}
	}
	if lastErr == nil {
		return zero, ErrAllFailed
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

