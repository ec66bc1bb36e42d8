package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

// summaryBackends is a group shaped like the summarizer's failover chain.
func summaryBackends(cfg FallbackConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("openai", "openai", cfg)
	fg.AddFallback("anthropic", "anthropic")
	fg.AddFallback("ollama", "ollama")
	return fg
}

func TestExecuteWithResult_Order(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failing   []string
		want      string
		wantTried []string
		wantErr   bool
	}{
		{name: "primary answers", want: "openai", wantTried: []string{"openai"}},
		{name: "first fallback", failing: []string{"openai"}, want: "anthropic", wantTried: []string{"openai", "anthropic"}},
		{name: "last fallback", failing: []string{"openai", "anthropic"}, want: "ollama", wantTried: []string{"openai", "anthropic", "ollama"}},
		{name: "all down", failing: []string{"openai", "anthropic", "ollama"}, wantTried: []string{"openai", "anthropic", "ollama"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := summaryBackends(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})

			var tried []string
			got, err := ExecuteWithResult(fg, func(name string) (string, error) {
				tried = append(tried, name)
				if slices.Contains(tt.failing, name) {
					return "", errTest
				}
				return name, nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Errorf("err = %v; want ErrAllFailed wrapping the backend error", err)
				}
			} else if err != nil || got != tt.want {
				t.Errorf("got %q, %v; want %q", got, err, tt.want)
			}
			if !slices.Equal(tried, tt.wantTried) {
				t.Errorf("tried %v; want %v", tried, tt.wantTried)
			}
		})
	}
}

func TestExecute_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := summaryBackends(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}})

	for range 2 {
		_ = fg.Execute(func(name string) error {
			if name == "openai" {
				return errTest
			}
			return nil
		})
	}
	if st := fg.Breaker("openai").State(); st != StateOpen {
		t.Fatalf("openai breaker = %v; want open", st)
	}

	var tried []string
	if err := fg.Execute(func(name string) error {
		tried = append(tried, name)
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(tried, []string{"anthropic"}) {
		t.Errorf("tried %v; want the open openai breaker skipped", tried)
	}
}

func TestExecuteWithResult_EmptyErrorWhenEveryBreakerOpen(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("openai", "openai", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}})
	_ = fg.Execute(func(string) error { return errTest })

	_, err := ExecuteWithResult(fg, func(string) (int, error) { return 1, nil })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v; want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
}

func TestExecuteWithResult_StopsOnContextError(t *testing.T) {
	fg := NewFallbackGroup("http", "http", FallbackConfig{})
	fg.AddFallback("postgres", "postgres")

	var tried []string
	_, err := ExecuteWithResult(fg, func(v string) (int, error) {
		tried = append(tried, v)
		return 0, fmt.Errorf("load: %w", context.DeadlineExceeded)
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping DeadlineExceeded", err)
	}
	if len(tried) != 1 || tried[0] != "http" {
		t.Errorf("tried = %v, want only http", tried)
	}
}

func TestExecuteWithResult_WrapsLastError(t *testing.T) {
	fg := NewFallbackGroup(1, "one", FallbackConfig{})
	fg.AddFallback("two", 2)
	errTwo := errors.New("two failed")

	_, err := ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 1 {
			return 0, errTest
		}
		return 0, errTwo
	})
	if !errors.Is(err, errTwo) {
		t.Errorf("err = %v, want it to wrap the last error", err)
	}
}

func TestFallbackGroup_NamesAndBreaker(t *testing.T) {
	fg := NewFallbackGroup("a", "http", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 7}})
	fg.AddFallback("postgres", "b")

	names := fg.Names()
	if len(names) != 2 || names[0] != "http" || names[1] != "postgres" {
		t.Fatalf("Names() = %v", names)
	}
	cb := fg.Breaker("postgres")
	if cb == nil {
		t.Fatal("Breaker(postgres) = nil")
	}
	if cb.Name() != "postgres" || cb.cfg.MaxFailures != 7 {
		t.Errorf("breaker name=%q max=%d", cb.Name(), cb.cfg.MaxFailures)
	}
	if fg.Breaker("missing") != nil {
		t.Error("Breaker(missing) should be nil")
	}
}
