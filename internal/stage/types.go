// Package stage provides the adapter boundary between the job pipeline
// and the remote AI capabilities it drives.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avabot/avatard/internal/artifact"
)

// Stage names, in pipeline order.
const (
	Recognition = "recognition"
	Generation  = "generation"
	Synthesis   = "synthesis"
	Animation   = "animation"
	LipSync     = "lipsync"
)

// Payload carries the accumulated pipeline state between stages. Each
// stage reads what it needs from the payload and returns an enriched
// copy; the original inputs are never mutated.
type Payload struct {
	SessionID      string           `json:"session_id,omitempty"`
	Language       string           `json:"language,omitempty"`
	SourceAudio    artifact.Locator `json:"source_audio,omitempty"`
	SourceImage    artifact.Locator `json:"source_image,omitempty"`
	ReferenceVoice artifact.Locator `json:"reference_voice,omitempty"`
	Transcript     string           `json:"transcript,omitempty"`
	Reply          string           `json:"reply,omitempty"`
	ReplyAudio     artifact.Locator `json:"reply_audio,omitempty"`
	Video          artifact.Locator `json:"video,omitempty"`
}

// Output is the result of one stage invocation.
type Output struct {
	Payload Payload          // enriched pipeline state for the next stage
	Result  artifact.Locator // the stage's primary artifact
	Meta    map[string]string
}

// Adapter wraps one remote capability. The pipeline treats every
// adapter uniformly regardless of what sits behind it.
type Adapter interface {
	// Name returns the stage identifier (e.g. "recognition").
	Name() string

	// Invoke runs the capability against the payload. Failures are
	// reported as *Error; the context carries the stage deadline.
	Invoke(ctx context.Context, in Payload) (Output, error)
}

// Error reports a failed stage invocation.
type Error struct {
	Stage   string
	Reason  string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("stage %s: timeout: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err as a stage Error, mapping context deadline expiry to a
// timeout failure.
func Fail(stage string, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{
		Stage:   stage,
		Reason:  err.Error(),
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// IsTimeout reports whether err is a stage timeout.
func IsTimeout(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Timeout
}

// withTimeout enforces a per-invocation deadline.
type withTimeout struct {
	Adapter
	d time.Duration
}

// WithTimeout wraps a so every Invoke carries an explicit deadline.
func WithTimeout(a Adapter, d time.Duration) Adapter {
	if d <= 0 {
		return a
	}
	return &withTimeout{Adapter: a, d: d}
}

func (w *withTimeout) Invoke(ctx context.Context, in Payload) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, w.d)
	defer cancel()
	out, err := w.Adapter.Invoke(ctx, in)
	if err != nil {
		return Output{}, Fail(w.Name(), err)
	}
	return out, nil
}

// withRetry retries failed invocations with a fixed backoff. The
// pipeline default is zero retries; a single failure is terminal.
type withRetry struct {
	Adapter
	retries int
	backoff time.Duration
}

// WithRetry wraps a with up to retries re-attempts after a failure.
func WithRetry(a Adapter, retries int, backoff time.Duration) Adapter {
	if retries <= 0 {
		return a
	}
	return &withRetry{Adapter: a, retries: retries, backoff: backoff}
}

func (w *withRetry) Invoke(ctx context.Context, in Payload) (Output, error) {
	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Output{}, Fail(w.Name(), ctx.Err())
			case <-time.After(w.backoff):
			}
		}
		out, err := w.Adapter.Invoke(ctx, in)
		if err == nil {
			return out, nil
		}
		lastErr = err
		// A cancelled parent context is not worth retrying against.
		if errors.Is(err, context.Canceled) {
			break
		}
	}
	return Output{}, Fail(w.Name(), lastErr)
}
