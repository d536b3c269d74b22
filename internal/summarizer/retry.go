package summarizer

import (
	"context"
	"math"
	"net/http"
	"time"
)

// ErrorKind names why a single LLM call failed.
type ErrorKind string

// Failure kinds recorded per attempt.
const (
	KindAuth      ErrorKind = "auth"
	KindTimeout   ErrorKind = "timeout"
	KindTransport ErrorKind = "transport"
	KindStatus    ErrorKind = "status"
	KindDecode    ErrorKind = "decode"
	KindEmpty     ErrorKind = "empty"
)

// Attempt records the outcome of one failed call.
type Attempt struct {
	Number   int
	Kind     ErrorKind
	Terminal bool
	Err      error
}

// callResult is what a single call observed before classification.
type callResult struct {
	text string
	// status is the HTTP status when a response arrived, zero otherwise.
	status int
	err    error
	// timedOut is set when the attempt's own deadline expired.
	timedOut bool
}

type step int

const (
	stepSuccess step = iota
	stepRetry
	stepTerminal
)

// classify maps one call result onto the next state of the retry loop.
func classify(res callResult) (step, ErrorKind) {
	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return stepTerminal, KindAuth
	case res.timedOut:
		return stepRetry, KindTimeout
	case res.err != nil && res.status == 0:
		return stepRetry, KindTransport
	case res.status != 0 && (res.status < 200 || res.status > 299):
		return stepRetry, KindStatus
	case res.err != nil:
		return stepRetry, KindDecode
	case res.text == "":
		return stepRetry, KindEmpty
	default:
		return stepSuccess, ""
	}
}

// RetryPolicy holds the backoff schedule.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the wait after failed attempt n (0-based): BaseDelay * 2^n
// capped at MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 0 || p.BaseDelay <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(n))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
