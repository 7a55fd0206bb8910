// Package retry classifies transient failures and computes capped
// exponential backoff delays.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// Policy controls how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used for model provider requests.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    4 * time.Second,
	}
}

// Normalize fills zero or negative fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// maxShift keeps base<<shift well inside int64 for any sane base delay.
const maxShift = 30

// Backoff returns the delay before the given attempt (1-based):
// min(base * 2^(attempt-1), limit).
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	d := base << uint(shift)
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

// Retryable is implemented by errors that know whether they are transient.
type Retryable interface {
	Retryable() bool
}

// transientMarkers are lowercase substrings that indicate rate limiting,
// overload or timeouts in provider error text.
var transientMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"overloaded",
	"capacity",
	"timeout",
	"timed out",
	"temporarily unavailable",
}

// ShouldRetry reports whether err is a transient failure worth retrying.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return MessageIsTransient(err.Error())
}

// MessageIsTransient checks free-form error text for rate-limit, overload
// and timeout markers.
func MessageIsTransient(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Do runs fn until it succeeds, classify reports a terminal error, the
// attempts run out, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, classify func(error) bool, fn func(attempt int) error) error {
	p = p.Normalize()
	if classify == nil {
		classify = ShouldRetry
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if attempt == p.MaxAttempts || !classify(err) {
			return err
		}
		if serr := Sleep(ctx, Backoff(attempt, p.BaseDelay, p.MaxDelay)); serr != nil {
			return err
		}
	}
	return err
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
