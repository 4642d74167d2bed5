package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryPolicy governs connection attempts and whole-sequence initialization
// retries. A single value is shared by every component of a process.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         time.Duration

	// Per-attempt dial timeout: min(DialTimeout + attempt*DialTimeoutStep, DialTimeoutCap).
	DialTimeout     time.Duration
	DialTimeoutStep time.Duration
	DialTimeoutCap  time.Duration
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialBackoff:  time.Second,
		MaxBackoff:      30 * time.Second,
		Multiplier:      2,
		Jitter:          time.Second,
		DialTimeout:     10 * time.Second,
		DialTimeoutStep: 5 * time.Second,
		DialTimeoutCap:  30 * time.Second,
	}
}

// Validate reports the first invalid field.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.InitialBackoff < 0:
		return errors.New("retry initial backoff must not be negative")
	case p.MaxBackoff < p.InitialBackoff:
		return fmt.Errorf("retry max backoff %s is below initial backoff %s", p.MaxBackoff, p.InitialBackoff)
	case p.Multiplier < 1:
		return fmt.Errorf("retry multiplier must be at least 1, got %g", p.Multiplier)
	case p.Jitter < 0:
		return errors.New("retry jitter must not be negative")
	case p.DialTimeout <= 0:
		return errors.New("dial timeout must be positive")
	case p.DialTimeoutStep < 0:
		return errors.New("dial timeout step must not be negative")
	case p.DialTimeoutCap < p.DialTimeout:
		return fmt.Errorf("dial timeout cap %s is below dial timeout %s", p.DialTimeoutCap, p.DialTimeout)
	}
	return nil
}

// Backoff returns the delay before the attempt following attempt (0-based):
// min(InitialBackoff*Multiplier^attempt + U(0, Jitter), MaxBackoff).
// rnd must return values in [0, 1].
func (p RetryPolicy) Backoff(attempt int, rnd func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if p.Jitter > 0 && rnd != nil {
		base += rnd() * float64(p.Jitter)
	}
	if base > float64(p.MaxBackoff) || math.IsInf(base, 1) {
		return p.MaxBackoff
	}
	return time.Duration(base)
}

// DialTimeoutFor returns the handshake timeout for attempt (0-based).
func (p RetryPolicy) DialTimeoutFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.DialTimeout + time.Duration(attempt)*p.DialTimeoutStep
	if p.DialTimeoutCap > 0 && d > p.DialTimeoutCap {
		return p.DialTimeoutCap
	}
	return d
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
