// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides retry logic with exponential backoff for the
// mailbox connection and the Lightning backends.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// Default retry configuration constants
const (
	// DefaultMaxAttempts is the default maximum number of attempts.
	DefaultMaxAttempts = 10

	// DefaultBaseDelay is the default base delay between retries.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 5 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2

	// DefaultContendedMin and DefaultContendedMax bound the randomized wait
	// used when the remote resource is held by someone else.
	DefaultContendedMin = 10 * time.Second
	DefaultContendedMax = 20 * time.Second
)

// Class is the retry classification of an error.
type Class int

const (
	// Permanent errors are returned to the caller immediately.
	Permanent Class = iota

	// Transient errors are retried after the backoff delay.
	Transient

	// Contended errors are retried after a long randomized delay so that
	// competing clients do not retry in lock step.
	Contended
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy configures Do.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       float64
	ContendedMin time.Duration
	ContendedMax time.Duration
}

// DefaultPolicy returns the policy used for mailbox connection attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		Jitter:       DefaultJitter,
		ContendedMin: DefaultContendedMin,
		ContendedMax: DefaultContendedMax,
	}
}

// Backoff returns the wait before the attempt following a failure of the
// given class.
func (p Policy) Backoff(attempt int, class Class) time.Duration {
	if class == Contended && p.ContendedMax > p.ContendedMin {
		r := rand.NewMath()
		return p.ContendedMin + time.Duration(r.Int63n(int64(p.ContendedMax-p.ContendedMin)))
	}
	if class == Contended {
		return p.ContendedMin
	}
	return Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt)
}

// Do calls fn until it succeeds, classify reports a Permanent error, the
// attempts run out or ctx is done. fn receives the zero based attempt.
func Do(ctx context.Context, p Policy, classify func(error) Class, fn func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		class := classify(err)
		if class == Permanent {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(p.Backoff(attempt, class)):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, err)
}

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))

	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// IsTransientError returns true if the error is likely transient and worth
// retrying. This includes network timeouts, connection refused, connection
// reset, etc.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"broken pipe",
		"bad handshake",
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
