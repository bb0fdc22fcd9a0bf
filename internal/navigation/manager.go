// Package navigation wraps Page Driver navigation calls with exponential
// backoff, fallback wait strategies, and an adaptively computed timeout.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leadscout/scrapecore/internal/pagedriver"
)

// FailureClass distinguishes retryable navigation failures from terminal
// ones (captcha, explicit block) the way a tagged result would.
type FailureClass int

const (
	Transient FailureClass = iota
	Terminal
)

func (c FailureClass) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "transient"
}

// Error wraps a navigation failure with its classification.
type Error struct {
	Class   FailureClass
	Attempt int
	Cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("navigation failed (%s, attempt %d): %v", e.Class, e.Attempt, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrCaptchaDetected marks a navigation as terminally blocked by a captcha
// challenge; callers should not retry via the Navigation Manager.
var ErrCaptchaDetected = errors.New("captcha detected")

// WaitStrategy is one way of confirming a page finished loading; the first
// strategy that succeeds within the deadline wins.
type WaitStrategy func(ctx context.Context, driver pagedriver.Driver, timeout time.Duration) error

const (
	defaultMaxRetries    = 3
	defaultBaseDelay     = 2 * time.Second
	initialTimeout       = 60 * time.Second
	minTimeout           = 15 * time.Second
	maxTimeout           = 120 * time.Second
	rollingWindowSize    = 10
	growThresholdRatio   = 0.8
	shrinkThresholdRatio = 0.5
	growStep             = 15 * time.Second
	shrinkStep           = 10 * time.Second
)

// Manager wraps navigation attempts for a single Page Driver lineage with
// retry/backoff and an adaptive timeout derived from recent durations.
type Manager struct {
	MaxRetries int
	BaseDelay  time.Duration

	timeout  time.Duration
	history  []time.Duration
	detector CaptchaDetector
}

// CaptchaDetector is the narrow capability the Navigation Manager needs from
// the Captcha Detector to classify a failed navigation as terminal.
type CaptchaDetector interface {
	Detect(ctx context.Context, driver pagedriver.Driver) (bool, error)
}

// New creates a Manager with spec defaults; zero MaxRetries/BaseDelay are
// replaced with the defaults (3 retries, 2s base delay).
func New(detector CaptchaDetector) *Manager {
	return &Manager{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		timeout:    initialTimeout,
		detector:   detector,
	}
}

// CurrentTimeout returns the adaptive timeout that will be used for the next
// navigation attempt.
func (m *Manager) CurrentTimeout() time.Duration {
	if m.timeout == 0 {
		return initialTimeout
	}
	return m.timeout
}

// Navigate attempts to load url via driver, applying wait strategies in
// order and retrying transient failures with exponential backoff.
func (m *Manager) Navigate(ctx context.Context, driver pagedriver.Driver, url string, strategies []WaitStrategy) error {
	maxRetries := m.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := m.BaseDelay
	if baseDelay == 0 {
		baseDelay = defaultBaseDelay
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			delay := baseDelay * time.Duration(1<<uint(attempt-2))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		timeout := m.CurrentTimeout()
		start := time.Now()
		err := m.attempt(ctx, driver, url, strategies, timeout)
		duration := time.Since(start)

		if err == nil {
			m.recordSuccess(duration, timeout)
			return nil
		}

		if m.isTerminal(ctx, driver, err) {
			return &Error{Class: Terminal, Attempt: attempt, Cause: err}
		}

		lastErr = &Error{Class: Transient, Attempt: attempt, Cause: err}
	}
	return lastErr
}

func (m *Manager) attempt(ctx context.Context, driver pagedriver.Driver, url string, strategies []WaitStrategy, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := driver.Navigate(attemptCtx, url, timeout); err != nil {
		return err
	}

	if len(strategies) == 0 {
		return nil
	}

	var lastErr error
	for _, strategy := range strategies {
		if err := strategy(attemptCtx, driver, timeout); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) isTerminal(ctx context.Context, driver pagedriver.Driver, cause error) bool {
	if errors.Is(cause, ErrCaptchaDetected) {
		return true
	}
	if m.detector == nil {
		return false
	}
	detected, err := m.detector.Detect(ctx, driver)
	return err == nil && detected
}

// recordSuccess folds a successful navigation's duration into the rolling
// window and adjusts the adaptive timeout per the spec's clamped formula.
func (m *Manager) recordSuccess(duration, usedTimeout time.Duration) {
	m.history = append(m.history, duration)
	if len(m.history) > rollingWindowSize {
		m.history = m.history[len(m.history)-rollingWindowSize:]
	}

	timeout := usedTimeout
	switch {
	case float64(duration) > growThresholdRatio*float64(timeout):
		timeout += growStep
	case float64(duration) < shrinkThresholdRatio*float64(timeout):
		timeout -= shrinkStep
	}

	if timeout < minTimeout {
		timeout = minTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	m.timeout = timeout
}
