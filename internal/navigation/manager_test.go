package navigation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leadscout/scrapecore/internal/pagedriver"
)

// fakeDriver is a hand-rolled Driver double; production code never depends
// on a mocking framework for this interface.
type fakeDriver struct {
	navigateErrs []error
	navigateCall int
}

func (f *fakeDriver) Open(context.Context) error  { return nil }
func (f *fakeDriver) Close() error                { return nil }
func (f *fakeDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if f.navigateCall < len(f.navigateErrs) {
		err := f.navigateErrs[f.navigateCall]
		f.navigateCall++
		return err
	}
	f.navigateCall++
	return nil
}
func (f *fakeDriver) WaitFor(context.Context, string, time.Duration) error   { return nil }
func (f *fakeDriver) Evaluate(context.Context, string) (any, error)          { return nil, nil }
func (f *fakeDriver) Type(context.Context, string, string) error            { return nil }
func (f *fakeDriver) PressEnter(context.Context) error                      { return nil }
func (f *fakeDriver) Text(context.Context) (string, error)                  { return "", nil }
func (f *fakeDriver) Screenshot(context.Context) ([]byte, error)            { return nil, nil }

var _ pagedriver.Driver = (*fakeDriver)(nil)

// Property 1.1: delay before the k-th retry equals baseDelay*2^(k-2), 0 for k=1.
func TestNavigateBackoffDelaySequence(t *testing.T) {
	m := New(nil)
	m.BaseDelay = 10 * time.Millisecond
	m.MaxRetries = 4

	driver := &fakeDriver{navigateErrs: []error{
		errors.New("transient 1"),
		errors.New("transient 2"),
		errors.New("transient 3"),
		nil,
	}}

	// Wrap driver to record wall-clock deltas between attempts.
	var attemptTimes []time.Time
	wrapped := &timingDriver{fakeDriver: driver, times: &attemptTimes}

	err := m.Navigate(context.Background(), wrapped, "http://x", nil)
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if len(attemptTimes) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(attemptTimes))
	}

	gaps := make([]time.Duration, 3)
	for i := 1; i < len(attemptTimes); i++ {
		gaps[i-1] = attemptTimes[i].Sub(attemptTimes[i-1])
	}

	expected := []time.Duration{
		m.BaseDelay * 1, // k=2: base*2^0
		m.BaseDelay * 2, // k=3: base*2^1
		m.BaseDelay * 4, // k=4: base*2^2
	}
	for i, got := range gaps {
		if got < expected[i] {
			t.Errorf("delay before attempt %d = %v, want >= %v", i+2, got, expected[i])
		}
	}
}

type timingDriver struct {
	*fakeDriver
	times *[]time.Time
}

func (t *timingDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	*t.times = append(*t.times, time.Now())
	return t.fakeDriver.Navigate(ctx, url, timeout)
}

// Property 1.2: the effective timeout always stays within [minTimeout, maxTimeout].
func TestAdaptiveTimeoutStaysWithinBounds(t *testing.T) {
	m := New(nil)

	durations := []time.Duration{
		55 * time.Second, // > 80% of 60s -> grow
		55 * time.Second,
		55 * time.Second,
		55 * time.Second,
		55 * time.Second, // repeated growth, should clamp at maxTimeout
		1 * time.Second,  // < 50% -> shrink repeatedly
		1 * time.Second,
		1 * time.Second,
		1 * time.Second,
		1 * time.Second,
		1 * time.Second,
		1 * time.Second,
		1 * time.Second,
		1 * time.Second,
		1 * time.Second, // shrink past minTimeout, should clamp
	}

	for _, d := range durations {
		m.recordSuccess(d, m.CurrentTimeout())
		if m.CurrentTimeout() < minTimeout || m.CurrentTimeout() > maxTimeout {
			t.Fatalf("timeout %v out of bounds [%v, %v]", m.CurrentTimeout(), minTimeout, maxTimeout)
		}
	}
	if m.CurrentTimeout() != maxTimeout && m.CurrentTimeout() != minTimeout {
		// Not a strict requirement, but sanity-check we actually moved off the
		// initial timeout given the extreme durations above.
		if m.CurrentTimeout() == initialTimeout {
			t.Errorf("expected timeout to adapt away from initial %v, got %v", initialTimeout, m.CurrentTimeout())
		}
	}
}

func TestNavigateTerminalOnCaptcha(t *testing.T) {
	m := New(nil)
	driver := &fakeDriver{navigateErrs: []error{ErrCaptchaDetected}}

	err := m.Navigate(context.Background(), driver, "http://x", nil)
	var navErr *Error
	if !errors.As(err, &navErr) {
		t.Fatalf("expected *Error, got %v (%T)", err, err)
	}
	if navErr.Class != Terminal {
		t.Errorf("expected Terminal classification, got %v", navErr.Class)
	}
	if driver.navigateCall != 1 {
		t.Errorf("expected no retry after terminal failure, got %d attempts", driver.navigateCall)
	}
}

func TestNavigateExhaustsRetriesOnPersistentTransientFailure(t *testing.T) {
	m := New(nil)
	m.MaxRetries = 3
	m.BaseDelay = time.Millisecond

	driver := &fakeDriver{navigateErrs: []error{
		errors.New("e1"), errors.New("e2"), errors.New("e3"),
	}}
	err := m.Navigate(context.Background(), driver, "http://x", nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if driver.navigateCall != 3 {
		t.Errorf("expected exactly MaxRetries=3 attempts, got %d", driver.navigateCall)
	}
}
