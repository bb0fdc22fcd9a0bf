package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leadscout/scrapecore/internal/dedup"
	"github.com/leadscout/scrapecore/internal/model"
	"github.com/leadscout/scrapecore/internal/navigation"
	"github.com/leadscout/scrapecore/internal/pagedriver"
	"github.com/leadscout/scrapecore/internal/retryqueue"
)

// fakeScrollDriver serves a fixed number of scroll pages of listings, then
// reports empty results for every scroll after that.
type fakeScrollDriver struct {
	pages     [][]map[string]any
	scrollIdx int
}

func (f *fakeScrollDriver) Open(context.Context) error { return nil }
func (f *fakeScrollDriver) Close() error                { return nil }
func (f *fakeScrollDriver) Navigate(context.Context, string, time.Duration) error { return nil }
func (f *fakeScrollDriver) WaitFor(context.Context, string, time.Duration) error  { return nil }
func (f *fakeScrollDriver) Evaluate(ctx context.Context, expr string) (any, error) {
	if expr == scrollExpr {
		return nil, nil
	}
	if expr == harvestExpr {
		if f.scrollIdx >= len(f.pages) {
			return []any{}, nil
		}
		page := f.pages[f.scrollIdx]
		f.scrollIdx++
		out := make([]any, len(page))
		for i, m := range page {
			out[i] = m
		}
		return out, nil
	}
	return nil, nil
}
func (f *fakeScrollDriver) Type(context.Context, string, string) error { return nil }
func (f *fakeScrollDriver) PressEnter(context.Context) error            { return nil }
func (f *fakeScrollDriver) Text(context.Context) (string, error)        { return "", nil }
func (f *fakeScrollDriver) Screenshot(context.Context) ([]byte, error)  { return nil, nil }

var _ pagedriver.Driver = (*fakeScrollDriver)(nil)

func TestExtractStopsAfterTwoConsecutiveEmptyScrolls(t *testing.T) {
	driver := &fakeScrollDriver{pages: [][]map[string]any{
		{{"name": "Acme Plumbing", "phone": "0821234567"}},
	}}
	nav := navigation.New(nil)
	ex := New(nav, dedup.New(), nil, "sess-1", func(industry, town string) string { return "https://x" })

	var emitted []model.BusinessRecord
	err := ex.Extract(context.Background(), driver, "Cape Town", "Plumbing", func(r model.BusinessRecord) {
		emitted = append(emitted, r)
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted %d records, want 1", len(emitted))
	}
	if emitted[0].Phone != "0821234567" {
		t.Errorf("Phone = %q, want normalised 0821234567", emitted[0].Phone)
	}
}

func TestExtractDeduplicatesAcrossScrolls(t *testing.T) {
	record := map[string]any{"name": "Acme Plumbing", "phone": "+27821234567"}
	driver := &fakeScrollDriver{pages: [][]map[string]any{
		{record},
		{record}, // repeated listing on the next scroll, must not duplicate
	}}
	nav := navigation.New(nil)
	ex := New(nav, dedup.New(), nil, "sess-1", func(industry, town string) string { return "https://x" })

	var emitted []model.BusinessRecord
	err := ex.Extract(context.Background(), driver, "Cape Town", "Plumbing", func(r model.BusinessRecord) {
		emitted = append(emitted, r)
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted %d records, want 1 after dedup", len(emitted))
	}
}

// cumulativeScrollDriver simulates a real infinite-scroll results pane:
// harvestExpr returns every listing currently rendered on each call, not
// just the ones that appeared since the previous scroll, so already-seen
// listings persist in the result indefinitely.
type cumulativeScrollDriver struct {
	snapshots [][]map[string]any
	scrollIdx int
}

func (f *cumulativeScrollDriver) Open(context.Context) error { return nil }
func (f *cumulativeScrollDriver) Close() error                { return nil }
func (f *cumulativeScrollDriver) Navigate(context.Context, string, time.Duration) error {
	return nil
}
func (f *cumulativeScrollDriver) WaitFor(context.Context, string, time.Duration) error { return nil }
func (f *cumulativeScrollDriver) Evaluate(ctx context.Context, expr string) (any, error) {
	if expr == scrollExpr {
		return nil, nil
	}
	if expr == harvestExpr {
		snap := f.snapshots[len(f.snapshots)-1]
		if f.scrollIdx < len(f.snapshots) {
			snap = f.snapshots[f.scrollIdx]
		}
		f.scrollIdx++
		out := make([]any, len(snap))
		for i, m := range snap {
			out[i] = m
		}
		return out, nil
	}
	return nil, nil
}
func (f *cumulativeScrollDriver) Type(context.Context, string, string) error { return nil }
func (f *cumulativeScrollDriver) PressEnter(context.Context) error            { return nil }
func (f *cumulativeScrollDriver) Text(context.Context) (string, error)        { return "", nil }
func (f *cumulativeScrollDriver) Screenshot(context.Context) ([]byte, error)  { return nil, nil }

var _ pagedriver.Driver = (*cumulativeScrollDriver)(nil)

func TestExtractStopsWhenCumulativeHarvestAddsNothingNew(t *testing.T) {
	listingA := map[string]any{"name": "Acme Plumbing", "phone": "0821234567"}
	listingB := map[string]any{"name": "Best Plumbing", "phone": "0827654321"}
	driver := &cumulativeScrollDriver{snapshots: [][]map[string]any{
		{listingA},
		{listingA, listingB},
		{listingA, listingB}, // DOM unchanged: first empty scroll
		{listingA, listingB}, // DOM unchanged again: second consecutive empty scroll, must stop
	}}
	nav := navigation.New(nil)
	ex := New(nav, dedup.New(), nil, "sess-1", func(industry, town string) string { return "https://x" })

	var emitted []model.BusinessRecord
	err := ex.Extract(context.Background(), driver, "Cape Town", "Plumbing", func(r model.BusinessRecord) {
		emitted = append(emitted, r)
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(emitted) != 2 {
		t.Fatalf("emitted %d records, want 2 distinct listings", len(emitted))
	}
	if driver.scrollIdx != 4 {
		t.Fatalf("scrollIdx = %d, want 4 (stop must come from two empty scrolls, not the 200-item hard cap)", driver.scrollIdx)
	}
}

// blockingNavigateDriver never completes navigation on its own, simulating
// an in-flight attempt that only ends when the caller's context is
// cancelled or times out.
type blockingNavigateDriver struct{}

func (d *blockingNavigateDriver) Open(context.Context) error { return nil }
func (d *blockingNavigateDriver) Close() error                { return nil }
func (d *blockingNavigateDriver) Navigate(ctx context.Context, _ string, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}
func (d *blockingNavigateDriver) WaitFor(context.Context, string, time.Duration) error { return nil }
func (d *blockingNavigateDriver) Evaluate(context.Context, string) (any, error)        { return nil, nil }
func (d *blockingNavigateDriver) Type(context.Context, string, string) error           { return nil }
func (d *blockingNavigateDriver) PressEnter(context.Context) error                     { return nil }
func (d *blockingNavigateDriver) Text(context.Context) (string, error)                 { return "", nil }
func (d *blockingNavigateDriver) Screenshot(context.Context) ([]byte, error)           { return nil, nil }

var _ pagedriver.Driver = (*blockingNavigateDriver)(nil)

func TestExtractDiscardsCancelledNavigationWithoutEnqueuingRetry(t *testing.T) {
	retryQ := retryqueue.New(nil, time.Millisecond, 3)
	nav := navigation.New(nil)
	ex := New(nav, dedup.New(), retryQ, "sess-1", func(industry, town string) string { return "https://x" })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ex.Extract(ctx, &blockingNavigateDriver{}, "Cape Town", "Plumbing", func(model.BusinessRecord) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Extract error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrRetryQueued) {
		t.Fatalf("Extract error wraps ErrRetryQueued for a cancelled navigation; a cooperative cancellation must discard the attempt, not retry-queue it")
	}
	if got := retryQ.Len("sess-1"); got != 0 {
		t.Fatalf("retry queue has %d items, want 0 for a cancelled navigation", got)
	}
}

func TestExtractSkipsRecordsWithoutAName(t *testing.T) {
	driver := &fakeScrollDriver{pages: [][]map[string]any{
		{{"name": "", "phone": "0821234567"}},
	}}
	nav := navigation.New(nil)
	ex := New(nav, dedup.New(), nil, "sess-1", func(industry, town string) string { return "https://x" })

	var emitted []model.BusinessRecord
	err := ex.Extract(context.Background(), driver, "Cape Town", "Plumbing", func(r model.BusinessRecord) {
		emitted = append(emitted, r)
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(emitted) != 0 {
		t.Errorf("emitted %d records, want 0 for nameless listing", len(emitted))
	}
}
