// Package extractor implements the Listing Extractor: a per (town,
// industry) scroll-and-harvest loop that yields deduplicated Business
// Records.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/leadscout/scrapecore/internal/dedup"
	"github.com/leadscout/scrapecore/internal/model"
	"github.com/leadscout/scrapecore/internal/navigation"
	"github.com/leadscout/scrapecore/internal/pagedriver"
	"github.com/leadscout/scrapecore/internal/retryqueue"
)

// ErrRetryQueued marks an Extract failure the extractor has already
// persisted to the Retry Queue (as navigation or extraction), so a caller
// must not enqueue a second, differently-payloaded item for the same
// failure.
var ErrRetryQueued = errors.New("listing extractor already enqueued a retry item for this failure")

// isCancellation reports whether err stems from the caller's context being
// cancelled or timing out, as opposed to a genuine page/driver failure. Per
// spec.md §5, a cancelled in-flight navigation's result is discarded rather
// than treated as a retryable failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

const (
	hardCapPerPair           = 200
	resultsContainerSelector = "#results"
	listingSelector          = ".listing"
)

// Payload is the opaque retry-queue payload for an extraction failure,
// carrying the pair and any harvested records so resume starts where it
// stopped.
type Payload struct {
	Town      string                 `json:"town"`
	Industry  string                 `json:"industry"`
	Harvested []model.BusinessRecord `json:"harvested,omitempty"`
}

// Extractor runs the scroll-and-harvest loop for one (town, industry) pair.
type Extractor struct {
	nav          *navigation.Manager
	sessionDedup *dedup.Set
	retryQ       *retryqueue.Queue
	sessionID    string
	searchURL    func(industry, town string) string
}

// New creates an Extractor. searchURL composes the provider search URL from
// an industry and town; sessionDedup is the session-wide dedup set shared
// across all pairs and workers.
func New(nav *navigation.Manager, sessionDedup *dedup.Set, retryQ *retryqueue.Queue, sessionID string, searchURL func(industry, town string) string) *Extractor {
	return &Extractor{
		nav:          nav,
		sessionDedup: sessionDedup,
		retryQ:       retryQ,
		sessionID:    sessionID,
		searchURL:    searchURL,
	}
}

// Emit is called once per new, deduplicated Business Record.
type Emit func(record model.BusinessRecord)

// Extract drives one (town, industry) pair to completion or cancellation,
// calling emit for every newly harvested, deduplicated record.
func (e *Extractor) Extract(ctx context.Context, driver pagedriver.Driver, town, industry string, emit Emit) error {
	url := e.searchURL(industry, town)

	waitStrategies := []navigation.WaitStrategy{
		func(ctx context.Context, driver pagedriver.Driver, timeout time.Duration) error {
			return driver.WaitFor(ctx, resultsContainerSelector, timeout)
		},
	}

	pairDedup := dedup.New()
	var harvested []model.BusinessRecord

	if err := e.nav.Navigate(ctx, driver, url, waitStrategies); err != nil {
		if isCancellation(err) {
			return err
		}
		payload, _ := json.Marshal(Payload{Town: town, Industry: industry, Harvested: harvested})
		if e.retryQ != nil {
			_, _ = e.retryQ.Enqueue(e.sessionID, model.RetryNavigation, payload)
		}
		return fmt.Errorf("extract %s/%s: navigate: %w: %w", town, industry, ErrRetryQueued, err)
	}

	consecutiveEmptyScrolls := 0
	for len(harvested) < hardCapPerPair && consecutiveEmptyScrolls < 2 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		newListings, err := e.scrollAndHarvest(ctx, driver, town, industry)
		if err != nil {
			if isCancellation(err) {
				return err
			}
			payload, _ := json.Marshal(Payload{Town: town, Industry: industry, Harvested: harvested})
			if e.retryQ != nil {
				_, _ = e.retryQ.Enqueue(e.sessionID, model.RetryExtraction, payload)
			}
			// Records harvested so far were already emitted as they were
			// accepted; the retry payload carries them for resume.
			return fmt.Errorf("extract %s/%s: harvest: %w: %w", town, industry, ErrRetryQueued, err)
		}

		// harvestExpr re-queries every listing currently visible in the
		// results pane, not just the ones that appeared since the last
		// scroll (previously-rendered listings stay in the DOM), so the
		// stop criterion must count newly accepted records, not the raw
		// harvest size, or it would never fire against a real page.
		added := 0
		for _, rec := range newListings {
			key := rec.DedupKey()
			if !pairDedup.Add(key) {
				continue
			}
			if !e.sessionDedup.Add(key) {
				continue
			}
			harvested = append(harvested, rec)
			emit(rec)
			added++
		}

		if added == 0 {
			consecutiveEmptyScrolls++
			continue
		}
		consecutiveEmptyScrolls = 0
	}

	return nil
}

// scrollAndHarvest performs one scroll step and extracts any newly visible
// listings via page evaluation.
func (e *Extractor) scrollAndHarvest(ctx context.Context, driver pagedriver.Driver, town, industry string) ([]model.BusinessRecord, error) {
	if _, err := driver.Evaluate(ctx, scrollExpr); err != nil {
		return nil, err
	}
	if err := driver.WaitFor(ctx, listingSelector, 5*time.Second); err != nil {
		return nil, nil // no new nodes within the wait window counts as an empty scroll
	}

	raw, err := driver.Evaluate(ctx, harvestExpr)
	if err != nil {
		return nil, err
	}

	listings, ok := raw.([]any)
	if !ok {
		return nil, nil
	}

	now := time.Now()
	records := make([]model.BusinessRecord, 0, len(listings))
	for _, l := range listings {
		m, ok := l.(map[string]any)
		if !ok {
			continue
		}
		rec := model.BusinessRecord{
			SessionID: e.sessionID,
			Name:      stringField(m, "name"),
			Phone:     model.NormalizePhone(stringField(m, "phone")),
			Address:   stringField(m, "address"),
			MapURL:    stringField(m, "mapUrl"),
			Town:      town,
			Industry:  industry,
			CreatedAt: now,
		}
		if rec.Name == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

const scrollExpr = `(() => {
	const c = document.querySelector('#results');
	if (c) c.scrollTop = c.scrollHeight;
})()`

const harvestExpr = `(() => {
	return Array.from(document.querySelectorAll('.listing')).map(el => ({
		name: el.querySelector('.name')?.textContent?.trim() || '',
		phone: el.querySelector('.phone')?.textContent?.trim() || '',
		address: el.querySelector('.address')?.textContent?.trim() || '',
		mapUrl: el.querySelector('a')?.href || '',
	}));
})()`
