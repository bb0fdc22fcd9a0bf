// Package lookup implements the Carrier Lookup Service: cache-first carrier
// resolution for phone numbers, falling back to the Batch Manager for
// misses.
package lookup

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/leadscout/scrapecore/internal/batch"
	"github.com/leadscout/scrapecore/internal/captcha"
	"github.com/leadscout/scrapecore/internal/model"
	"github.com/leadscout/scrapecore/internal/pagedriver"
	"github.com/leadscout/scrapecore/internal/providercache"
	"github.com/leadscout/scrapecore/internal/retryqueue"
)

// Outcome tags a single phone lookup's result, replacing try/catch-driven
// control flow around captcha with an explicit sum type.
type Outcome int

const (
	Resolved Outcome = iota
	CaptchaBlocked
	UnknownCarrier
	TransientFail
)

// Result is the tagged outcome of resolving one phone number.
type Result struct {
	Phone   string
	Carrier string
	Outcome Outcome
	Cause   error
}

var servicedByPattern = regexp.MustCompile(`(?i)serviced by\s+\S+/(\S+)`)

// Service resolves carriers for phone numbers via cache-first lookup and
// captcha-aware batching.
type Service struct {
	cache     *providercache.Cache
	batch     *batch.Manager
	factory   pagedriver.Factory
	detector  *captcha.Detector
	homeURL   string
	limiter   *rate.Limiter
	retryQ    *retryqueue.Queue
	sessionID string
}

// New creates a Service. homeURL is the carrier site's home page.
func New(cache *providercache.Cache, bm *batch.Manager, factory pagedriver.Factory, homeURL string, retryQ *retryqueue.Queue, sessionID string) *Service {
	return &Service{
		cache:     cache,
		batch:     bm,
		factory:   factory,
		detector:  &captcha.Detector{},
		homeURL:   homeURL,
		limiter:   rate.NewLimiter(rate.Every(batch.InterLookupDelay()), 1),
		retryQ:    retryQ,
		sessionID: sessionID,
	}
}

// Lookup resolves carriers for phones, consulting the Provider Cache first
// and dispatching the Batch Manager for misses.
func (s *Service) Lookup(ctx context.Context, phones []string) (map[string]string, error) {
	resolved := make(map[string]string, len(phones))
	var misses []string

	for _, phone := range phones {
		if carrier, ok := s.cache.Get(ctx, phone); ok {
			resolved[phone] = carrier
			continue
		}
		misses = append(misses, phone)
	}

	for i, chunk := range s.batch.Chunks(misses) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return resolved, ctx.Err()
			case <-time.After(batch.InterBatchDelay()):
			}
		}

		results := s.processBatch(ctx, chunk)
		succeeded := 0
		for _, r := range results {
			if r.Outcome == Resolved {
				succeeded++
			}
			resolved[r.Phone] = r.Carrier
			_ = s.cache.Put(ctx, r.Phone, r.Carrier)
		}
		s.batch.RecordBatchOutcome(succeeded, len(results))
	}

	return resolved, nil
}

// processBatch runs the per-lookup protocol against one fresh driver,
// restarting it on captcha up to batch.MaxCaptchaRestarts times.
func (s *Service) processBatch(ctx context.Context, phones []string) []Result {
	results := make([]Result, 0, len(phones))
	remaining := phones
	restarts := 0

	for len(remaining) > 0 {
		driver := s.factory()
		if err := driver.Open(ctx); err != nil {
			for _, p := range remaining {
				results = append(results, Result{Phone: p, Carrier: providercache.Unknown, Outcome: TransientFail, Cause: err})
			}
			return results
		}

		consumed, captchaHit := s.runBatchOnDriver(ctx, driver, remaining, &results)
		_ = driver.Close()

		remaining = remaining[consumed:]
		if !captchaHit {
			continue
		}

		restarts++
		if restarts > batch.MaxCaptchaRestarts() {
			for _, p := range remaining {
				if s.retryQ != nil {
					_, _ = s.retryQ.Enqueue(s.sessionID, model.RetryLookup, []byte(p))
				}
				results = append(results, Result{Phone: p, Carrier: providercache.Unknown, Outcome: CaptchaBlocked})
			}
			remaining = nil
		}
	}
	return results
}

// runBatchOnDriver processes as many of phones as possible on one driver
// instance, stopping (and reporting captchaHit) the moment a captcha is
// detected. It returns how many phones were consumed (a result appended for
// each); the phone that hit the captcha is not consumed and gets no result,
// so it is retried first on the next driver.
func (s *Service) runBatchOnDriver(ctx context.Context, driver pagedriver.Driver, phones []string, results *[]Result) (consumed int, captchaHit bool) {
	for i, phone := range phones {
		if i > 0 {
			if err := s.limiter.Wait(ctx); err != nil {
				return i, false
			}
		}

		if err := driver.Navigate(ctx, s.homeURL, 30*time.Second); err != nil {
			*results = append(*results, Result{Phone: phone, Carrier: providercache.Unknown, Outcome: TransientFail, Cause: err})
			continue
		}

		detected, err := s.detector.Detect(ctx, driver)
		if err == nil && detected {
			return i, true
		}

		carrier, err := s.submitAndParse(ctx, driver, phone)
		if err != nil {
			*results = append(*results, Result{Phone: phone, Carrier: providercache.Unknown, Outcome: TransientFail, Cause: err})
			continue
		}

		outcome := Resolved
		if carrier == providercache.Unknown {
			outcome = UnknownCarrier
		}
		*results = append(*results, Result{Phone: phone, Carrier: carrier, Outcome: outcome})
	}
	return len(phones), false
}

func (s *Service) submitAndParse(ctx context.Context, driver pagedriver.Driver, phone string) (string, error) {
	if err := driver.Type(ctx, "input[type=tel], input[name*=phone]", phone); err != nil {
		return "", fmt.Errorf("type phone: %w", err)
	}
	if err := driver.PressEnter(ctx); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(2 * time.Second):
	}

	text, err := driver.Text(ctx)
	if err != nil {
		return "", fmt.Errorf("read result: %w", err)
	}

	match := servicedByPattern.FindStringSubmatch(text)
	if len(match) < 2 {
		return providercache.Unknown, nil
	}
	return strings.TrimSpace(match[1]), nil
}
