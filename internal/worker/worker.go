// Package worker implements the Browser Worker: a single goroutine that
// owns one Page Driver and drives the Listing Extractor across the
// assignments handed to it by the orchestrator's dispatch loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"runtime"
	"time"

	"github.com/leadscout/scrapecore/internal/eventbus"
	"github.com/leadscout/scrapecore/internal/extractor"
	"github.com/leadscout/scrapecore/internal/model"
	"github.com/leadscout/scrapecore/internal/observability"
	"github.com/leadscout/scrapecore/internal/pagedriver"
	"github.com/leadscout/scrapecore/internal/retryqueue"
)

// Assignment is one (town, industry) pair to process end-to-end.
type Assignment struct {
	SessionID string
	Town      string
	Industry  string
}

// cancelDrainTimeout bounds how long a worker keeps extracting after its
// context is cancelled before abandoning the in-flight listing.
const cancelDrainTimeout = 10 * time.Second

// memorySampleInterval governs how often a worker checks its own heap size
// against memSoftCapBytes between assignments.
const memorySampleInterval = 30 * time.Second

// Worker owns exactly one Page Driver and processes assignments serially.
type Worker struct {
	ID           string
	factory      pagedriver.Factory
	extractor    *extractor.Extractor
	retryQ       *retryqueue.Queue
	bus          *eventbus.Bus
	memSoftCap   uint64
	lastMemCheck time.Time

	driver pagedriver.Driver
}

// New creates a Worker. memSoftCapBytes of 0 disables the respawn check.
func New(id string, factory pagedriver.Factory, ext *extractor.Extractor, retryQ *retryqueue.Queue, bus *eventbus.Bus, memSoftCapBytes uint64) *Worker {
	return &Worker{
		ID:         id,
		factory:    factory,
		extractor:  ext,
		retryQ:     retryQ,
		bus:        bus,
		memSoftCap: memSoftCapBytes,
	}
}

// Process runs one assignment to completion, re-using the worker's driver
// across calls unless a memory-pressure respawn or a prior unrecoverable
// failure requires a fresh one. emit delivers each harvested business to the
// caller (typically feeding the Carrier Lookup Service).
func (w *Worker) Process(ctx context.Context, a Assignment, emit extractor.Emit) error {
	if err := w.ensureDriver(ctx); err != nil {
		return w.handleUnrecoverable(a, err)
	}

	drainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-ctx.Done()
		time.AfterFunc(cancelDrainTimeout, cancel)
	}()

	w.bus.Publish(eventbus.Event{
		SessionID: a.SessionID,
		Type:      eventbus.EventLifecycle,
		Payload:   eventbus.LifecyclePayload{From: "idle", To: "town:" + a.Town + "/" + a.Industry},
	})

	wrapped := func(b model.BusinessRecord) {
		emit(b)
		w.bus.Publish(eventbus.Event{
			SessionID: a.SessionID,
			Type:      eventbus.EventBusiness,
			Payload:   b,
		})
	}

	err := w.extractor.Extract(drainCtx, w.driver, a.Town, a.Industry, wrapped)
	if err != nil {
		// A cancelled/timed-out drainCtx means the caller asked us to stop;
		// per spec.md §5 the in-flight result is discarded, not retried as
		// a failure. And if the extractor already persisted a retry item
		// (navigation or extraction) for this failure, enqueueing a second
		// one here would duplicate it under a different payload shape.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			w.releaseDriver()
			return err
		}
		if errors.Is(err, extractor.ErrRetryQueued) {
			w.releaseDriver()
			return err
		}
		return w.handleUnrecoverable(a, err)
	}

	w.bus.Publish(eventbus.Event{
		SessionID: a.SessionID,
		Type:      eventbus.EventProgress,
		Payload:   eventbus.ProgressPayload{CurrentTown: a.Town, CurrentIndustry: a.Industry},
	})

	w.maybeRespawn(a.SessionID)
	return nil
}

// Close releases the worker's driver, if open.
func (w *Worker) Close() {
	w.releaseDriver()
}

func (w *Worker) ensureDriver(ctx context.Context) error {
	if w.driver != nil {
		return nil
	}
	d := w.factory()
	if err := d.Open(ctx); err != nil {
		return err
	}
	w.driver = d
	return nil
}

// handleUnrecoverable enqueues the failed assignment to the Retry Queue as
// a navigation item and drops the worker's driver so the next assignment
// starts fresh.
func (w *Worker) handleUnrecoverable(a Assignment, cause error) error {
	log.Printf("worker %s: unrecoverable failure on %s/%s: %v", w.ID, a.Town, a.Industry, cause)

	payload, _ := json.Marshal(struct {
		Town     string `json:"town"`
		Industry string `json:"industry"`
	}{a.Town, a.Industry})

	if _, err := w.retryQ.Enqueue(a.SessionID, model.RetryNavigation, payload); err != nil {
		log.Printf("worker %s: failed to enqueue retry for %s/%s: %v", w.ID, a.Town, a.Industry, err)
	}
	observability.WorkerRespawns.WithLabelValues(a.SessionID).Inc()

	w.releaseDriver()
	return cause
}

// releaseDriver closes the worker's driver, if open, so the next assignment
// starts with a fresh one.
func (w *Worker) releaseDriver() {
	if w.driver != nil {
		w.driver.Close()
		w.driver = nil
	}
}

// maybeRespawn samples process heap usage and closes the driver if it
// exceeds the configured soft cap, forcing a clean browser process on the
// next assignment. Page Drivers accumulate tab/frame state across many
// listings; periodic respawn bounds that growth.
func (w *Worker) maybeRespawn(sessionID string) {
	if w.memSoftCap == 0 {
		return
	}
	if time.Since(w.lastMemCheck) < memorySampleInterval {
		return
	}
	w.lastMemCheck = time.Now()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	observability.WorkerMemoryBytes.WithLabelValues(sessionID, w.ID).Set(float64(mem.HeapAlloc))

	if mem.HeapAlloc > w.memSoftCap && w.driver != nil {
		log.Printf("worker %s: heap %d bytes exceeds soft cap %d, respawning driver", w.ID, mem.HeapAlloc, w.memSoftCap)
		w.releaseDriver()
		observability.WorkerRespawns.WithLabelValues(sessionID).Inc()
	}
}
