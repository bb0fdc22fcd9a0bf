// Package runtime assembles every component of the scraper orchestration
// core behind the plain Go methods that form the external Control and
// Query interfaces of spec.md §6: StartSession, PauseSession,
// ResumeSession, StopSession, CancelQueued, GetQueueStatus,
// GetSessionState, ListSessionsForUser, GetSessionBusinesses. The HTTP/UI
// surface that calls these methods is explicitly out of this module's
// scope; cmd/scrapecored wires a Runtime but exposes only /healthz,
// /metrics and the /debug/snapshot JSON view over HTTP.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/leadscout/scrapecore/internal/batch"
	"github.com/leadscout/scrapecore/internal/captcha"
	"github.com/leadscout/scrapecore/internal/config"
	"github.com/leadscout/scrapecore/internal/dedup"
	"github.com/leadscout/scrapecore/internal/eventbus"
	"github.com/leadscout/scrapecore/internal/extractor"
	"github.com/leadscout/scrapecore/internal/lookup"
	"github.com/leadscout/scrapecore/internal/model"
	"github.com/leadscout/scrapecore/internal/navigation"
	"github.com/leadscout/scrapecore/internal/orchestrator"
	"github.com/leadscout/scrapecore/internal/pagedriver"
	"github.com/leadscout/scrapecore/internal/providercache"
	"github.com/leadscout/scrapecore/internal/queuemanager"
	"github.com/leadscout/scrapecore/internal/retryqueue"
	"github.com/leadscout/scrapecore/internal/store"
	"github.com/leadscout/scrapecore/internal/timeline"
	"github.com/leadscout/scrapecore/internal/worker"
)

// ErrNotFound is returned when a referenced session does not exist.
var ErrNotFound = errors.New("session not found")

// ErrWrongState is returned when a control request targets a session whose
// current status does not permit the requested transition.
var ErrWrongState = errors.New("session is not in a state that permits this operation")

// estimatedSessionDurationMs is the rough per-session duration used only to
// compute an estimated wait for queued sessions; it is not a correctness
// guarantee, just an operational estimate.
const estimatedSessionDurationMs = 5 * 60 * 1000

// Runtime owns every process-wide collaborator (Provider Cache, Queue
// Manager, Event Bus, Session Store) and constructs one Orchestrator per
// admitted session.
type Runtime struct {
	cfg   config.Config
	store store.Store
	bus   *eventbus.Bus
	qm    *queuemanager.Manager
	cache *providercache.Cache
	tl    *timeline.Store

	listingFactory pagedriver.Factory
	lookupFactory  pagedriver.Factory
	lookupHomeURL  string
	searchURL      func(industry, town string) string

	mu       sync.Mutex
	sessions map[string]*sessionHandle
}

// sessionHandle is the live state for one admitted (running/paused)
// session; sessions still waiting in the Queue Manager have no handle.
type sessionHandle struct {
	orch   *orchestrator.Orchestrator
	userID string
	done   chan struct{}
}

// Deps bundles the collaborators a Runtime needs from its caller (typically
// cmd/scrapecored's wiring step).
type Deps struct {
	Config         config.Config
	Store          store.Store
	Bus            *eventbus.Bus
	Cache          *providercache.Cache
	Timeline       *timeline.Store
	ListingFactory pagedriver.Factory
	LookupFactory  pagedriver.Factory
	LookupHomeURL  string
	SearchURL      func(industry, town string) string
}

// New constructs a Runtime. It does not restore queued sessions from a
// prior process; call Restore for that.
func New(d Deps) *Runtime {
	qm := queuemanager.New(asQueueStore(d.Store), d.Bus)
	return &Runtime{
		cfg:            d.Config,
		store:          d.Store,
		bus:            d.Bus,
		qm:             qm,
		cache:          d.Cache,
		tl:             d.Timeline,
		listingFactory: d.ListingFactory,
		lookupFactory:  d.LookupFactory,
		lookupHomeURL:  d.LookupHomeURL,
		searchURL:      d.SearchURL,
		sessions:       make(map[string]*sessionHandle),
	}
}

func asQueueStore(s store.Store) queuemanager.Store { return s }

// Restore repopulates the waiting list from the store and starts the
// abandonment sweep; call once at process startup.
func (r *Runtime) Restore(ctx context.Context) error {
	if err := r.qm.Restore(ctx); err != nil {
		return err
	}
	r.qm.StartSweep(ctx)
	return nil
}

// StartSession validates cfg synchronously and either starts the session
// immediately or enqueues it behind the currently active session, per
// spec.md §6/§7.
func (r *Runtime) StartSession(ctx context.Context, userID string, cfg model.SessionConfig) (sessionID string, admission string, queuePosition int, err error) {
	if err := cfg.Validate(); err != nil {
		return "", "", 0, err
	}
	applyDefaults(&cfg, r.cfg)

	sessionID = newSessionID()
	now := time.Now()
	session := &model.Session{
		ID:     sessionID,
		UserID: userID,
		Config: cfg,
		State: model.SessionState{
			Status:    model.SessionQueued,
			StartedAt: now,
			UpdatedAt: now,
		},
	}
	if err := r.store.UpsertSession(ctx, session); err != nil {
		return "", "", 0, err
	}

	admitted, position, err := r.qm.Admit(ctx, sessionID, userID)
	if err != nil {
		return "", "", 0, err
	}
	if admitted {
		r.launch(sessionID, userID, cfg)
		return sessionID, "started", 0, nil
	}
	return sessionID, "queued", position, nil
}

// applyDefaults fills session-config fields left zero by the caller with
// the process defaults from config.Config, per spec.md §6's Configuration
// table.
func applyDefaults(cfg *model.SessionConfig, defaults config.Config) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaults.DefaultBatchSize
	}
	if cfg.NavigationBaseDelayMs == 0 {
		cfg.NavigationBaseDelayMs = int(defaults.DefaultNavigationBaseDelay / time.Millisecond)
	}
	if cfg.NavigationMaxRetries == 0 {
		cfg.NavigationMaxRetries = defaults.DefaultNavigationMaxRetries
	}
	if cfg.ProviderCacheTTLDays == 0 {
		cfg.ProviderCacheTTLDays = defaults.DefaultProviderCacheTTLDays
	}
	if cfg.WorkerMemorySoftCapMb == 0 {
		cfg.WorkerMemorySoftCapMb = defaults.DefaultWorkerMemSoftCapMb
	}
}

// launch builds a fresh Orchestrator and its private collaborators
// (Retry Queue, Batch Manager, Carrier Lookup Service, session dedup set)
// and runs it to a terminal status in a background goroutine.
func (r *Runtime) launch(sessionID, userID string, cfg model.SessionConfig) {
	retryQ := retryqueue.New(asRetryStore(r.store), time.Duration(cfg.NavigationBaseDelayMs)*time.Millisecond, 0)
	sessDedup := dedup.New()
	bm := batch.New()
	lookupSvc := lookup.New(r.cache, bm, r.lookupFactory, r.lookupHomeURL, retryQ, sessionID)

	memSoftCapBytes := uint64(cfg.WorkerMemorySoftCapMb) * 1024 * 1024
	newWorker := func(id string) *worker.Worker {
		var detector navigation.CaptchaDetector
		if cfg.EnableCaptchaDetection {
			detector = &captcha.Detector{}
		}
		navMgr := navigation.New(detector)
		navMgr.BaseDelay = time.Duration(cfg.NavigationBaseDelayMs) * time.Millisecond
		if cfg.NavigationMaxRetries > 0 {
			navMgr.MaxRetries = cfg.NavigationMaxRetries
		}
		ext := extractor.New(navMgr, sessDedup, retryQ, sessionID, r.searchURL)
		return worker.New(id, r.listingFactory, ext, retryQ, r.bus, memSoftCapBytes)
	}

	orch := orchestrator.New(orchestrator.Config{
		SessionID: sessionID,
		UserID:    userID,
		Session:   cfg,
		Store:     r.store,
		Bus:       r.bus,
		RetryQ:    retryQ,
		Lookup:    lookupSvc,
		Timeline:  r.tl,
		NewWorker: newWorker,
	})

	handle := &sessionHandle{orch: orch, userID: userID, done: make(chan struct{})}
	r.mu.Lock()
	r.sessions[sessionID] = handle
	r.mu.Unlock()

	go r.run(context.Background(), sessionID, handle)
}

func asRetryStore(s store.Store) retryqueue.Store { return s }

func (r *Runtime) run(ctx context.Context, sessionID string, handle *sessionHandle) {
	defer close(handle.done)
	if err := handle.orch.Run(ctx); err != nil {
		log.Printf("runtime: session %s run error: %v", sessionID, err)
	}

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	next, err := r.qm.Complete(context.Background(), sessionID)
	if err != nil {
		log.Printf("runtime: session %s completion promote failed: %v", sessionID, err)
		return
	}
	if next == nil {
		return
	}
	r.promote(next)
}

func (r *Runtime) promote(entry *model.QueueEntry) {
	sess, err := r.store.GetSession(context.Background(), entry.SessionID)
	if err != nil || sess == nil {
		log.Printf("runtime: cannot promote session %s: %v", entry.SessionID, err)
		return
	}
	r.launch(entry.SessionID, entry.UserID, sess.Config)
}

// PauseSession requests a cooperative pause on a running session.
func (r *Runtime) PauseSession(ctx context.Context, sessionID string) error {
	h, err := r.handle(sessionID)
	if err != nil {
		return err
	}
	if h.orch.Status() != model.SessionRunning {
		return ErrWrongState
	}
	h.orch.Pause(ctx)
	return nil
}

// ResumeSession clears a pause request on a paused session.
func (r *Runtime) ResumeSession(sessionID string) error {
	h, err := r.handle(sessionID)
	if err != nil {
		return err
	}
	if h.orch.Status() != model.SessionPaused {
		return ErrWrongState
	}
	h.orch.Resume()
	return nil
}

// StopSession halts a running or paused session.
func (r *Runtime) StopSession(sessionID string) error {
	h, err := r.handle(sessionID)
	if err != nil {
		return err
	}
	switch h.orch.Status() {
	case model.SessionRunning, model.SessionPaused:
		h.orch.Stop()
		return nil
	default:
		return ErrWrongState
	}
}

// CancelQueued cancels a session still waiting for admission.
func (r *Runtime) CancelQueued(ctx context.Context, sessionID string) error {
	_, position, found := r.qm.Position(sessionID)
	if !found {
		return ErrNotFound
	}
	if position == 0 {
		return ErrWrongState
	}
	return r.qm.Cancel(ctx, sessionID)
}

// GetQueueStatus reports a queued session's 1-based position and estimated
// wait, or {active: true} for the currently running session.
func (r *Runtime) GetQueueStatus(sessionID string) (position int, estimatedWaitMs int64, active bool, err error) {
	position, active, found := r.qm.Position(sessionID)
	if !found {
		return 0, 0, false, ErrNotFound
	}
	if active {
		return 0, 0, true, nil
	}
	return position, int64(position) * estimatedSessionDurationMs, false, nil
}

// GetSessionState returns the live snapshot of a session.
func (r *Runtime) GetSessionState(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ListSessionsForUser returns every session (any status) owned by userID.
func (r *Runtime) ListSessionsForUser(ctx context.Context, userID string) ([]*model.Session, error) {
	return r.store.ListSessionsForUser(ctx, userID)
}

// GetSessionBusinesses returns one page of a session's extracted records.
func (r *Runtime) GetSessionBusinesses(ctx context.Context, sessionID string, page, limit int) ([]model.BusinessRecord, error) {
	return r.store.ListBusinesses(ctx, sessionID, page, limit)
}

// Snapshot returns a process-wide debug view: queue admission state plus
// every currently running session's orchestrator snapshot.
func (r *Runtime) Snapshot() map[string]any {
	r.mu.Lock()
	running := make(map[string]any, len(r.sessions))
	for id, h := range r.sessions {
		running[id] = h.orch.Snapshot()
	}
	r.mu.Unlock()

	return map[string]any{
		"queue":   r.qm.Snapshot(),
		"running": running,
	}
}

func (r *Runtime) handle(sessionID string) (*sessionHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return "sess-" + hex.EncodeToString(b[:])
}
