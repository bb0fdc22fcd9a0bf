// Package queuemanager implements the Queue Manager: the process-global
// admission controller enforcing that at most one session is Active at a
// time, with FIFO waiters and a periodic sweep for abandoned entries.
package queuemanager

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/leadscout/scrapecore/internal/eventbus"
	"github.com/leadscout/scrapecore/internal/model"
	"github.com/leadscout/scrapecore/internal/observability"
	"github.com/leadscout/scrapecore/internal/store"
)

// abandonmentThreshold is how long a waiting entry may sit unattended
// before the sweep cancels it.
const abandonmentThreshold = 24 * time.Hour

// sweepInterval governs how often the abandonment sweep runs.
const sweepInterval = time.Hour

// Store is the narrow persistence surface the Queue Manager needs; both
// RedisStore and PostgresStore satisfy it.
type Store interface {
	UpsertQueueEntry(ctx context.Context, entry model.QueueEntry) error
	ListWaitingQueueEntries(ctx context.Context) ([]model.QueueEntry, error)
	DeleteQueueEntry(ctx context.Context, sessionID string) error
}

var _ Store = (*store.MemoryStore)(nil)
var _ Store = (*store.PostgresStore)(nil)
var _ Store = (*store.RedisStore)(nil)

// Manager admits at most one Active session at a time; every other request
// waits in a FIFO list with contiguous 1-based positions.
type Manager struct {
	mu     sync.Mutex
	active *model.QueueEntry
	waitng []*model.QueueEntry

	store Store
	bus   *eventbus.Bus
}

// New creates a Manager. Any waiting entries persisted by a prior process
// should be reloaded via Restore before serving admission requests.
func New(s Store, bus *eventbus.Bus) *Manager {
	return &Manager{store: s, bus: bus}
}

// Restore repopulates the waiting list from the store, e.g. after a
// process restart.
func (m *Manager) Restore(ctx context.Context) error {
	entries, err := m.store.ListWaitingQueueEntries(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitng = make([]*model.QueueEntry, 0, len(entries))
	for i := range entries {
		e := entries[i]
		m.waitng = append(m.waitng, &e)
	}
	observability.QueueDepth.Set(float64(len(m.waitng)))
	return nil
}

// Admit requests admission for sessionID. If no session is Active, this one
// becomes Active immediately and admitted is true. Otherwise it is enqueued
// and admitted is false, with position reporting its 1-based place in line.
func (m *Manager) Admit(ctx context.Context, sessionID, userID string) (admitted bool, position int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.active == nil {
		entry := model.QueueEntry{SessionID: sessionID, UserID: userID, Status: model.QueueActive, EnqueuedAt: now}
		if err := m.store.UpsertQueueEntry(ctx, entry); err != nil {
			return false, 0, err
		}
		m.active = &entry
		observability.ActiveSessions.Set(1)
		return true, 0, nil
	}

	entry := model.QueueEntry{SessionID: sessionID, UserID: userID, Status: model.QueueWaiting, EnqueuedAt: now}
	m.waitng = append(m.waitng, &entry)
	m.renumber()
	if err := m.store.UpsertQueueEntry(ctx, entry); err != nil {
		return false, 0, err
	}
	observability.QueueDepth.Set(float64(len(m.waitng)))
	m.bus.Publish(eventbus.Event{SessionID: sessionID, Type: eventbus.EventLifecycle, Payload: eventbus.LifecyclePayload{From: "", To: "queued"}})
	return false, entry.Position, nil
}

// Complete marks the currently Active session finished and promotes the
// head of the waiting list, if any. It returns the promoted entry, or nil
// if the queue was empty.
func (m *Manager) Complete(ctx context.Context, sessionID string) (*model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.SessionID == sessionID {
		if err := m.store.DeleteQueueEntry(ctx, sessionID); err != nil {
			return nil, err
		}
		m.active = nil
		observability.ActiveSessions.Set(0)
	}

	if len(m.waitng) == 0 {
		return nil, nil
	}

	next := m.waitng[0]
	m.waitng = m.waitng[1:]
	m.renumber()
	next.Status = model.QueueActive
	if err := m.store.UpsertQueueEntry(ctx, *next); err != nil {
		return nil, err
	}
	m.active = next
	observability.ActiveSessions.Set(1)
	observability.QueueDepth.Set(float64(len(m.waitng)))

	m.bus.Publish(eventbus.Event{SessionID: next.SessionID, Type: eventbus.EventLifecycle, Payload: eventbus.LifecyclePayload{From: "queued", To: "running"}})
	return next, nil
}

// Cancel removes sessionID from the waiting list, compacting positions. It
// is a no-op if sessionID is Active (use Complete) or not present.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.waitng {
		if e.SessionID == sessionID {
			m.waitng = append(m.waitng[:i], m.waitng[i+1:]...)
			m.renumber()
			observability.QueueDepth.Set(float64(len(m.waitng)))
			return m.store.DeleteQueueEntry(ctx, sessionID)
		}
	}
	return nil
}

// renumber reassigns contiguous 1-based positions after any mutation of
// the waiting list, per the Queue Entry invariant.
func (m *Manager) renumber() {
	for i, e := range m.waitng {
		e.Position = i + 1
	}
}

// StartSweep runs the abandonment sweep until ctx is cancelled, removing
// waiting entries that have sat for longer than abandonmentThreshold.
func (m *Manager) StartSweep(ctx context.Context) {
	go m.sweepLoop(ctx)
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	now := time.Now()
	var abandoned []string
	kept := m.waitng[:0:0]
	for _, e := range m.waitng {
		if now.Sub(e.EnqueuedAt) > abandonmentThreshold {
			abandoned = append(abandoned, e.SessionID)
			continue
		}
		kept = append(kept, e)
	}
	m.waitng = kept
	m.renumber()
	observability.QueueDepth.Set(float64(len(m.waitng)))
	m.mu.Unlock()

	for _, sessionID := range abandoned {
		log.Printf("queuemanager: abandoning waiting session %s after %s unattended", sessionID, abandonmentThreshold)
		if err := m.store.DeleteQueueEntry(ctx, sessionID); err != nil {
			log.Printf("queuemanager: failed to delete abandoned entry %s: %v", sessionID, err)
		}
		m.bus.Publish(eventbus.Event{SessionID: sessionID, Type: eventbus.EventLifecycle, Payload: eventbus.LifecyclePayload{From: "queued", To: "cancelled"}})
	}
}

// Position reports sessionID's 1-based place in the waiting list, or
// whether it is the currently Active session.
func (m *Manager) Position(sessionID string) (position int, active bool, found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.SessionID == sessionID {
		return 0, true, true
	}
	for _, e := range m.waitng {
		if e.SessionID == sessionID {
			return e.Position, false, true
		}
	}
	return 0, false, false
}

// Snapshot returns a debug view of admission state.
func (m *Manager) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var activeID string
	if m.active != nil {
		activeID = m.active.SessionID
	}
	return map[string]any{
		"active":       activeID,
		"waiting_len":  len(m.waitng),
		"waiting_ids":  sessionIDs(m.waitng),
	}
}

func sessionIDs(entries []*model.QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.SessionID
	}
	return out
}
