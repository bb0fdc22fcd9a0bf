package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/leadscout/scrapecore/internal/model"
)

// ErrVersionConflict is returned when an optimistic-locked update targets a
// stale version.
var ErrVersionConflict = errors.New("optimistic lock failure: session version changed")

// MemoryStore is an in-process Store implementation for tests and
// single-node development without external dependencies.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*model.Session
	businesses  map[string][]model.BusinessRecord // sessionID -> records
	businessKey map[string]map[string]struct{}    // sessionID -> dedup key set
	checkpoints map[string]model.Checkpoint
	metrics     []model.MetricRecord
	queue       map[string]model.QueueEntry
	cache       map[string]model.CacheEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*model.Session),
		businesses:  make(map[string][]model.BusinessRecord),
		businessKey: make(map[string]map[string]struct{}),
		checkpoints: make(map[string]model.Checkpoint),
		queue:       make(map[string]model.QueueEntry),
		cache:       make(map[string]model.CacheEntry),
	}
}

func (s *MemoryStore) UpsertSession(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) ListSessionsForUser(_ context.Context, userID string) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State.UpdatedAt.Before(out[j].State.UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateSessionState(_ context.Context, sessionID string, state model.SessionState, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if sess.Version != expectedVersion {
		return ErrVersionConflict
	}
	sess.State = state
	sess.Version++
	return nil
}

func (s *MemoryStore) SetSessionSummary(_ context.Context, sessionID string, summary model.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	sess.Summary = summary
	return nil
}

func (s *MemoryStore) InsertBusiness(_ context.Context, record model.BusinessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.businessKey[record.SessionID]
	if !ok {
		keys = make(map[string]struct{})
		s.businessKey[record.SessionID] = keys
	}
	key := record.DedupKey()
	if _, exists := keys[key]; exists {
		return nil // idempotent: first writer wins
	}
	keys[key] = struct{}{}
	s.businesses[record.SessionID] = append(s.businesses[record.SessionID], record)
	return nil
}

func (s *MemoryStore) ListBusinesses(_ context.Context, sessionID string, page, limit int) ([]model.BusinessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.businesses[sessionID]
	start := page * limit
	if start >= len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]model.BusinessRecord, end-start)
	copy(out, all[start:end])
	return out, nil
}

func (s *MemoryStore) UpsertCheckpoint(_ context.Context, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.SessionID] = cp
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, sessionID string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[sessionID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *MemoryStore) DeleteCheckpoint(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, sessionID)
	return nil
}

func (s *MemoryStore) SaveRetryItem(item *model.RetryItem) error {
	// The retryqueue.Queue is itself the durable in-process structure for
	// MemoryStore deployments; nothing further to persist here.
	return nil
}

func (s *MemoryStore) DeleteRetryItem(id int64) error {
	return nil
}

func (s *MemoryStore) RecordMetric(_ context.Context, m model.MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *MemoryStore) UpsertQueueEntry(_ context.Context, entry model.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[entry.SessionID] = entry
	return nil
}

func (s *MemoryStore) ListWaitingQueueEntries(_ context.Context) ([]model.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.QueueEntry
	for _, e := range s.queue {
		if e.Status == model.QueueWaiting {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) DeleteQueueEntry(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, sessionID)
	return nil
}

func (s *MemoryStore) GetCacheEntry(_ context.Context, phone string) (*model.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[phone]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) SetCacheEntry(_ context.Context, entry model.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[entry.Phone] = entry
	return nil
}

// --- In-process lease Coordinator, single-process admission only ---

type leaseRecord struct {
	value     string
	expiresAt time.Time
}

// MemoryCoordinator implements Coordinator with a mutex-guarded map for
// single-process use. The Queue Manager's admission slot and abandonment
// sweep do not use it.
type MemoryCoordinator struct {
	mu     sync.Mutex
	leases map[string]leaseRecord
}

// NewMemoryCoordinator creates an empty MemoryCoordinator.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{leases: make(map[string]leaseRecord)}
}

func (c *MemoryCoordinator) AcquireLease(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if existing, ok := c.leases[key]; ok && existing.expiresAt.After(now) {
		return false, nil
	}
	c.leases[key] = leaseRecord{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (c *MemoryCoordinator) RenewLease(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.leases[key]
	if !ok || existing.value != value {
		return false, nil
	}
	existing.expiresAt = time.Now().Add(ttl)
	c.leases[key] = existing
	return true, nil
}

func (c *MemoryCoordinator) ReleaseLease(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.leases[key]; ok && existing.value == value {
		delete(c.leases, key)
	}
	return nil
}
