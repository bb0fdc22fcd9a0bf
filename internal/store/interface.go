// Package store abstracts the durable persistence the core needs: session
// rows, business records, checkpoints, retry items, metrics, and queue
// entries. MemoryStore backs tests and single-node dev; PostgresStore and
// RedisStore back production.
package store

import (
	"context"
	"time"

	"github.com/leadscout/scrapecore/internal/model"
)

// Store is the durable persistence boundary for the whole core.
type Store interface {
	// Session operations
	UpsertSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	ListSessionsForUser(ctx context.Context, userID string) ([]*model.Session, error)
	UpdateSessionState(ctx context.Context, sessionID string, state model.SessionState, expectedVersion int) error
	SetSessionSummary(ctx context.Context, sessionID string, summary model.SessionSummary) error

	// Business record operations. InsertBusiness is idempotent on
	// (session_id, name_lower, phone_norm).
	InsertBusiness(ctx context.Context, record model.BusinessRecord) error
	ListBusinesses(ctx context.Context, sessionID string, page, limit int) ([]model.BusinessRecord, error)

	// Checkpoint operations. UpsertCheckpoint writes only the checkpoint;
	// the session's status is persisted separately via UpdateSessionState,
	// not in the same atomic write.
	UpsertCheckpoint(ctx context.Context, cp model.Checkpoint) error
	GetCheckpoint(ctx context.Context, sessionID string) (*model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, sessionID string) error

	// Retry queue persistence (see internal/retryqueue.Store).
	SaveRetryItem(item *model.RetryItem) error
	DeleteRetryItem(id int64) error

	// Metric records are immutable.
	RecordMetric(ctx context.Context, m model.MetricRecord) error

	// Queue entry operations for the Queue Manager.
	UpsertQueueEntry(ctx context.Context, entry model.QueueEntry) error
	ListWaitingQueueEntries(ctx context.Context) ([]model.QueueEntry, error)
	DeleteQueueEntry(ctx context.Context, sessionID string) error

	// Provider cache L2.
	GetCacheEntry(ctx context.Context, phone string) (*model.CacheEntry, error)
	SetCacheEntry(ctx context.Context, entry model.CacheEntry) error
}

// Coordinator is a narrow lease/lock surface with in-memory and Redis-backed
// implementations. No component in this module calls it: the Queue Manager
// and the Retry Queue guard their state with in-process mutexes.
type Coordinator interface {
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, value string) error
}
