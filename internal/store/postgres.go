package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadscout/scrapecore/internal/model"
)

// PostgresStore implements Store against a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool sized for one orchestrator
// process driving a worker pool of browser sessions.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Session operations ---

func (s *PostgresStore) UpsertSession(ctx context.Context, session *model.Session) error {
	stateJSON, err := json.Marshal(session.State)
	if err != nil {
		return err
	}
	configJSON, err := json.Marshal(session.Config)
	if err != nil {
		return err
	}
	summaryJSON, err := json.Marshal(session.Summary)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (session_id, user_id, config, state, summary, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			config = EXCLUDED.config,
			state = EXCLUDED.state,
			summary = EXCLUDED.summary,
			version = EXCLUDED.version,
			updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query,
		session.ID, session.UserID, configJSON, stateJSON, summaryJSON, session.Version,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	query := `
		SELECT session_id, user_id, config, state, summary, version
		FROM sessions WHERE session_id = $1
	`
	var sess model.Session
	var stateJSON, configJSON, summaryJSON []byte
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&sess.ID, &sess.UserID, &configJSON, &stateJSON, &summaryJSON, &sess.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &sess.Config); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stateJSON, &sess.State); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(summaryJSON, &sess.Summary); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessionsForUser(ctx context.Context, userID string) ([]*model.Session, error) {
	query := `
		SELECT session_id, user_id, config, state, summary, version
		FROM sessions WHERE user_id = $1 ORDER BY updated_at ASC
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var sess model.Session
		var stateJSON, configJSON, summaryJSON []byte
		if err := rows.Scan(&sess.ID, &sess.UserID, &configJSON, &stateJSON, &summaryJSON, &sess.Version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(configJSON, &sess.Config); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(stateJSON, &sess.State); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(summaryJSON, &sess.Summary); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSessionState(ctx context.Context, sessionID string, state model.SessionState, expectedVersion int) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return err
	}
	query := `
		UPDATE sessions
		SET state = $2, version = version + 1, updated_at = NOW()
		WHERE session_id = $1 AND version = $3
	`
	tag, err := s.pool.Exec(ctx, query, sessionID, stateJSON, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) SetSessionSummary(ctx context.Context, sessionID string, summary model.SessionSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	query := `UPDATE sessions SET summary = $2, updated_at = NOW() WHERE session_id = $1`
	_, err = s.pool.Exec(ctx, query, sessionID, summaryJSON)
	return err
}

// --- Business record operations ---

func (s *PostgresStore) InsertBusiness(ctx context.Context, record model.BusinessRecord) error {
	query := `
		INSERT INTO business_records (session_id, name, phone, provider, address, map_url, town, industry, name_lower, phone_norm, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (session_id, name_lower, phone_norm) DO NOTHING
	`
	key := record.DedupKey()
	_, err := s.pool.Exec(ctx, query,
		record.SessionID, record.Name, record.Phone, record.Provider, record.Address, record.MapURL,
		record.Town, record.Industry, key, key,
	)
	return err
}

func (s *PostgresStore) ListBusinesses(ctx context.Context, sessionID string, page, limit int) ([]model.BusinessRecord, error) {
	query := `
		SELECT session_id, name, phone, provider, address, map_url, town, industry, discovered_at
		FROM business_records WHERE session_id = $1
		ORDER BY discovered_at ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.pool.Query(ctx, query, sessionID, limit, page*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BusinessRecord
	for rows.Next() {
		var r model.BusinessRecord
		if err := rows.Scan(&r.SessionID, &r.Name, &r.Phone, &r.Provider, &r.Address, &r.MapURL, &r.Town, &r.Industry, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Checkpoint operations ---

func (s *PostgresStore) UpsertCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO checkpoints (session_id, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`
	_, err = s.pool.Exec(ctx, query, cp.SessionID, payload)
	return err
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, sessionID string) (*model.Checkpoint, error) {
	query := `SELECT payload FROM checkpoints WHERE session_id = $1`
	var payload []byte
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE session_id = $1`, sessionID)
	return err
}

// --- Retry queue persistence ---
//
// The retryqueue.Queue keeps the live heap in memory; these calls only
// mirror enqueue/dequeue to disk. Nothing in the module reads retry_items
// back to rebuild the queue after a restart.

func (s *PostgresStore) SaveRetryItem(item *model.RetryItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO retry_items (item_id, session_id, payload, next_retry_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (item_id) DO UPDATE SET payload = EXCLUDED.payload, next_retry_at = EXCLUDED.next_retry_at
	`
	_, err = s.pool.Exec(context.Background(), query, item.ID, item.SessionID, payload, item.NextRetryTime)
	return err
}

func (s *PostgresStore) DeleteRetryItem(id int64) error {
	_, err := s.pool.Exec(context.Background(), `DELETE FROM retry_items WHERE item_id = $1`, id)
	return err
}

// --- Metrics ---

func (s *PostgresStore) RecordMetric(ctx context.Context, m model.MetricRecord) error {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO metric_records (session_id, metric_type, name, value, success, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err = s.pool.Exec(ctx, query, m.SessionID, m.Type, m.Name, m.Value, m.Success, metadata)
	return err
}

// --- Queue manager entries ---

func (s *PostgresStore) UpsertQueueEntry(ctx context.Context, entry model.QueueEntry) error {
	query := `
		INSERT INTO queue_entries (session_id, user_id, status, position, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET status = EXCLUDED.status, position = EXCLUDED.position
	`
	_, err := s.pool.Exec(ctx, query, entry.SessionID, entry.UserID, entry.Status, entry.Position, entry.EnqueuedAt)
	return err
}

func (s *PostgresStore) ListWaitingQueueEntries(ctx context.Context) ([]model.QueueEntry, error) {
	query := `
		SELECT session_id, user_id, status, position, enqueued_at
		FROM queue_entries WHERE status = $1 ORDER BY position ASC
	`
	rows, err := s.pool.Query(ctx, query, model.QueueWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		if err := rows.Scan(&e.SessionID, &e.UserID, &e.Status, &e.Position, &e.EnqueuedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteQueueEntry(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_entries WHERE session_id = $1`, sessionID)
	return err
}

// --- Provider cache L2 ---

func (s *PostgresStore) GetCacheEntry(ctx context.Context, phone string) (*model.CacheEntry, error) {
	query := `SELECT phone, carrier, written_at, ttl_seconds FROM provider_cache WHERE phone = $1`
	var e model.CacheEntry
	var ttlSeconds int64
	err := s.pool.QueryRow(ctx, query, phone).Scan(&e.Phone, &e.Carrier, &e.WrittenAt, &ttlSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.TTL = time.Duration(ttlSeconds) * time.Second
	return &e, nil
}

func (s *PostgresStore) SetCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	query := `
		INSERT INTO provider_cache (phone, carrier, written_at, ttl_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (phone) DO UPDATE SET carrier = EXCLUDED.carrier, written_at = EXCLUDED.written_at, ttl_seconds = EXCLUDED.ttl_seconds
	`
	_, err := s.pool.Exec(ctx, query, entry.Phone, entry.Carrier, entry.WrittenAt, int64(entry.TTL/time.Second))
	return err
}
