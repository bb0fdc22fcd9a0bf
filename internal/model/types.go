// Package model defines the durable data shapes the scraper orchestration
// core reads and writes: sessions, business records, checkpoints, retry
// items, cache entries, metrics, and queue entries.
package model

import (
	"strings"
	"time"
)

// SessionStatus is the terminal/non-terminal state of a Session.
type SessionStatus string

const (
	SessionQueued    SessionStatus = "queued"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionStopped   SessionStatus = "stopped"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionError, SessionStopped, SessionCancelled:
		return true
	default:
		return false
	}
}

// SessionConfig is the user-supplied configuration for a scraping run.
type SessionConfig struct {
	Towns                  []string `json:"towns"`
	Industries             []string `json:"industries"`
	MaxTowns               int      `json:"maxTowns"`
	MaxIndustries          int      `json:"maxIndustries"`
	EnableCaptchaDetection bool     `json:"enableCaptchaDetection"`
	BatchSize              int      `json:"batchSize,omitempty"`
	NavigationBaseDelayMs  int      `json:"navigationBaseDelayMs,omitempty"`
	NavigationMaxRetries   int      `json:"navigationMaxRetries,omitempty"`
	ProviderCacheTTLDays   int      `json:"providerCacheTtlDays,omitempty"`
	WorkerMemorySoftCapMb  int      `json:"workerMemorySoftCapMb,omitempty"`
}

// Validate enforces the synchronous rejection rules at StartSession.
func (c SessionConfig) Validate() error {
	if len(c.Towns) == 0 {
		return ErrInvalidConfig("towns must not be empty")
	}
	if len(c.Industries) == 0 {
		return ErrInvalidConfig("industries must not be empty")
	}
	if c.MaxTowns < 1 || c.MaxTowns > 3 {
		return ErrInvalidConfig("maxTowns must be in [1,3]")
	}
	if c.MaxIndustries < 1 || c.MaxIndustries > 3 {
		return ErrInvalidConfig("maxIndustries must be in [1,3]")
	}
	if c.BatchSize != 0 && (c.BatchSize < 3 || c.BatchSize > 5) {
		return ErrInvalidConfig("batchSize must be in [3,5]")
	}
	return nil
}

// ErrInvalidConfig is a synchronous validation error surfaced at StartSession.
type ErrInvalidConfig string

func (e ErrInvalidConfig) Error() string { return "invalid session config: " + string(e) }

// SessionState is the live, mutable snapshot of a running session.
type SessionState struct {
	Status              SessionStatus `json:"status"`
	ProgressPercent     float64       `json:"progressPercent"`
	CurrentTown         string        `json:"currentTown"`
	CurrentIndustry     string        `json:"currentIndustry"`
	ProcessedBusinesses int           `json:"processedBusinesses"`
	StartedAt           time.Time     `json:"startedAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// SessionSummary is set once a session reaches a terminal status.
type SessionSummary struct {
	TotalBusinesses          int    `json:"totalBusinesses"`
	TotalTownsCompleted      int    `json:"totalTownsCompleted"`
	TotalIndustriesCompleted int    `json:"totalIndustriesCompleted"`
	ErrorCount               int    `json:"errorCount"`
	DurationMs               int64  `json:"durationMs"`
	Cause                    string `json:"cause,omitempty"`
}

// Session is the aggregate root for one scraping run.
type Session struct {
	ID      string         `json:"id"`
	UserID  string         `json:"userId"`
	Config  SessionConfig  `json:"config"`
	State   SessionState   `json:"state"`
	Summary SessionSummary `json:"summary,omitempty"`
	Version int            `json:"version"`
}

// BusinessRecord is one extracted, optionally enriched, listing.
type BusinessRecord struct {
	SessionID  string    `json:"sessionId"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Address    string    `json:"address,omitempty"`
	Town       string    `json:"town"`
	Industry   string    `json:"industry"`
	MapURL     string    `json:"mapUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DedupKey returns the (name-lowercased, phone-normalised) key used to
// collapse duplicates within a session.
func (b BusinessRecord) DedupKey() string {
	return lower(b.Name) + "|" + NormalizePhone(b.Phone)
}

// NormalizePhone canonicalises a raw phone number to a local 10-digit form:
// digits only, with a leading country code "27" (with or without a "+")
// rewritten to the local "0" prefix. Numbers that already start with "0"
// pass through unchanged once non-digits are stripped.
func NormalizePhone(raw string) string {
	var b []byte
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c >= '0' && c <= '9' {
			b = append(b, c)
		}
	}
	digits := string(b)

	switch {
	case strings.HasPrefix(digits, "27") && len(digits) == 11:
		return "0" + digits[2:]
	case strings.HasPrefix(digits, "0"):
		return digits
	default:
		return digits
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Checkpoint is the durable resume point for a session.
type Checkpoint struct {
	SessionID           string    `json:"sessionId"`
	CurrentIndustry     string    `json:"currentIndustry"`
	CurrentTown         string    `json:"currentTown"`
	ProcessedBusinesses int       `json:"processedBusinesses"`
	RetryQueueSnapshot  []byte    `json:"retryQueueSnapshot,omitempty"`
	BatchState          []byte    `json:"batchState,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// RetryItemType classifies the kind of work a RetryItem carries.
type RetryItemType string

const (
	RetryNavigation RetryItemType = "navigation"
	RetryLookup     RetryItemType = "lookup"
	RetryExtraction RetryItemType = "extraction"
)

// RetryItem is one piece of failed work awaiting re-dispatch.
type RetryItem struct {
	ID            int64         `json:"id"`
	SessionID     string        `json:"sessionId"`
	Type          RetryItemType `json:"type"`
	Payload       []byte        `json:"payload"`
	Attempts      int           `json:"attempts"`
	NextRetryTime time.Time     `json:"nextRetryTime"`
	Exhausted     bool          `json:"exhausted"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// CacheEntry is one resolved (or "Unknown") carrier for a normalised phone.
type CacheEntry struct {
	Phone     string        `json:"phone"`
	Carrier   string        `json:"carrier"`
	WrittenAt time.Time     `json:"writtenAt"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the entry is stale as of t.
func (c CacheEntry) Expired(t time.Time) bool {
	return !c.WrittenAt.Add(c.TTL).After(t)
}

// MetricType classifies a MetricRecord.
type MetricType string

const (
	MetricNavigation MetricType = "navigation"
	MetricExtraction MetricType = "extraction"
	MetricLookup     MetricType = "lookup"
	MetricMemory     MetricType = "memory"
)

// MetricRecord is an immutable observation emitted by a component.
type MetricRecord struct {
	SessionID string            `json:"sessionId"`
	Type      MetricType        `json:"type"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Success   bool              `json:"success"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// QueueEntryStatus is the lifecycle state of a QueueEntry.
type QueueEntryStatus string

const (
	QueueWaiting   QueueEntryStatus = "waiting"
	QueueActive    QueueEntryStatus = "active"
	QueueComplete  QueueEntryStatus = "complete"
	QueueCancelled QueueEntryStatus = "cancelled"
)

// QueueEntry is one user's admission request into the single-active-session
// discipline enforced by the Queue Manager.
type QueueEntry struct {
	SessionID  string           `json:"sessionId"`
	UserID     string           `json:"userId"`
	Position   int              `json:"position"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
	Status     QueueEntryStatus `json:"status"`
}
