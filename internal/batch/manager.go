// Package batch groups carrier-lookup requests into adaptive-sized,
// captcha-aware batches, one Page Driver per batch.
package batch

import (
	"math/rand"
	"sync"
	"time"
)

const (
	FloorSize   = 3
	CeilingSize = 5
	initialSize = 5

	growSuccessRate   = 0.8
	shrinkSuccessRate = 0.5

	interLookupDelay = 500 * time.Millisecond
	minInterBatch    = 2 * time.Second
	maxInterBatch    = 5 * time.Second

	maxCaptchaRestartsPerBatch = 3
)

// Manager adaptively sizes carrier-lookup batches: healthy batches grow the
// size toward the ceiling, degraded batches shrink it toward the floor.
type Manager struct {
	mu   sync.Mutex
	size int
}

// New creates a Manager with the spec's initial batch size of 5.
func New() *Manager {
	return &Manager{size: initialSize}
}

// Size returns the batch size to use for the next batch.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// RecordBatchOutcome adjusts the batch size, within [FloorSize, CeilingSize],
// based on the success rate of the just-completed batch.
func (m *Manager) RecordBatchOutcome(succeeded, total int) {
	if total == 0 {
		return
	}
	rate := float64(succeeded) / float64(total)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case rate < shrinkSuccessRate:
		if m.size > FloorSize {
			m.size--
		}
	case rate >= growSuccessRate:
		if m.size < CeilingSize {
			m.size++
		}
	}
}

// Chunks splits phones into batches no larger than the current size. The
// ceiling of 5 is a hard invariant enforced here regardless of the adaptive
// size, since adaptive size never exceeds CeilingSize by construction.
func (m *Manager) Chunks(phones []string) [][]string {
	size := m.Size()
	if size <= 0 || size > CeilingSize {
		size = CeilingSize
	}
	var chunks [][]string
	for i := 0; i < len(phones); i += size {
		end := i + size
		if end > len(phones) {
			end = len(phones)
		}
		chunks = append(chunks, phones[i:end])
	}
	return chunks
}

// InterLookupDelay is the fixed pacing delay between lookups within a batch.
func InterLookupDelay() time.Duration { return interLookupDelay }

// InterBatchDelay returns a random delay in [2s, 5s) applied between
// batches.
func InterBatchDelay() time.Duration {
	span := maxInterBatch - minInterBatch
	return minInterBatch + time.Duration(rand.Int63n(int64(span)))
}

// MaxCaptchaRestarts is the number of driver restarts permitted per batch
// before remaining items are pushed to the Retry Queue.
func MaxCaptchaRestarts() int { return maxCaptchaRestartsPerBatch }
