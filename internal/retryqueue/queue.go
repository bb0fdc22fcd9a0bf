// Package retryqueue implements the durable FIFO-with-deadline queue of
// failed work items awaiting re-dispatch.
package retryqueue

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/leadscout/scrapecore/internal/model"
)

const defaultMaxAttempts = 3

// itemHeap orders RetryItems by nextRetryTime, earliest first.
type itemHeap []*model.RetryItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	return h[i].NextRetryTime.Before(h[j].NextRetryTime)
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*model.RetryItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Store is the persistence boundary the Queue writes through synchronously
// before acknowledging the caller, per the durability contract in §4.4.
type Store interface {
	SaveRetryItem(item *model.RetryItem) error
	DeleteRetryItem(id int64) error
}

// Queue is a durable, per-session FIFO-with-deadline retry queue.
type Queue struct {
	mu         sync.Mutex
	items      map[string]*itemHeap // sessionID -> heap
	byID       map[int64]*model.RetryItem
	nextID     int64
	baseDelay  time.Duration
	maxAttempt int
	store      Store
}

// New creates a Queue. baseDelay defaults to 2s, maxAttempts to 3, matching
// the Navigation Manager's own retry defaults.
func New(store Store, baseDelay time.Duration, maxAttempts int) *Queue {
	if baseDelay == 0 {
		baseDelay = 2 * time.Second
	}
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Queue{
		items:      make(map[string]*itemHeap),
		byID:       make(map[int64]*model.RetryItem),
		baseDelay:  baseDelay,
		maxAttempt: maxAttempts,
		store:      store,
	}
}

// Enqueue stores a new item with attempts=0, nextRetryTime=now+baseDelay.
func (q *Queue) Enqueue(sessionID string, typ model.RetryItemType, payload []byte) (*model.RetryItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	now := time.Now()
	item := &model.RetryItem{
		ID:            q.nextID,
		SessionID:     sessionID,
		Type:          typ,
		Payload:       payload,
		Attempts:      0,
		NextRetryTime: now.Add(q.baseDelay),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if q.store != nil {
		if err := q.store.SaveRetryItem(item); err != nil {
			return nil, err
		}
	}

	h, ok := q.items[sessionID]
	if !ok {
		h = &itemHeap{}
		heap.Init(h)
		q.items[sessionID] = h
	}
	heap.Push(h, item)
	q.byID[item.ID] = item
	return item, nil
}

// DueItems returns items for sessionID whose nextRetryTime <= now and which
// are not exhausted, ordered by nextRetryTime.
func (q *Queue) DueItems(sessionID string, now time.Time) []*model.RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.items[sessionID]
	if !ok {
		return nil
	}

	var due []*model.RetryItem
	for _, item := range *h {
		if !item.Exhausted && !item.NextRetryTime.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryTime.Before(due[j].NextRetryTime) })
	return due
}

// MarkFailed increments attempts and reschedules with exponential backoff;
// once attempts reaches maxAttempts the item is marked exhausted and
// excluded from DueItems, but it is not removed.
func (q *Queue) MarkFailed(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok {
		return nil
	}
	item.Attempts++
	item.UpdatedAt = time.Now()
	if item.Attempts >= q.maxAttempt {
		item.Exhausted = true
	} else {
		item.NextRetryTime = item.UpdatedAt.Add(q.baseDelay * time.Duration(1<<uint(item.Attempts-1)))
	}

	if q.store != nil {
		return q.store.SaveRetryItem(item)
	}
	return nil
}

// MarkSucceeded removes the item from the queue.
func (q *Queue) MarkSucceeded(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok {
		return nil
	}
	delete(q.byID, id)

	if h, ok := q.items[item.SessionID]; ok {
		for i, it := range *h {
			if it.ID == id {
				heap.Remove(h, i)
				break
			}
		}
	}

	if q.store != nil {
		return q.store.DeleteRetryItem(id)
	}
	return nil
}

// Len returns the number of non-exhausted items for a session.
func (q *Queue) Len(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.items[sessionID]
	if !ok {
		return 0
	}
	n := 0
	for _, item := range *h {
		if !item.Exhausted {
			n++
		}
	}
	return n
}

// Snapshot serialises the current session's retry items for checkpointing.
func (q *Queue) Snapshot(sessionID string) []*model.RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.items[sessionID]
	if !ok {
		return nil
	}
	out := make([]*model.RetryItem, len(*h))
	copy(out, *h)
	return out
}
