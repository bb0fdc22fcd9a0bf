package retryqueue

import (
	"testing"
	"time"

	"github.com/leadscout/scrapecore/internal/model"
)

type fakeStore struct {
	saved   map[int64]*model.RetryItem
	deleted map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[int64]*model.RetryItem), deleted: make(map[int64]bool)}
}

func (f *fakeStore) SaveRetryItem(item *model.RetryItem) error {
	cp := *item
	f.saved[item.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteRetryItem(id int64) error {
	f.deleted[id] = true
	delete(f.saved, id)
	return nil
}

func TestEnqueuePersistsAndSchedulesAfterBaseDelay(t *testing.T) {
	store := newFakeStore()
	q := New(store, 10*time.Millisecond, 3)

	item, err := q.Enqueue("sess-1", model.RetryNavigation, []byte("payload"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if item.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", item.Attempts)
	}
	if !item.NextRetryTime.After(time.Now()) {
		t.Errorf("NextRetryTime should be in the future")
	}
	if _, ok := store.saved[item.ID]; !ok {
		t.Errorf("expected item %d to be persisted", item.ID)
	}
	if q.Len("sess-1") != 1 {
		t.Errorf("Len = %d, want 1", q.Len("sess-1"))
	}
}

func TestDueItemsOnlyReturnsItemsPastDeadline(t *testing.T) {
	store := newFakeStore()
	q := New(store, time.Hour, 3)

	item, _ := q.Enqueue("sess-1", model.RetryNavigation, nil)
	if due := q.DueItems("sess-1", time.Now()); len(due) != 0 {
		t.Fatalf("expected no due items immediately after enqueue with 1h delay, got %d", len(due))
	}

	future := item.NextRetryTime.Add(time.Second)
	due := q.DueItems("sess-1", future)
	if len(due) != 1 || due[0].ID != item.ID {
		t.Fatalf("expected item %d due at %v, got %v", item.ID, future, due)
	}
}

// Property 10: retry item is excluded from DueItems once attempts reaches
// maxAttempts, with exponential backoff applied between each failed attempt.
func TestMarkFailedExhaustsAfterMaxAttempts(t *testing.T) {
	store := newFakeStore()
	q := New(store, time.Millisecond, 3)

	item, _ := q.Enqueue("sess-1", model.RetryNavigation, nil)

	for i := 0; i < 2; i++ {
		if err := q.MarkFailed(item.ID); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if item.Exhausted {
			t.Fatalf("item should not be exhausted after %d attempts", i+1)
		}
	}

	if err := q.MarkFailed(item.ID); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if !item.Exhausted {
		t.Fatalf("item should be exhausted after reaching maxAttempts=3")
	}
	if due := q.DueItems("sess-1", item.NextRetryTime.Add(time.Hour)); len(due) != 0 {
		t.Errorf("exhausted item should not appear in DueItems, got %d", len(due))
	}
}

func TestMarkSucceededRemovesItem(t *testing.T) {
	store := newFakeStore()
	q := New(store, time.Millisecond, 3)

	item, _ := q.Enqueue("sess-1", model.RetryNavigation, nil)
	if err := q.MarkSucceeded(item.ID); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	if q.Len("sess-1") != 0 {
		t.Errorf("Len = %d, want 0 after success", q.Len("sess-1"))
	}
	if !store.deleted[item.ID] {
		t.Errorf("expected item %d to be deleted from store", item.ID)
	}
}

func TestSnapshotReturnsIndependentCopyOfSessionItems(t *testing.T) {
	store := newFakeStore()
	q := New(store, time.Millisecond, 3)

	q.Enqueue("sess-1", model.RetryNavigation, nil)
	q.Enqueue("sess-1", model.RetryLookup, nil)

	snap := q.Snapshot("sess-1")
	if len(snap) != 2 {
		t.Fatalf("Snapshot length = %d, want 2", len(snap))
	}
}
