package queuemanager

import (
	"context"
	"testing"

	"github.com/leadscout/scrapecore/internal/eventbus"
	"github.com/leadscout/scrapecore/internal/model"
)

type fakeStore struct {
	entries map[string]model.QueueEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]model.QueueEntry)}
}

func (f *fakeStore) UpsertQueueEntry(ctx context.Context, entry model.QueueEntry) error {
	f.entries[entry.SessionID] = entry
	return nil
}

func (f *fakeStore) ListWaitingQueueEntries(ctx context.Context) ([]model.QueueEntry, error) {
	var out []model.QueueEntry
	for _, e := range f.entries {
		if e.Status == model.QueueWaiting {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteQueueEntry(ctx context.Context, sessionID string) error {
	delete(f.entries, sessionID)
	return nil
}

// Property 5: at most one session is Active at a time; admission of a second
// session while one is Active must enqueue it rather than admit it.
func TestAdmitEnforcesSingleActiveSession(t *testing.T) {
	m := New(newFakeStore(), eventbus.New())
	ctx := context.Background()

	admitted, pos, err := m.Admit(ctx, "sess-1", "user-1")
	if err != nil || !admitted {
		t.Fatalf("first Admit: admitted=%v err=%v, want true/nil", admitted, err)
	}
	if pos != 0 {
		t.Errorf("first admitted session position = %d, want 0", pos)
	}

	admitted, pos, err = m.Admit(ctx, "sess-2", "user-2")
	if err != nil || admitted {
		t.Fatalf("second Admit: admitted=%v err=%v, want false/nil", admitted, err)
	}
	if pos != 1 {
		t.Errorf("second session position = %d, want 1", pos)
	}
}

// Property 6: waiting positions stay contiguous and 1-based after a
// cancellation removes an entry from the middle of the list.
func TestCancelCompactsPositions(t *testing.T) {
	m := New(newFakeStore(), eventbus.New())
	ctx := context.Background()

	m.Admit(ctx, "sess-active", "u0")
	m.Admit(ctx, "sess-a", "u1")
	m.Admit(ctx, "sess-b", "u2")
	m.Admit(ctx, "sess-c", "u3")

	if err := m.Cancel(ctx, "sess-b"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	posA, _, _ := m.Position("sess-a")
	posC, _, _ := m.Position("sess-c")
	if posA != 1 {
		t.Errorf("sess-a position = %d, want 1", posA)
	}
	if posC != 2 {
		t.Errorf("sess-c position = %d, want 2 after compaction", posC)
	}
}

func TestCompletePromotesHeadOfWaitingList(t *testing.T) {
	m := New(newFakeStore(), eventbus.New())
	ctx := context.Background()

	m.Admit(ctx, "sess-active", "u0")
	m.Admit(ctx, "sess-a", "u1")
	m.Admit(ctx, "sess-b", "u2")

	promoted, err := m.Complete(ctx, "sess-active")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if promoted == nil || promoted.SessionID != "sess-a" {
		t.Fatalf("promoted = %+v, want sess-a", promoted)
	}

	_, active, found := m.Position("sess-a")
	if !found || !active {
		t.Errorf("sess-a should now be active")
	}
	posB, _, _ := m.Position("sess-b")
	if posB != 1 {
		t.Errorf("sess-b position = %d, want 1 after promotion", posB)
	}
}

func TestCompleteWithEmptyWaitingListReturnsNil(t *testing.T) {
	m := New(newFakeStore(), eventbus.New())
	ctx := context.Background()
	m.Admit(ctx, "sess-active", "u0")

	promoted, err := m.Complete(ctx, "sess-active")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if promoted != nil {
		t.Errorf("expected no promotion with empty waiting list, got %+v", promoted)
	}
}
