package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

var ctx = context.Background()

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixedClock returns a clock that reports t and a function to move it.
func fixedClock(t time.Time) (func() time.Time, func(time.Duration)) {
	c := &testClock{now: t}
	return c.Now, c.Advance
}

func TestNewMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	if s == nil {
		t.Fatal("NewMemoryStore() returned nil")
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("new store has %d sessions, want 0", len(all))
	}
}

func TestGetMissing(t *testing.T) {
	s := NewMemoryStore()
	st, ok, err := s.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Error("Get for missing child returned ok=true")
	}
	if st != nil {
		t.Error("Get for missing child returned non-nil session")
	}
}

func TestUpsertStartAndGet(t *testing.T) {
	s := NewMemoryStore()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock, _ := fixedClock(start)
	s.SetClock(clock)

	if _, err := s.UpsertStart(ctx, 5, 1, ShapeMatchingGame, Data{"level": 1.0}); err != nil {
		t.Fatalf("UpsertStart() error: %v", err)
	}

	st, ok, _ := s.Get(ctx, 5)
	if !ok {
		t.Fatal("Get returned ok=false after UpsertStart")
	}
	if st.ChildID != 5 || st.ActivityID != 1 || st.GameType != ShapeMatchingGame {
		t.Errorf("unexpected session: %+v", st)
	}
	if st.Snapshot["level"] != 1.0 {
		t.Errorf("snapshot level = %v, want 1", st.Snapshot["level"])
	}
	if !st.StartedAt.Equal(start) || !st.LastUpdate.Equal(start) {
		t.Errorf("timestamps = %v/%v, want %v", st.StartedAt, st.LastUpdate, start)
	}
	if st.Synthesized {
		t.Error("started session should not be marked synthesized")
	}
}

// Two starts for the same child: only the second survives, nothing merges.
func TestUpsertStartReplacesPrevious(t *testing.T) {
	s := NewMemoryStore()
	s.UpsertStart(ctx, 3, 1, ShapeMatchingGame, Data{"level": 1.0, "targetShape": "circle"})
	s.MergeProgress(ctx, 3, 1, ShapeMatchingGame, Data{"score": 40.0})
	s.UpsertStart(ctx, 3, 2, MemoryGame, Data{"pairsFound": 0.0})

	st, ok, _ := s.Get(ctx, 3)
	if !ok {
		t.Fatal("session missing after second start")
	}
	if st.GameType != MemoryGame || st.ActivityID != 2 {
		t.Errorf("session = %s/%d, want memory/2", st.GameType, st.ActivityID)
	}
	for _, key := range []string{"level", "targetShape", "score"} {
		if _, ok := st.Snapshot[key]; ok {
			t.Errorf("key %q leaked from the replaced session", key)
		}
	}
	if len(st.Snapshot) != 1 {
		t.Errorf("snapshot = %v, want only pairsFound", st.Snapshot)
	}
}

func TestMergeProgressKeepsUnmentionedKeys(t *testing.T) {
	s := NewMemoryStore()
	s.UpsertStart(ctx, 7, 1, ColoringGame, Data{"score": 0.0})
	s.MergeProgress(ctx, 7, 1, ColoringGame, Data{"score": 10.0})
	got, err := s.MergeProgress(ctx, 7, 1, ColoringGame, Data{"level": 2.0})
	if err != nil {
		t.Fatalf("MergeProgress() error: %v", err)
	}

	want := Data{"score": 10.0, "level": 2.0}
	if len(got.Snapshot) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got.Snapshot, want)
	}
	for k, v := range want {
		if got.Snapshot[k] != v {
			t.Errorf("snapshot[%q] = %v, want %v", k, got.Snapshot[k], v)
		}
	}
}

func TestMergeProgressUpdatesLastUpdate(t *testing.T) {
	s := NewMemoryStore()
	clock, advance := fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	s.SetClock(clock)

	started, _ := s.UpsertStart(ctx, 1, 1, MemoryGame, nil)
	advance(30 * time.Second)
	merged, _ := s.MergeProgress(ctx, 1, 1, MemoryGame, Data{"moves": 3.0})

	if !merged.StartedAt.Equal(started.StartedAt) {
		t.Errorf("StartedAt moved from %v to %v", started.StartedAt, merged.StartedAt)
	}
	if got := merged.LastUpdate.Sub(started.LastUpdate); got != 30*time.Second {
		t.Errorf("LastUpdate advanced by %v, want 30s", got)
	}
}

func TestMergeProgressSynthesizesMissingSession(t *testing.T) {
	s := NewMemoryStore()
	got, err := s.MergeProgress(ctx, 11, 4, SoundToImageGame, Data{"score": 5.0})
	if err != nil {
		t.Fatalf("MergeProgress() error: %v", err)
	}
	if !got.Synthesized {
		t.Error("session created by progress should be marked synthesized")
	}
	if got.ActivityID != 4 || got.GameType != SoundToImageGame {
		t.Errorf("synthesized session = %d/%s, want 4/sound_to_image", got.ActivityID, got.GameType)
	}

	st, ok, _ := s.Get(ctx, 11)
	if !ok || st.Snapshot["score"] != 5.0 {
		t.Errorf("stored session = %+v, want score 5", st)
	}
}

func TestMergeProgressFillsMissingIdentity(t *testing.T) {
	s := NewMemoryStore()
	s.MergeProgress(ctx, 2, 0, "", Data{"score": 1.0})
	got, _ := s.MergeProgress(ctx, 2, 9, MemoryGame, Data{"score": 2.0})
	if got.ActivityID != 9 || got.GameType != MemoryGame {
		t.Errorf("identity = %d/%s, want 9/memory", got.ActivityID, got.GameType)
	}
}

func TestRemove(t *testing.T) {
	s := NewMemoryStore()
	s.UpsertStart(ctx, 9, 1, MemoryGame, nil)
	s.UpsertStart(ctx, 10, 1, MemoryGame, nil)

	if err := s.Remove(ctx, 9); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}

	if _, ok, _ := s.Get(ctx, 9); ok {
		t.Error("Get returned ok=true after Remove")
	}
	if _, ok, _ := s.Get(ctx, 10); !ok {
		t.Error("Remove of 9 also removed 10")
	}
}

func TestRemoveNonexistent(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Remove(ctx, 1234); err != nil {
		t.Errorf("Remove of missing child returned %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	s.UpsertStart(ctx, 1, 1, MemoryGame, Data{
		"cards": []any{map[string]any{"id": "a", "flipped": false}},
	})

	got, _, _ := s.Get(ctx, 1)
	got.Snapshot["score"] = 99.0
	got.Snapshot["cards"].([]any)[0].(map[string]any)["flipped"] = true

	again, _, _ := s.Get(ctx, 1)
	if _, ok := again.Snapshot["score"]; ok {
		t.Error("Get did not return a copy; key added to snapshot leaked into store")
	}
	card := again.Snapshot["cards"].([]any)[0].(map[string]any)
	if card["flipped"] != false {
		t.Error("Get did not deep-copy nested snapshot values")
	}
}

func TestUpsertStartCopiesInput(t *testing.T) {
	s := NewMemoryStore()
	initial := Data{"level": 1.0}
	s.UpsertStart(ctx, 1, 1, MemoryGame, initial)

	initial["level"] = 5.0

	got, _, _ := s.Get(ctx, 1)
	if got.Snapshot["level"] != 1.0 {
		t.Error("UpsertStart did not copy input; external mutation leaked into store")
	}
}

func TestListOrderedByChild(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []int64{30, 10, 20} {
		s.UpsertStart(ctx, id, 1, MemoryGame, nil)
	}

	all, _ := s.List(ctx)
	if len(all) != 3 {
		t.Fatalf("List() returned %d sessions, want 3", len(all))
	}
	for i, want := range []int64{10, 20, 30} {
		if all[i].ChildID != want {
			t.Errorf("List()[%d].ChildID = %d, want %d", i, all[i].ChildID, want)
		}
	}
}

func TestEvictIdle(t *testing.T) {
	s := NewMemoryStore()
	clock, advance := fixedClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	s.SetClock(clock)

	s.UpsertStart(ctx, 1, 1, MemoryGame, nil)
	s.UpsertStart(ctx, 2, 1, MemoryGame, nil)
	advance(10 * time.Minute)
	s.MergeProgress(ctx, 2, 1, MemoryGame, Data{"moves": 1.0})

	evicted, err := s.EvictIdle(ctx, clock().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("EvictIdle() error: %v", err)
	}
	if len(evicted) != 1 || evicted[0].ChildID != 1 {
		t.Fatalf("evicted = %+v, want only child 1", evicted)
	}
	if _, ok, _ := s.Get(ctx, 1); ok {
		t.Error("evicted session still present")
	}
	if _, ok, _ := s.Get(ctx, 2); !ok {
		t.Error("recently updated session was evicted")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	const goroutines = 50

	for i := 0; i < goroutines; i++ {
		wg.Add(3)
		id := int64(i + 1)

		go func() {
			defer wg.Done()
			s.UpsertStart(ctx, id, 1, MemoryGame, Data{"score": 0.0})
			s.MergeProgress(ctx, id, 1, MemoryGame, Data{fmt.Sprintf("k%d", id): 1.0})
		}()

		go func() {
			defer wg.Done()
			s.Get(ctx, id)
			s.List(ctx)
		}()

		go func() {
			defer wg.Done()
			s.Remove(ctx, id)
		}()
	}

	wg.Wait()
}

func TestRoomName(t *testing.T) {
	if got := RoomName(5); got != "child:5" {
		t.Errorf("RoomName(5) = %q, want %q", got, "child:5")
	}
	st := &Session{ChildID: 12}
	if got := st.Room(); got != "child:12" {
		t.Errorf("Room() = %q, want %q", got, "child:12")
	}
}
