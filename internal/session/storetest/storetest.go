// Package storetest is a conformance suite every session.Store
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/playtrack/backend/internal/session"
)

// StoreFactory creates a new, empty Store for one subtest.
type StoreFactory func(t *testing.T) session.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("UpsertStart_CreatesSession", func(t *testing.T) { testUpsertStartCreates(t, factory) })
	t.Run("UpsertStart_ReplacesWithoutMerge", func(t *testing.T) { testUpsertStartReplaces(t, factory) })
	t.Run("MergeProgress_LastWriteWinsPerKey", func(t *testing.T) { testMergeLastWriteWins(t, factory) })
	t.Run("MergeProgress_SynthesizesMissing", func(t *testing.T) { testMergeSynthesizes(t, factory) })
	t.Run("Remove_DeletesOnlyThatChild", func(t *testing.T) { testRemove(t, factory) })
	t.Run("Remove_MissingIsNoop", func(t *testing.T) { testRemoveMissing(t, factory) })
	t.Run("List_OrderedByChild", func(t *testing.T) { testList(t, factory) })
	t.Run("EvictIdle_RespectsCutoff", func(t *testing.T) { testEvictIdle(t, factory) })
}

func testUpsertStartCreates(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.UpsertStart(ctx, 5, 1, session.ShapeMatchingGame, session.Data{"level": 1.0}); err != nil {
		t.Fatalf("UpsertStart: %v", err)
	}
	st, ok, err := s.Get(ctx, 5)
	if err != nil || !ok {
		t.Fatalf("Get after start: ok=%v err=%v", ok, err)
	}
	if st.ActivityID != 1 || st.GameType != session.ShapeMatchingGame {
		t.Errorf("identity = %d/%s, want 1/shape_matching", st.ActivityID, st.GameType)
	}
	if st.Snapshot["level"] != 1.0 {
		t.Errorf("level = %v, want 1", st.Snapshot["level"])
	}
	if st.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}
}

func testUpsertStartReplaces(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	s.UpsertStart(ctx, 3, 1, session.ShapeMatchingGame, session.Data{"level": 1.0})
	s.MergeProgress(ctx, 3, 1, session.ShapeMatchingGame, session.Data{"score": 5.0})
	s.UpsertStart(ctx, 3, 2, session.ColoringGame, session.Data{"picture": "house"})

	st, ok, err := s.Get(ctx, 3)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if st.GameType != session.ColoringGame {
		t.Errorf("GameType = %s, want coloring", st.GameType)
	}
	if len(st.Snapshot) != 1 || st.Snapshot["picture"] != "house" {
		t.Errorf("snapshot = %v, want only picture=house", st.Snapshot)
	}
}

func testMergeLastWriteWins(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	s.UpsertStart(ctx, 7, 1, session.MemoryGame, session.Data{"score": 0.0})
	s.MergeProgress(ctx, 7, 1, session.MemoryGame, session.Data{"score": 10.0})
	got, err := s.MergeProgress(ctx, 7, 1, session.MemoryGame, session.Data{"level": 2.0})
	if err != nil {
		t.Fatalf("MergeProgress: %v", err)
	}
	if got.Snapshot["score"] != 10.0 || got.Snapshot["level"] != 2.0 || len(got.Snapshot) != 2 {
		t.Errorf("returned snapshot = %v, want {score:10 level:2}", got.Snapshot)
	}
	if got.LastUpdate.Before(got.StartedAt) {
		t.Error("LastUpdate before StartedAt")
	}

	stored, _, _ := s.Get(ctx, 7)
	if stored.Snapshot["score"] != 10.0 || stored.Snapshot["level"] != 2.0 {
		t.Errorf("stored snapshot = %v, want {score:10 level:2}", stored.Snapshot)
	}
}

func testMergeSynthesizes(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	got, err := s.MergeProgress(ctx, 12, 3, session.SoundToImageGame, session.Data{"score": 4.0})
	if err != nil {
		t.Fatalf("MergeProgress: %v", err)
	}
	if !got.Synthesized {
		t.Error("session created by progress should be synthesized")
	}
	st, ok, _ := s.Get(ctx, 12)
	if !ok || st.Snapshot["score"] != 4.0 {
		t.Errorf("stored = %+v, want score 4", st)
	}
}

func testRemove(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	s.UpsertStart(ctx, 9, 1, session.MemoryGame, nil)
	s.UpsertStart(ctx, 10, 1, session.MemoryGame, nil)
	if err := s.Remove(ctx, 9); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := s.Get(ctx, 9); ok {
		t.Error("session 9 still present after Remove")
	}
	if _, ok, _ := s.Get(ctx, 10); !ok {
		t.Error("Remove(9) removed session 10")
	}
}

func testRemoveMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if err := s.Remove(context.Background(), 404); err != nil {
		t.Errorf("Remove of missing child: %v", err)
	}
}

func testList(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	for _, id := range []int64{30, 10, 20} {
		s.UpsertStart(ctx, id, 1, session.MemoryGame, nil)
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d sessions, want 3", len(all))
	}
	for i, want := range []int64{10, 20, 30} {
		if all[i].ChildID != want {
			t.Errorf("List[%d] = %d, want %d", i, all[i].ChildID, want)
		}
	}
}

func testEvictIdle(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	s.UpsertStart(ctx, 1, 1, session.MemoryGame, nil)
	s.UpsertStart(ctx, 2, 1, session.MemoryGame, nil)

	none, err := s.EvictIdle(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("EvictIdle(past): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("EvictIdle with a past cutoff evicted %d sessions", len(none))
	}

	all, err := s.EvictIdle(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("EvictIdle(future): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("EvictIdle with a future cutoff evicted %d sessions, want 2", len(all))
	}
	if left, _ := s.List(ctx); len(left) != 0 {
		t.Errorf("%d sessions left after eviction", len(left))
	}
}
