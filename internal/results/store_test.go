package results

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/playtrack/backend/internal/session"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(ctx, "mysql", "whatever"); err == nil {
		t.Fatal("Open(mysql) should fail")
	}
	if _, err := Open(ctx, DriverSQLite, "  "); err == nil {
		t.Fatal("Open with empty dsn should fail")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	for i := 0; i < 2; i++ {
		s, err := Open(ctx, DriverSQLite, path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		s.Close()
	}
}

func TestRecordValidation(t *testing.T) {
	s := openTestStore(t)
	valid := Result{ChildID: 1, ActivityID: 2, SuccessLevel: 50, DurationMinutes: 3}

	tests := []struct {
		name   string
		mutate func(*Result)
		ok     bool
	}{
		{"Valid", func(*Result) {}, true},
		{"ZeroSuccess", func(r *Result) { r.SuccessLevel = 0 }, true},
		{"FullSuccess", func(r *Result) { r.SuccessLevel = 100 }, true},
		{"ZeroDuration", func(r *Result) { r.DurationMinutes = 0 }, true},
		{"NoChild", func(r *Result) { r.ChildID = 0 }, false},
		{"NoActivity", func(r *Result) { r.ActivityID = -1 }, false},
		{"SuccessTooHigh", func(r *Result) { r.SuccessLevel = 101 }, false},
		{"SuccessNegative", func(r *Result) { r.SuccessLevel = -1 }, false},
		{"NegativeDuration", func(r *Result) { r.DurationMinutes = -0.5 }, false},
		{"NotesTooLong", func(r *Result) { r.Notes = string(make([]byte, maxNotesLen+1)) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			saved, err := s.Record(ctx, r)
			if tt.ok {
				if err != nil {
					t.Fatalf("Record: %v", err)
				}
				if saved.ID == 0 {
					t.Error("saved result has no id")
				}
				return
			}
			if !errors.Is(err, ErrInvalidResult) {
				t.Errorf("Record error = %v, want ErrInvalidResult", err)
			}
		})
	}
}

func TestRecordSetsCompletedAt(t *testing.T) {
	s := openTestStore(t)
	fixed := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	saved, err := s.Record(ctx, Result{ChildID: 1, ActivityID: 1, SuccessLevel: 10, Notes: "  tired today  "})
	if err != nil {
		t.Fatal(err)
	}
	if !saved.CompletedAt.Equal(fixed) {
		t.Errorf("CompletedAt = %v, want %v", saved.CompletedAt, fixed)
	}
	if saved.Notes != "tired today" {
		t.Errorf("Notes = %q, want trimmed", saved.Notes)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.Record(ctx, Result{
			ChildID:      7,
			ActivityID:   int64(i + 1),
			GameType:     session.MemoryGame,
			SuccessLevel: i * 10,
			CompletedAt:  base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	s.Record(ctx, Result{ChildID: 8, ActivityID: 1, SuccessLevel: 1})

	got, err := s.Recent(ctx, 7, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ActivityID != 5 || got[2].ActivityID != 3 {
		t.Errorf("order = %d,%d,%d, want 5,4,3", got[0].ActivityID, got[1].ActivityID, got[2].ActivityID)
	}
	if got[0].GameType != session.MemoryGame {
		t.Errorf("GameType = %q", got[0].GameType)
	}
	if !got[0].CompletedAt.Equal(base.Add(4 * time.Hour)) {
		t.Errorf("CompletedAt = %v", got[0].CompletedAt)
	}

	none, err := s.Recent(ctx, 99, 10)
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("Recent(unknown) = %v, %v; want empty slice", none, err)
	}
}

func TestChildStats(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	records := []Result{
		{ChildID: 3, ActivityID: 10, GameType: session.ShapeMatchingGame, SuccessLevel: 60, DurationMinutes: 5, CompletedAt: base},
		{ChildID: 3, ActivityID: 10, GameType: session.ShapeMatchingGame, SuccessLevel: 90, DurationMinutes: 4.5, CompletedAt: base.Add(time.Hour)},
		{ChildID: 3, ActivityID: 20, GameType: session.ColoringGame, SuccessLevel: 100, DurationMinutes: 12, CompletedAt: base.Add(2 * time.Hour)},
		{ChildID: 4, ActivityID: 10, SuccessLevel: 5, DurationMinutes: 1, CompletedAt: base},
	}
	for _, r := range records {
		if _, err := s.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.ChildStats(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ChildID != 3 || stats.TotalPlays != 3 || stats.TotalMinutes != 21.5 {
		t.Errorf("summary = %+v", stats)
	}
	if len(stats.Activities) != 2 {
		t.Fatalf("activities = %d, want 2", len(stats.Activities))
	}
	shape := stats.Activities[0]
	if shape.ActivityID != 10 || shape.Plays != 2 || shape.BestSuccess != 90 {
		t.Errorf("activity 10 = %+v", shape)
	}
	if math.Abs(shape.AvgSuccessLevel-75) > 1e-9 {
		t.Errorf("avg = %v, want 75", shape.AvgSuccessLevel)
	}
	if shape.TotalMinutes != 9.5 || !shape.LastPlayed.Equal(base.Add(time.Hour)) {
		t.Errorf("minutes/last = %v/%v", shape.TotalMinutes, shape.LastPlayed)
	}
	if shape.GameType != session.ShapeMatchingGame {
		t.Errorf("GameType = %q", shape.GameType)
	}
}

func TestChildStatsEmpty(t *testing.T) {
	s := openTestStore(t)
	stats, err := s.ChildStats(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalPlays != 0 || stats.Activities == nil || len(stats.Activities) != 0 {
		t.Errorf("empty stats = %+v", stats)
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ? LIMIT ?"); got != "a = $1 AND b = $2 LIMIT $3" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &Store{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}
