package mock

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/playtrack/backend/internal/relay"
	"github.com/playtrack/backend/internal/results"
	"github.com/playtrack/backend/internal/session"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeSubmitter struct {
	mu  sync.Mutex
	ins []relay.Inbound
}

func (f *fakeSubmitter) Submit(_ context.Context, in relay.Inbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ins = append(f.ins, in)
	return nil
}

func (f *fakeSubmitter) byType(typ string) []relay.Inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []relay.Inbound
	for _, in := range f.ins {
		if in.Type == typ {
			out = append(out, in)
		}
	}
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []results.Result
}

func (f *fakeRecorder) Record(_ context.Context, r results.Result) (results.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = int64(len(f.results) + 1)
	f.results = append(f.results, r)
	return r, nil
}

func newTestGenerator(sub Submitter, rec Recorder) *Generator {
	g := NewGenerator(sub, rec, quietLogger())
	g.rng = rand.New(rand.NewSource(1))
	g.tick = time.Hour
	return g
}

func decode(t *testing.T, in relay.Inbound) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(in.Payload, &m); err != nil {
		t.Fatalf("payload of %s is not an object: %v", in.Type, err)
	}
	return m
}

func TestStart_EmitsOneStartPerChild(t *testing.T) {
	sub := &fakeSubmitter{}
	g := newTestGenerator(sub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g.Start(ctx)

	starts := sub.byType(relay.MsgGameStart)
	if len(starts) != len(g.children) {
		t.Fatalf("Start emitted %d game:start, want %d", len(starts), len(g.children))
	}
	seen := map[float64]bool{}
	for _, in := range starts {
		if in.Conn != nil {
			t.Errorf("mock events should have no connection, got %v", in.Conn)
		}
		m := decode(t, in)
		id, _ := m["childId"].(float64)
		if id <= 0 || seen[id] {
			t.Errorf("bad or repeated childId %v", m["childId"])
		}
		seen[id] = true
		if _, ok := m["data"]; ok {
			t.Errorf("game:start should be flat, got nested data: %v", m)
		}
	}
}

func TestStep_ProgressUsesGameEventKinds(t *testing.T) {
	sub := &fakeSubmitter{}
	g := newTestGenerator(sub, nil)
	ctx := context.Background()
	for _, c := range g.children {
		g.begin(ctx, c)
	}

	for i := 0; i < 40; i++ {
		g.step(ctx)
	}

	want := map[string]string{
		string(session.ShapeMatchingGame): session.EventShapePlaced,
		string(session.MemoryGame):        session.EventCardFlipped,
		string(session.ColoringGame):      session.EventColorApplied,
		string(session.SoundToImageGame):  session.EventSoundMatched,
	}
	got := map[string]bool{}
	for _, in := range sub.byType(relay.MsgGameProgress) {
		m := decode(t, in)
		game, _ := m["gameType"].(string)
		event, _ := m["event"].(string)
		if want[game] != event {
			t.Errorf("%s progress used event %q, want %q", game, event, want[game])
		}
		if session.IsLifecycle(event) {
			t.Errorf("progress carried lifecycle kind %q", event)
		}
		if _, ok := m["data"].(map[string]any); !ok {
			t.Errorf("progress without data object: %v", m)
		}
		got[game] = true
	}
	for game := range want {
		if !got[game] {
			t.Errorf("no progress emitted for %s", game)
		}
	}
}

func TestStep_CompletesRecordsAndRestarts(t *testing.T) {
	sub := &fakeSubmitter{}
	rec := &fakeRecorder{}
	g := newTestGenerator(sub, rec)
	ctx := context.Background()
	for _, c := range g.children {
		g.begin(ctx, c)
	}

	for i := 0; i < 200; i++ {
		g.step(ctx)
	}

	completes := sub.byType(relay.MsgGameComplete)
	if len(completes) < len(g.children) {
		t.Fatalf("only %d games completed", len(completes))
	}
	if len(rec.results) != len(completes) {
		t.Errorf("recorded %d results for %d completions", len(rec.results), len(completes))
	}
	for _, r := range rec.results {
		if r.SuccessLevel < 0 || r.SuccessLevel > 100 {
			t.Errorf("successLevel %d out of range", r.SuccessLevel)
		}
		if r.ChildID <= 0 || r.ActivityID <= 0 {
			t.Errorf("result without ids: %+v", r)
		}
	}
	if starts := sub.byType(relay.MsgGameStart); len(starts) <= len(g.children) {
		t.Errorf("children never restarted after completing: %d starts", len(starts))
	}
}

func TestSuccessLevel(t *testing.T) {
	tests := []struct {
		correct, incorrect, want int
	}{
		{0, 0, 0},
		{10, 0, 100},
		{0, 4, 0},
		{7, 3, 70},
		{1, 2, 33},
	}
	for _, tt := range tests {
		if got := successLevel(tt.correct, tt.incorrect); got != tt.want {
			t.Errorf("successLevel(%d, %d) = %d, want %d", tt.correct, tt.incorrect, got, tt.want)
		}
	}
}

// The generator's events must be accepted by a real relay.
func TestEventsDriveRelay(t *testing.T) {
	store := session.NewMemoryStore()
	r := relay.New(store, relay.Config{}, relay.WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	g := newTestGenerator(r, nil)
	for _, c := range g.children {
		g.begin(ctx, c)
	}
	g.step(ctx)
	g.step(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Len() == len(g.children) && r.Stats().Dropped == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := store.Len(); got != len(g.children) {
		t.Fatalf("store has %d sessions, want %d", got, len(g.children))
	}
	if d := r.Stats().Dropped; d != 0 {
		t.Fatalf("relay dropped %d mock events", d)
	}

	for _, c := range g.children {
		s, ok, err := store.Get(ctx, c.childID)
		if err != nil || !ok {
			t.Fatalf("session %d missing: %v", c.childID, err)
		}
		if s.GameType != c.gameType {
			t.Errorf("child %d game = %s, want %s", c.childID, s.GameType, c.gameType)
		}
		if _, ok := s.Snapshot["level"]; !ok {
			t.Errorf("child %d lost start data: %v", c.childID, s.Snapshot)
		}
	}
}
