// Package mock plays scripted games for a handful of fake children so the
// dashboard has something to show without a real game client.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/playtrack/backend/internal/relay"
	"github.com/playtrack/backend/internal/results"
	"github.com/playtrack/backend/internal/session"
)

const defaultTick = 500 * time.Millisecond

// Submitter is the part of the relay the generator drives.
type Submitter interface {
	Submit(ctx context.Context, in relay.Inbound) error
}

// Recorder persists a finished game. results.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, r results.Result) (results.Result, error)
}

type mockChild struct {
	childID    int64
	activityID int64
	gameType   session.GameType
	pattern    string // "quick", "steady" or "struggling"
	length     int    // moves per game
	restTicks  int    // idle ticks between games

	playing   bool
	move      int
	rest      int
	startedAt time.Time

	score     float64
	correct   int
	incorrect int

	shapes  []session.Shape
	cards   []session.Card
	regions map[string]string
}

var (
	shapeKinds    = []string{"circle", "square", "triangle", "star", "heart"}
	cardFaces     = []string{"cat", "dog", "sun", "tree", "car", "fish"}
	paletteColors = []string{"red", "blue", "yellow", "green", "purple", "orange"}
	pictureParts  = []string{"sky", "house", "roof", "door", "grass", "sun"}
	animalSounds  = []string{"cow", "duck", "lion", "frog", "sheep", "owl"}
)

type Generator struct {
	relay    Submitter
	recorder Recorder
	log      logrus.FieldLogger
	tick     time.Duration
	rng      *rand.Rand
	children []*mockChild
}

// NewGenerator builds a generator. recorder may be nil, in which case
// finished games are only relayed.
func NewGenerator(r Submitter, recorder Recorder, log logrus.FieldLogger) *Generator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Generator{
		relay:    r,
		recorder: recorder,
		log:      log.WithField("component", "mock"),
		tick:     defaultTick,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		children: defaultChildren(),
	}
}

func defaultChildren() []*mockChild {
	return []*mockChild{
		{childID: 101, activityID: 1, gameType: session.ShapeMatchingGame, pattern: "steady", length: 10, restTicks: 6},
		{childID: 102, activityID: 2, gameType: session.MemoryGame, pattern: "quick", length: 12, restTicks: 4},
		{childID: 103, activityID: 3, gameType: session.ColoringGame, pattern: "steady", length: 8, restTicks: 8},
		{childID: 104, activityID: 4, gameType: session.SoundToImageGame, pattern: "struggling", length: 10, restTicks: 10},
	}
}

// Start begins the first game for every child and keeps playing on a
// ticker until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	g.log.WithField("children", len(g.children)).Info("mock generator started")
	for _, c := range g.children {
		g.begin(ctx, c)
	}
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.step(ctx)
		}
	}
}

// step advances every child by one tick.
func (g *Generator) step(ctx context.Context) {
	for _, c := range g.children {
		if ctx.Err() != nil {
			return
		}
		if !c.playing {
			c.rest--
			if c.rest <= 0 {
				g.begin(ctx, c)
			}
			continue
		}
		if g.skipTick(c) {
			continue
		}
		g.advance(ctx, c)
		if c.move >= c.length {
			g.finish(ctx, c)
		}
	}
}

// skipTick makes slower patterns pause between moves.
func (g *Generator) skipTick(c *mockChild) bool {
	switch c.pattern {
	case "quick":
		return false
	case "struggling":
		return g.rng.Intn(2) == 0
	default:
		return g.rng.Intn(4) == 0
	}
}

func (g *Generator) begin(ctx context.Context, c *mockChild) {
	c.playing = true
	c.move = 0
	c.score = 0
	c.correct = 0
	c.incorrect = 0
	c.startedAt = time.Now()

	payload := map[string]any{
		"childId":    c.childID,
		"activityId": c.activityID,
		"gameType":   c.gameType,
		"level":      1,
	}
	switch c.gameType {
	case session.ShapeMatchingGame:
		c.shapes = make([]session.Shape, c.length)
		for i := range c.shapes {
			c.shapes[i] = session.Shape{
				ID:    fmt.Sprintf("shape-%d", i+1),
				Kind:  shapeKinds[i%len(shapeKinds)],
				Color: paletteColors[i%len(paletteColors)],
			}
		}
		payload["shapes"] = c.shapes
		payload["targetShape"] = c.shapes[0].Kind
	case session.MemoryGame:
		c.cards = make([]session.Card, 0, 2*len(cardFaces))
		for i, face := range cardFaces {
			c.cards = append(c.cards,
				session.Card{ID: fmt.Sprintf("card-%d", 2*i+1), Face: face},
				session.Card{ID: fmt.Sprintf("card-%d", 2*i+2), Face: face},
			)
		}
		payload["cards"] = c.cards
		payload["pairsFound"] = 0
	case session.ColoringGame:
		c.regions = map[string]string{}
		payload["picture"] = "house"
		payload["regions"] = c.regions
	case session.SoundToImageGame:
		payload["options"] = animalSounds[:4]
	}

	g.submit(ctx, relay.MsgGameStart, payload)
}

func (g *Generator) advance(ctx context.Context, c *mockChild) {
	c.move++
	success := g.succeeds(c)
	if success {
		c.correct++
		c.score += 10
	} else {
		c.incorrect++
	}

	data := map[string]any{
		"score":          c.score,
		"moves":          c.move,
		"correctCount":   c.correct,
		"incorrectCount": c.incorrect,
	}
	var event string
	switch c.gameType {
	case session.ShapeMatchingGame:
		event = session.EventShapePlaced
		idx := (c.move - 1) % len(c.shapes)
		if success {
			c.shapes[idx].Placed = true
			c.shapes[idx].X = float64(40 * idx)
			c.shapes[idx].Y = float64(20 * (idx % 3))
		}
		data["shapes"] = c.shapes
		data["targetShape"] = c.shapes[c.move%len(c.shapes)].Kind
	case session.MemoryGame:
		event = session.EventCardFlipped
		pair := (c.move - 1) % len(cardFaces)
		first, second := c.cards[2*pair].ID, c.cards[2*pair+1].ID
		if success {
			c.cards[2*pair].Matched = true
			c.cards[2*pair+1].Matched = true
		}
		data["cards"] = c.cards
		data["flippedCards"] = []string{first, second}
		data["pairsFound"] = c.correct
	case session.ColoringGame:
		event = session.EventColorApplied
		color := paletteColors[g.rng.Intn(len(paletteColors))]
		c.regions[pictureParts[(c.move-1)%len(pictureParts)]] = color
		data["selectedColor"] = color
		data["regions"] = c.regions
	case session.SoundToImageGame:
		event = session.EventSoundMatched
		sound := animalSounds[(c.move-1)%len(animalSounds)]
		answer := sound
		if !success {
			answer = animalSounds[(c.move)%len(animalSounds)]
		}
		data["currentSound"] = sound
		data["lastAnswer"] = answer
	default:
		event = session.EventProgress
	}

	g.submit(ctx, relay.MsgGameProgress, map[string]any{
		"childId":    c.childID,
		"activityId": c.activityID,
		"gameType":   c.gameType,
		"event":      event,
		"data":       data,
		"timestamp":  time.Now().UnixMilli(),
	})
}

func (g *Generator) succeeds(c *mockChild) bool {
	switch c.pattern {
	case "quick":
		return g.rng.Intn(10) < 9
	case "struggling":
		return g.rng.Intn(10) < 5
	default:
		return g.rng.Intn(10) < 7
	}
}

func (g *Generator) finish(ctx context.Context, c *mockChild) {
	c.playing = false
	c.rest = c.restTicks

	g.submit(ctx, relay.MsgGameComplete, map[string]any{
		"childId":    c.childID,
		"activityId": c.activityID,
		"gameType":   c.gameType,
		"data": map[string]any{
			"score":          c.score,
			"moves":          c.move,
			"correctCount":   c.correct,
			"incorrectCount": c.incorrect,
		},
		"timestamp": time.Now().UnixMilli(),
	})

	if g.recorder == nil {
		return
	}
	res, err := g.recorder.Record(ctx, results.Result{
		ChildID:         c.childID,
		ActivityID:      c.activityID,
		GameType:        c.gameType,
		SuccessLevel:    successLevel(c.correct, c.incorrect),
		DurationMinutes: time.Since(c.startedAt).Minutes(),
		Notes:           "mock " + c.pattern + " play",
	})
	if err != nil {
		g.log.WithError(err).WithField("childId", c.childID).Warn("record mock result")
		return
	}
	g.log.WithFields(logrus.Fields{
		"childId":      c.childID,
		"successLevel": res.SuccessLevel,
	}).Debug("mock game recorded")
}

// successLevel is the percentage of correct moves.
func successLevel(correct, incorrect int) int {
	total := correct + incorrect
	if total == 0 {
		return 0
	}
	return correct * 100 / total
}

func (g *Generator) submit(ctx context.Context, typ string, payload map[string]any) {
	in, err := relay.NewInbound(typ, nil, payload)
	if err != nil {
		g.log.WithError(err).Error("encode mock event")
		return
	}
	if err := g.relay.Submit(ctx, in); err != nil && ctx.Err() == nil {
		g.log.WithError(err).WithField("type", typ).Warn("submit mock event")
	}
}
