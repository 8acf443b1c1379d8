// Package results persists the outcome of completed games and aggregates
// them into per-child statistics. The live relay never writes here; results
// arrive from the game client (or the demo emitter) after a session ends.
package results

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playtrack/backend/internal/session"
)

// ErrInvalidResult wraps every validation failure from Record.
var ErrInvalidResult = errors.New("invalid result")

const maxNotesLen = 2000

type Result struct {
	ID              int64            `json:"id"`
	ChildID         int64            `json:"childId"`
	ActivityID      int64            `json:"activityId"`
	GameType        session.GameType `json:"gameType,omitempty"`
	SuccessLevel    int              `json:"successLevel"`
	DurationMinutes float64          `json:"durationMinutes"`
	Notes           string           `json:"notes,omitempty"`
	CompletedAt     time.Time        `json:"completedAt"`
}

func (r *Result) normalize() {
	r.Notes = strings.TrimSpace(r.Notes)
	r.GameType = session.GameType(strings.TrimSpace(string(r.GameType)))
}

func (r Result) validate() error {
	switch {
	case r.ChildID <= 0:
		return fmt.Errorf("%w: childId must be positive", ErrInvalidResult)
	case r.ActivityID <= 0:
		return fmt.Errorf("%w: activityId must be positive", ErrInvalidResult)
	case r.SuccessLevel < 0 || r.SuccessLevel > 100:
		return fmt.Errorf("%w: successLevel %d outside 0..100", ErrInvalidResult, r.SuccessLevel)
	case r.DurationMinutes < 0:
		return fmt.Errorf("%w: durationMinutes must not be negative", ErrInvalidResult)
	case len(r.Notes) > maxNotesLen:
		return fmt.Errorf("%w: notes longer than %d bytes", ErrInvalidResult, maxNotesLen)
	}
	return nil
}

// ActivityStats aggregates one child's results for one activity.
type ActivityStats struct {
	ActivityID      int64            `json:"activityId"`
	GameType        session.GameType `json:"gameType,omitempty"`
	Plays           int              `json:"plays"`
	AvgSuccessLevel float64          `json:"avgSuccessLevel"`
	BestSuccess     int              `json:"bestSuccessLevel"`
	TotalMinutes    float64          `json:"totalMinutes"`
	LastPlayed      time.Time        `json:"lastPlayed"`
}

// ChildStats is the statistics read model for one child.
type ChildStats struct {
	ChildID      int64           `json:"childId"`
	TotalPlays   int             `json:"totalPlays"`
	TotalMinutes float64         `json:"totalMinutes"`
	Activities   []ActivityStats `json:"activities"`
}

func summarize(childID int64, activities []ActivityStats) ChildStats {
	cs := ChildStats{ChildID: childID, Activities: activities}
	if cs.Activities == nil {
		cs.Activities = []ActivityStats{}
	}
	for _, a := range activities {
		cs.TotalPlays += a.Plays
		cs.TotalMinutes += a.TotalMinutes
	}
	return cs
}
