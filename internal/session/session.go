package session

import (
	"strconv"
	"time"
)

// GameType tags which game an activity renders. The relay treats it as an
// opaque string so new games need no relay changes; the constants below are
// the games the dashboard knows how to draw.
type GameType string

const (
	ShapeMatchingGame GameType = "shape_matching"
	MemoryGame        GameType = "memory"
	ColoringGame      GameType = "coloring"
	SoundToImageGame  GameType = "sound_to_image"
)

var knownGameTypes = map[GameType]bool{
	ShapeMatchingGame: true,
	MemoryGame:        true,
	ColoringGame:      true,
	SoundToImageGame:  true,
}

// Known reports whether g is one of the built-in game types.
func (g GameType) Known() bool {
	return knownGameTypes[g]
}

func (g GameType) String() string {
	return string(g)
}

// Session is the ephemeral record of one child's in-progress game.
type Session struct {
	ChildID    int64     `json:"childId"`
	ActivityID int64     `json:"activityId"`
	GameType   GameType  `json:"gameType"`
	Snapshot   Data      `json:"snapshotData"`
	StartedAt  time.Time `json:"startedAt"`
	LastUpdate time.Time `json:"lastUpdate"`
	// Synthesized is set when the session was created by a progress event
	// with no recorded start (relay restart, or progress racing ahead of start).
	Synthesized bool `json:"synthesized,omitempty"`
}

// Clone returns a deep copy of the Session, including its snapshot, so the
// copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	c.Snapshot = s.Snapshot.Clone()
	return &c
}

// Room returns the channel name monitors of this child subscribe to.
func (s *Session) Room() string {
	return RoomName(s.ChildID)
}

// RoomName is the logical channel name for a child's event stream.
func RoomName(childID int64) string {
	return "child:" + strconv.FormatInt(childID, 10)
}
