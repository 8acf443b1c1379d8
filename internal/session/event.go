package session

// Event kinds carried in the "event" field of a game update. Progress kinds
// are opaque to the relay; the named ones are what the built-in games emit.
const (
	EventStarted   = "started"   // session began, or a sync to an active session
	EventProgress  = "progress"  // generic incremental update
	EventCompleted = "completed" // session ended normally
	EventAbandoned = "abandoned" // session evicted after going idle

	EventShapePlaced  = "shape_placed"
	EventCardFlipped  = "card_flipped"
	EventColorApplied = "color_applied"
	EventSoundMatched = "sound_matched"
)

// IsLifecycle reports whether kind is reserved for lifecycle transitions and
// therefore may not be used as a progress event kind.
func IsLifecycle(kind string) bool {
	switch kind {
	case EventStarted, EventCompleted, EventAbandoned:
		return true
	}
	return false
}
