package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/playtrack/backend/internal/session"
)

// Inbound message names (emitter or monitor -> relay).
const (
	MsgMonitorChild = "monitor:child"
	MsgMonitorLeave = "monitor:leave"
	MsgGameStart    = "game:start"
	MsgGameProgress = "game:progress"
	MsgGameComplete = "game:complete"

	// msgDisconnect is posted by the transport, never accepted from the wire.
	msgDisconnect = "connection:closed"
)

// Outbound message names (relay -> monitor).
const (
	MsgMonitorJoined = "monitor:joined"
	MsgGameUpdate    = "game:update"
)

var wireTypes = map[string]bool{
	MsgMonitorChild: true,
	MsgMonitorLeave: true,
	MsgGameStart:    true,
	MsgGameProgress: true,
	MsgGameComplete: true,
}

// IsWireType reports whether name is an inbound message clients may send.
func IsWireType(name string) bool {
	return wireTypes[name]
}

var (
	ErrInvalidChildID = errors.New("invalid or missing childId")
	ErrMalformed      = errors.New("malformed payload")
)

// Inbound is one message handed to the relay. Conn is the sending
// connection; it may be nil for in-process emitters.
type Inbound struct {
	Type    string
	Conn    Conn
	Payload json.RawMessage
}

// NewInbound marshals payload into an Inbound of the given type.
func NewInbound(typ string, conn Conn, payload any) (Inbound, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Inbound{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Inbound{Type: typ, Conn: conn, Payload: raw}, nil
}

// Outbound is one message the relay delivers to a connection.
type Outbound struct {
	Type    string
	Payload any
}

// JoinedPayload acknowledges a monitor subscription.
type JoinedPayload struct {
	ChildID int64  `json:"childId"`
	Room    string `json:"room"`
}

// UpdatePayload is the single envelope for started, progress and completed
// events. IsSync marks the catch-up event sent to a monitor that subscribes
// while a session is already active.
type UpdatePayload struct {
	ChildID    int64            `json:"childId"`
	ActivityID int64            `json:"activityId"`
	GameType   session.GameType `json:"gameType"`
	Event      string           `json:"event"`
	Data       session.Data     `json:"data"`
	Timestamp  int64            `json:"timestamp"`
	IsSync     bool             `json:"isSync,omitempty"`
}

// startFields are the keys of a game:start payload that describe the
// session rather than its initial data.
var startFields = map[string]bool{
	"childId":    true,
	"activityId": true,
	"gameType":   true,
	"event":      true,
	"timestamp":  true,
	"data":       true,
}

type startMsg struct {
	ChildID    int64
	ActivityID int64
	GameType   session.GameType
	Initial    session.Data
}

type progressMsg struct {
	ChildID    int64
	ActivityID int64
	GameType   session.GameType
	Event      string
	Data       session.Data
	Timestamp  int64
}

// parseChildRef decodes a monitor:child / monitor:leave payload: either a
// bare id (number or numeric string) or an object with a childId field.
func parseChildRef(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var obj struct {
			ChildID json.RawMessage `json:"childId"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return parseChildID(obj.ChildID)
	}
	return parseChildID(raw)
}

// parseChildID accepts a positive integer given as a JSON number or a
// numeric string.
func parseChildID(raw json.RawMessage) (int64, error) {
	id, ok := parseID(raw)
	if !ok || id <= 0 {
		return 0, ErrInvalidChildID
	}
	return id, nil
}

// parseID decodes an optional integer id. Absent or null yields (0, true).
func parseID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, true
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
	} else {
		s = string(raw)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	// 5.0 is a valid JSON spelling of 5.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrMalformed)
	}
	return obj, nil
}

func decodeGameType(raw json.RawMessage) (session.GameType, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: gameType: %v", ErrMalformed, err)
	}
	return session.GameType(strings.TrimSpace(s)), nil
}

func decodeData(raw json.RawMessage) (session.Data, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return session.Data{}, nil
	}
	var d session.Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	if d == nil {
		d = session.Data{}
	}
	return d, nil
}

// parseStart decodes a flat game:start payload. Every key that is not a
// session field becomes initial data; a nested "data" object is folded in
// too, for emitters that send the progress shape.
func parseStart(raw json.RawMessage) (startMsg, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return startMsg{}, err
	}
	childID, err := parseChildID(obj["childId"])
	if err != nil {
		return startMsg{}, err
	}
	activityID, ok := parseID(obj["activityId"])
	if !ok {
		return startMsg{}, fmt.Errorf("%w: activityId", ErrMalformed)
	}
	gameType, err := decodeGameType(obj["gameType"])
	if err != nil {
		return startMsg{}, err
	}

	initial := session.Data{}
	for k, v := range obj {
		if startFields[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return startMsg{}, fmt.Errorf("%w: %s: %v", ErrMalformed, k, err)
		}
		initial[k] = val
	}
	if nested, ok := obj["data"]; ok {
		d, err := decodeData(nested)
		if err != nil {
			return startMsg{}, err
		}
		initial.Merge(d)
	}

	return startMsg{
		ChildID:    childID,
		ActivityID: activityID,
		GameType:   gameType,
		Initial:    initial,
	}, nil
}

// parseProgress decodes a game:progress or game:complete payload.
func parseProgress(raw json.RawMessage) (progressMsg, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return progressMsg{}, err
	}
	childID, err := parseChildID(obj["childId"])
	if err != nil {
		return progressMsg{}, err
	}
	activityID, ok := parseID(obj["activityId"])
	if !ok {
		return progressMsg{}, fmt.Errorf("%w: activityId", ErrMalformed)
	}
	gameType, err := decodeGameType(obj["gameType"])
	if err != nil {
		return progressMsg{}, err
	}
	data, err := decodeData(obj["data"])
	if err != nil {
		return progressMsg{}, err
	}

	var event string
	if v, ok := obj["event"]; ok {
		// A non-string event kind is treated as absent.
		_ = json.Unmarshal(v, &event)
	}
	ts, ok := parseID(obj["timestamp"])
	if !ok || ts < 0 {
		ts = 0
	}

	return progressMsg{
		ChildID:    childID,
		ActivityID: activityID,
		GameType:   gameType,
		Event:      strings.TrimSpace(event),
		Data:       data,
		Timestamp:  ts,
	}, nil
}
