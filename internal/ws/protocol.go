package ws

import (
	"encoding/json"
	"fmt"

	"github.com/playtrack/backend/internal/relay"
)

// WSMessage is the frame format in both directions:
// {"type": "<name>", "payload": {...}}.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// inboundFrame keeps the payload raw; the relay decodes it per type.
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func decodeFrame(data []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return inboundFrame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

func encodeOutbound(msg relay.Outbound) ([]byte, error) {
	data, err := json.Marshal(WSMessage{Type: msg.Type, Payload: msg.Payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return data, nil
}
