package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeTabCreate:   true,
	TypeTabClose:    true,
	TypeTabActivate: true,
	TypeTabDraft:    true,
	TypeTermInput:   true,
	TypeTermResize:  true,
	TypeTabCwd:      true,
	TypeSystemInfo:  true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeTabCreate:
		var p TabCreatePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if (p.Rows == 0) != (p.Cols == 0) {
			return nil, fmt.Errorf("'rows' and 'cols' must be given together in %s payload", msg.Type)
		}

	case TypeTabClose, TypeTabActivate, TypeTabCwd:
		var p TabIDPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if err := requireTabID(msg.Type, p.TabID); err != nil {
			return nil, err
		}

	case TypeTabDraft:
		var p TabDraftPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if err := requireTabID(msg.Type, p.TabID); err != nil {
			return nil, err
		}

	case TypeTermInput:
		var p TermInputPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if err := requireTabID(msg.Type, p.TabID); err != nil {
			return nil, err
		}
		if p.Data == "" {
			return nil, fmt.Errorf("missing required field 'data' in %s payload", msg.Type)
		}

	case TypeTermResize:
		var p TermResizePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if err := requireTabID(msg.Type, p.TabID); err != nil {
			return nil, err
		}
		if p.Rows == 0 || p.Cols == 0 {
			return nil, fmt.Errorf("'rows' and 'cols' must be positive in %s payload", msg.Type)
		}

	case TypeSystemInfo:
		var p struct{}
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

func decode(msg Message, v interface{}) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func requireTabID(msgType, id string) error {
	if id == "" {
		return fmt.Errorf("missing required field 'tabId' in %s payload", msgType)
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
