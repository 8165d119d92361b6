package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeTabUpdate  = "tab.update"
	TypeTabClosed  = "tab.closed"
	TypeTermOutput = "term.output"
	TypeAppExit    = "app.exit"
	TypeError      = "error"
)

// Client → Server message types. TypeTabCwd and TypeSystemInfo are also
// used for the replies.
const (
	TypeTabCreate   = "tab.create"
	TypeTabClose    = "tab.close"
	TypeTabActivate = "tab.activate"
	TypeTabDraft    = "tab.draft"
	TypeTermInput   = "term.input"
	TypeTermResize  = "term.resize"
	TypeTabCwd      = "tab.cwd"
	TypeSystemInfo  = "system.info"
)

// Error codes.
const (
	ErrTabNotFound    = "TAB_NOT_FOUND"
	ErrLastTab        = "LAST_TAB"
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrMaxTabs        = "MAX_TABS"
	ErrRateLimited    = "RATE_LIMITED"
	ErrShuttingDown   = "SHUTTING_DOWN"
	ErrInternal       = "INTERNAL"
)

// Server → Client payloads.

type TabPayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	State     string `json:"state"`
	Active    bool   `json:"active"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
	Exited    bool   `json:"exited"`
	ExitCode  int    `json:"exitCode"`
	Draft     string `json:"draft"`
	CreatedAt string `json:"createdAt"`
}

type TabUpdatePayload struct {
	Tab         TabPayload `json:"tab"`
	ActiveTabID string     `json:"activeTabId"`
}

type TabClosedPayload struct {
	TabID       string `json:"tabId"`
	ActiveTabID string `json:"activeTabId"`
}

// TermOutputPayload carries raw terminal bytes; Data is base64 on the wire.
type TermOutputPayload struct {
	TabID string `json:"tabId"`
	Data  []byte `json:"data"`
}

type TabCwdPayload struct {
	TabID string `json:"tabId"`
	Cwd   string `json:"cwd"`
}

type SystemInfoPayload struct {
	Username string `json:"username"`
	Hostname string `json:"hostname"`
	HomeDir  string `json:"homeDir"`
	Cwd      string `json:"cwd"`
}

type AppExitPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type TabCreatePayload struct {
	Rows     uint16 `json:"rows"`
	Cols     uint16 `json:"cols"`
	Activate bool   `json:"activate"`
}

type TabIDPayload struct {
	TabID string `json:"tabId"`
}

type TabDraftPayload struct {
	TabID string `json:"tabId"`
	Draft string `json:"draft"`
}

// TermInputPayload carries keystrokes as text, exactly as the terminal
// component produced them.
type TermInputPayload struct {
	TabID string `json:"tabId"`
	Data  string `json:"data"`
}

type TermResizePayload struct {
	TabID string `json:"tabId"`
	Rows  uint16 `json:"rows"`
	Cols  uint16 `json:"cols"`
}
