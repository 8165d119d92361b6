package tabs

import (
	"errors"
	"time"

	"github.com/TeamTaoist/fterm/internal/session"
)

// DefaultTitle is shown until the shell sets a title.
const DefaultTitle = "Terminal"

var (
	ErrTabNotFound  = errors.New("tab not found")
	ErrTooManyTabs  = errors.New("maximum tab limit reached")
	ErrShuttingDown = errors.New("application is shutting down")
)

// Tab is the UI-facing snapshot of one tab and its session.
type Tab struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	State     session.State `json:"state"`
	Active    bool          `json:"active"`
	Size      session.Size  `json:"size"`
	Exited    bool          `json:"exited"`
	ExitCode  int           `json:"exitCode"`
	Draft     string        `json:"draft"`
	CreatedAt time.Time     `json:"createdAt"`
}

// EventType identifies a registry change.
type EventType string

const (
	EventCreated   EventType = "created"
	EventUpdated   EventType = "updated"
	EventActivated EventType = "activated"
	EventClosed    EventType = "closed"
	EventShutdown  EventType = "shutdown"
)

// Event describes a registry change. ActiveTab is the active id after the change.
type Event struct {
	Type      EventType
	Tab       Tab
	ActiveTab string
}

// CreateRequest describes a new tab. A zero Size means the surface is measured
// by its own means.
type CreateRequest struct {
	Size     session.Size
	Activate bool
}

// CloseResult reports what CloseTab did.
type CloseResult struct {
	Tab       Tab
	ActiveTab string
	// LastTab is set when the tab was the only one open.
	LastTab bool
	// Refused is set when the last-tab policy kept the tab open.
	Refused bool
	// Shutdown is set when closing the last tab started application exit.
	Shutdown bool
}
