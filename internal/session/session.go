package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateSpawning      State = "spawning"
	StateReady         State = "ready"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

// Size is a character grid.
type Size struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// DefaultSize is used when the surface cannot be measured before spawn.
var DefaultSize = Size{Rows: 24, Cols: 80}

// Valid reports whether both dimensions are non-zero.
func (s Size) Valid() bool {
	return s.Rows > 0 && s.Cols > 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Cols, s.Rows)
}

// Info is a point-in-time view of a session.
type Info struct {
	ID       string `json:"id"`
	State    State  `json:"state"`
	Size     Size   `json:"size"`
	Title    string `json:"title"`
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitCode"`
}

// ErrNotMeasurable is returned by a Surface that has no geometry yet.
var ErrNotMeasurable = errors.New("surface cannot be measured")

// SpawnError reports that the backend could not create the session.
type SpawnError struct {
	ID  string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn session %s: %v", e.ID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// EventType distinguishes backend stream events.
type EventType string

const (
	EventOutput EventType = "output"
	EventTitle  EventType = "title"
	EventExit   EventType = "exit"
)

// Event is one item of a session's ordered backend stream.
type Event struct {
	Type     EventType
	Data     []byte
	Title    string
	ExitCode int
}

// Subscription is a cancellable handle on a session's event stream.
// Cancel is safe to call more than once; only the first call has effect.
type Subscription struct {
	events <-chan Event
	cancel func()
	once   sync.Once
}

// NewSubscription wraps an event channel and its release function.
func NewSubscription(events <-chan Event, cancel func()) *Subscription {
	return &Subscription{events: events, cancel: cancel}
}

// Events returns the ordered event channel. It is closed when the stream ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Cancel releases the subscription.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Backend is the PTY provider. Every call is keyed by session id and may take
// arbitrarily long to return.
type Backend interface {
	// Spawn creates the session with an initial size. A nil error means the
	// backend now holds a resource for id that must eventually be killed.
	// ctx bounds the request only, not the lifetime of the session.
	Spawn(ctx context.Context, id string, size Size) error
	// Write forwards input bytes. Fire-and-forget.
	Write(ctx context.Context, id string, data []byte) error
	// Resize changes the grid size. Fire-and-forget.
	Resize(ctx context.Context, id string, size Size) error
	// Kill releases the session. Must tolerate ids that are already gone.
	Kill(ctx context.Context, id string) error
	// Subscribe opens the ordered output/title/exit stream for id.
	Subscribe(ctx context.Context, id string) (*Subscription, error)
}

// WorkingDirReporter is implemented by backends that can report a session's
// current directory.
type WorkingDirReporter interface {
	WorkingDir(id string) (string, error)
}

// Surface is the rendering side of one session.
type Surface interface {
	// Write appends output bytes in order.
	Write(p []byte) (int, error)
	// Measure reports the current grid size, or ErrNotMeasurable.
	Measure() (Size, error)
	// OnResize registers for geometry notifications and returns a release func.
	OnResize(fn func()) (cancel func())
	// OnInput registers for user keystrokes and returns a release func.
	OnInput(fn func(data []byte)) (cancel func())
}
