// Package sessiontest provides recording fakes of the session Backend and
// Surface for tests.
package sessiontest

import (
	"bytes"
	"context"
	"sync"

	"github.com/TeamTaoist/fterm/internal/fifo"
	"github.com/TeamTaoist/fterm/internal/session"
)

// Backend operation names recorded by Backend.
const (
	OpSpawn       = "spawn"
	OpWrite       = "write"
	OpResize      = "resize"
	OpKill        = "kill"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Call is one recorded backend request.
type Call struct {
	Op   string
	ID   string
	Data []byte
	Size session.Size
}

// Backend records every call. Spawns succeed immediately unless held with
// HoldSpawn or failed with FailSpawn.
type Backend struct {
	mu        sync.Mutex
	calls     []Call
	holds     map[string]chan error
	spawnErrs map[string]error
	subErr    error
	subHold   chan struct{}
	resizeErr error
	writeErr  error
	streams   map[string]*fifo.Queue[session.Event]
}

// NewBackend creates an empty fake backend.
func NewBackend() *Backend {
	return &Backend{
		holds:     make(map[string]chan error),
		spawnErrs: make(map[string]error),
		streams:   make(map[string]*fifo.Queue[session.Event]),
	}
}

// HoldSpawn makes the next Spawn for id block until ResolveSpawn is called.
// The held spawn ignores context cancellation, like a slow backend would.
func (b *Backend) HoldSpawn(id string) {
	b.mu.Lock()
	b.holds[id] = make(chan error, 1)
	b.mu.Unlock()
}

// ResolveSpawn releases a held spawn with err.
func (b *Backend) ResolveSpawn(id string, err error) {
	b.mu.Lock()
	ch := b.holds[id]
	b.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// FailSpawn makes Spawn for id return err.
func (b *Backend) FailSpawn(id string, err error) {
	b.mu.Lock()
	b.spawnErrs[id] = err
	b.mu.Unlock()
}

// FailSubscribe makes every Subscribe return err.
func (b *Backend) FailSubscribe(err error) {
	b.mu.Lock()
	b.subErr = err
	b.mu.Unlock()
}

// HoldSubscribe makes every Subscribe block, after recording the call, until
// ReleaseSubscribe is called.
func (b *Backend) HoldSubscribe() {
	b.mu.Lock()
	b.subHold = make(chan struct{})
	b.mu.Unlock()
}

// ReleaseSubscribe unblocks held Subscribe calls.
func (b *Backend) ReleaseSubscribe() {
	b.mu.Lock()
	hold := b.subHold
	b.subHold = nil
	b.mu.Unlock()
	if hold != nil {
		close(hold)
	}
}

// FailResize makes Resize return err until cleared with nil.
func (b *Backend) FailResize(err error) {
	b.mu.Lock()
	b.resizeErr = err
	b.mu.Unlock()
}

// FailWrite makes Write return err until cleared with nil.
func (b *Backend) FailWrite(err error) {
	b.mu.Lock()
	b.writeErr = err
	b.mu.Unlock()
}

func (b *Backend) record(c Call) {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	b.mu.Unlock()
}

func (b *Backend) Spawn(ctx context.Context, id string, size session.Size) error {
	b.record(Call{Op: OpSpawn, ID: id, Size: size})

	b.mu.Lock()
	hold := b.holds[id]
	err := b.spawnErrs[id]
	b.mu.Unlock()

	if hold != nil {
		err = <-hold
		b.mu.Lock()
		delete(b.holds, id)
		b.mu.Unlock()
	}
	return err
}

func (b *Backend) Write(ctx context.Context, id string, data []byte) error {
	b.record(Call{Op: OpWrite, ID: id, Data: append([]byte(nil), data...)})
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeErr
}

func (b *Backend) Resize(ctx context.Context, id string, size session.Size) error {
	b.record(Call{Op: OpResize, ID: id, Size: size})
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resizeErr
}

func (b *Backend) Kill(ctx context.Context, id string) error {
	b.record(Call{Op: OpKill, ID: id})
	b.mu.Lock()
	q := b.streams[id]
	delete(b.streams, id)
	b.mu.Unlock()
	if q != nil {
		q.Close()
	}
	return nil
}

func (b *Backend) Subscribe(ctx context.Context, id string) (*session.Subscription, error) {
	b.record(Call{Op: OpSubscribe, ID: id})

	b.mu.Lock()
	hold := b.subHold
	b.mu.Unlock()
	if hold != nil {
		<-hold
	}

	b.mu.Lock()
	if b.subErr != nil {
		err := b.subErr
		b.mu.Unlock()
		return nil, err
	}
	q := fifo.New[session.Event]()
	b.streams[id] = q
	b.mu.Unlock()

	return session.NewSubscription(q.Out(), func() {
		b.record(Call{Op: OpUnsubscribe, ID: id})
		q.Close()
	}), nil
}

// Emit pushes an event onto id's stream. It reports false when id has no
// open stream.
func (b *Backend) Emit(id string, ev session.Event) bool {
	b.mu.Lock()
	q := b.streams[id]
	b.mu.Unlock()
	if q == nil {
		return false
	}
	return q.Push(ev)
}

// EmitOutput is Emit with an output event.
func (b *Backend) EmitOutput(id, data string) bool {
	return b.Emit(id, session.Event{Type: session.EventOutput, Data: []byte(data)})
}

// Calls returns the recorded calls for op and id. An empty id matches all.
func (b *Backend) Calls(op, id string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Call
	for _, c := range b.calls {
		if c.Op == op && (id == "" || c.ID == id) {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of recorded calls for op and id.
func (b *Backend) Count(op, id string) int {
	return len(b.Calls(op, id))
}

// Surface is an in-memory rendering surface. Geometry notifications and
// keystrokes are driven by the test.
type Surface struct {
	mu         sync.Mutex
	out        bytes.Buffer
	size       session.Size
	measureErr error
	writeErr   error

	nextID   int
	onResize map[int]func()
	onInput  map[int]func([]byte)

	resizeReleases int
	inputReleases  int
}

// NewSurface creates a surface that measures as size.
func NewSurface(size session.Size) *Surface {
	return &Surface{
		size:     size,
		onResize: make(map[int]func()),
		onInput:  make(map[int]func([]byte)),
	}
}

// NewUnmeasurableSurface creates a surface whose Measure fails.
func NewUnmeasurableSurface() *Surface {
	s := NewSurface(session.Size{})
	s.measureErr = session.ErrNotMeasurable
	return s
}

func (s *Surface) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.out.Write(p)
}

func (s *Surface) Measure() (session.Size, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.measureErr != nil {
		return session.Size{}, s.measureErr
	}
	return s.size, nil
}

func (s *Surface) OnResize(fn func()) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.onResize[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.onResize, id)
			s.resizeReleases++
			s.mu.Unlock()
		})
	}
}

func (s *Surface) OnInput(fn func([]byte)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.onInput[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.onInput, id)
			s.inputReleases++
			s.mu.Unlock()
		})
	}
}

// SetSize changes the geometry reported by Measure without notifying.
func (s *Surface) SetSize(size session.Size) {
	s.mu.Lock()
	s.size = size
	s.measureErr = nil
	s.mu.Unlock()
}

// NotifyResize fires every registered geometry callback.
func (s *Surface) NotifyResize() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.onResize))
	for _, fn := range s.onResize {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Type delivers keystrokes to every registered input callback.
func (s *Surface) Type(data string) {
	s.mu.Lock()
	fns := make([]func([]byte), 0, len(s.onInput))
	for _, fn := range s.onInput {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn([]byte(data))
	}
}

// Output returns everything written so far.
func (s *Surface) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}

// Observed reports whether both input and geometry callbacks are registered.
func (s *Surface) Observed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onInput) > 0 && len(s.onResize) > 0
}

// Releases returns how many geometry and input registrations were released.
func (s *Surface) Releases() (resize, input int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resizeReleases, s.inputReleases
}
