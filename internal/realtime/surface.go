package realtime

import (
	"sync"

	"github.com/TeamTaoist/fterm/internal/session"
)

// remoteSurface is the rendering surface of one tab as seen by the server.
// Output goes to every connected client and into the scrollback; geometry
// and keystrokes come from whichever client reports them.
type remoteSurface struct {
	id         string
	server     *Server
	scrollback *Scrollback

	mu       sync.Mutex
	size     session.Size
	nextID   int
	onResize map[int]func()
	onInput  map[int]func([]byte)
}

func newRemoteSurface(id string, size session.Size, srv *Server, scrollback int) *remoteSurface {
	return &remoteSurface{
		id:         id,
		server:     srv,
		scrollback: NewScrollback(scrollback),
		size:       size,
		onResize:   make(map[int]func()),
		onInput:    make(map[int]func([]byte)),
	}
}

// Write records the chunk and forwards it to all clients.
func (rs *remoteSurface) Write(p []byte) (int, error) {
	chunk := append([]byte(nil), p...)
	rs.server.publishOutput(rs, chunk)
	return len(p), nil
}

// Measure returns the last size a client reported for this tab.
func (rs *remoteSurface) Measure() (session.Size, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.size.Valid() {
		return session.Size{}, session.ErrNotMeasurable
	}
	return rs.size, nil
}

// OnResize registers fn and, like a browser resize observer, invokes it once
// for the current layout.
func (rs *remoteSurface) OnResize(fn func()) func() {
	rs.mu.Lock()
	key := rs.nextID
	rs.nextID++
	rs.onResize[key] = fn
	rs.mu.Unlock()

	fn()

	return func() {
		rs.mu.Lock()
		delete(rs.onResize, key)
		rs.mu.Unlock()
	}
}

func (rs *remoteSurface) OnInput(fn func([]byte)) func() {
	rs.mu.Lock()
	key := rs.nextID
	rs.nextID++
	rs.onInput[key] = fn
	rs.mu.Unlock()

	return func() {
		rs.mu.Lock()
		delete(rs.onInput, key)
		rs.mu.Unlock()
	}
}

// resize stores a client-reported size and notifies the observers.
func (rs *remoteSurface) resize(size session.Size) {
	rs.mu.Lock()
	rs.size = size
	fns := make([]func(), 0, len(rs.onResize))
	for _, fn := range rs.onResize {
		fns = append(fns, fn)
	}
	rs.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// input delivers keystrokes from a client.
func (rs *remoteSurface) input(data []byte) {
	rs.mu.Lock()
	fns := make([]func([]byte), 0, len(rs.onInput))
	for _, fn := range rs.onInput {
		fns = append(fns, fn)
	}
	rs.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}
