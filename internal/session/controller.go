// Package session drives one PTY-backed terminal session through its lifecycle:
// spawn, ready, closing, closed. A Controller mediates every backend call for
// its session and forwards the backend stream to the rendering surface.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TeamTaoist/fterm/internal/fifo"
	"github.com/TeamTaoist/fterm/internal/metrics"
)

const defaultCallTimeout = 10 * time.Second

// spawnErrorFormat is written to the surface when the backend refuses a spawn.
const spawnErrorFormat = "\r\n\x1b[31mError: Failed to spawn PTY: %v\x1b[0m"

// Hooks receive controller notifications. They run on the controller's own
// goroutines and must not block.
type Hooks struct {
	OnState func(id string, state State)
	OnTitle func(id, title string)
	OnExit  func(id string, code int)
}

// Options configure a Controller.
type Options struct {
	ID          string
	Backend     Backend
	Surface     Surface
	Hooks       Hooks
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	DefaultSize Size
	CallTimeout time.Duration
}

// Controller owns the state machine of a single session. State transitions and
// backend requests for the session run one at a time on the controller's
// operation queue; callers never block on the backend.
type Controller struct {
	id      string
	backend Backend
	surface Surface
	hooks   Hooks
	log     *zap.Logger
	metrics *metrics.Metrics

	defaultSize Size
	callTimeout time.Duration

	ops  *fifo.Queue[func()]
	done chan struct{}

	mu          sync.Mutex
	state       State
	size        Size
	title       string
	exited      bool
	exitCode    int
	resize      *ResizeCoordinator
	release     []func()
	cancelSpawn context.CancelFunc
}

// NewController creates a controller in StateUninitialized.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	def := opts.DefaultSize
	if !def.Valid() {
		def = DefaultSize
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	c := &Controller{
		id:          opts.ID,
		backend:     opts.Backend,
		surface:     opts.Surface,
		hooks:       opts.Hooks,
		log:         logger.With(zap.String("tab", opts.ID)),
		metrics:     opts.Metrics,
		defaultSize: def,
		callTimeout: timeout,
		ops:         fifo.New[func()](),
		done:        make(chan struct{}),
		state:       StateUninitialized,
	}
	go c.loop()
	return c
}

func (c *Controller) loop() {
	for op := range c.ops.Out() {
		op()
	}
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the session.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:       c.id,
		State:    c.state,
		Size:     c.size,
		Title:    c.title,
		Exited:   c.exited,
		ExitCode: c.exitCode,
	}
}

// Done is closed once the controller reaches StateClosed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start measures the surface and issues the spawn request. It returns
// immediately; the session becomes ready when the backend acknowledges.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return
	}

	size, err := c.surface.Measure()
	if err != nil || !size.Valid() {
		c.log.Debug("surface not measurable before spawn, using default size",
			zap.Stringer("size", c.defaultSize), zap.Error(err))
		size = c.defaultSize
	}
	c.size = size

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelSpawn = cancel
	c.state = StateSpawning
	c.mu.Unlock()

	c.notifyState(StateSpawning)
	c.log.Debug("spawning session", zap.Stringer("size", size))

	go func() {
		err := c.backend.Spawn(ctx, c.id, size)
		c.ops.Push(func() { c.handleSpawnResult(err) })
	}()
}

func (c *Controller) handleSpawnResult(err error) {
	c.mu.Lock()
	state := c.state
	if c.cancelSpawn != nil {
		c.cancelSpawn()
		c.cancelSpawn = nil
	}
	c.mu.Unlock()

	if state != StateSpawning {
		c.metrics.StaleResponse()
		if err == nil {
			// The backend created a session nobody wants anymore.
			c.log.Debug("discarding late spawn success", zap.String("state", string(state)))
			c.kill()
		} else {
			c.log.Debug("discarding late spawn failure", zap.Error(err))
		}
		c.finalize()
		return
	}

	if err != nil {
		c.failSpawn(err, false)
		return
	}

	ctx, cancel := c.callContext()
	sub, err := c.backend.Subscribe(ctx, c.id)
	cancel()

	// Close may have run while Subscribe was in flight.
	c.mu.Lock()
	if c.state != StateSpawning {
		state = c.state
		c.mu.Unlock()
		c.metrics.StaleResponse()
		c.log.Debug("session closed during subscribe", zap.String("state", string(state)))
		if sub != nil {
			sub.Cancel()
		}
		c.kill()
		c.finalize()
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.failSpawn(fmt.Errorf("subscribe output: %w", err), true)
		return
	}
	c.state = StateReady
	c.resize = NewResizeCoordinator(c.size)
	c.release = append(c.release, sub.Cancel)
	c.mu.Unlock()

	c.metrics.SessionSpawned()
	c.notifyState(StateReady)
	c.log.Info("session ready")

	go c.pump(sub)

	stopInput := c.surface.OnInput(c.Write)
	stopResize := c.surface.OnResize(c.surfaceResized)
	c.mu.Lock()
	c.release = append(c.release, stopInput, stopResize)
	c.mu.Unlock()
}

// failSpawn shows the failure inline and closes the session. killBackend is
// set when the backend already holds a resource for this id.
func (c *Controller) failSpawn(err error, killBackend bool) {
	c.metrics.SpawnFailed()
	c.log.Warn("spawn failed", zap.Error(&SpawnError{ID: c.id, Err: err}))
	if _, werr := fmt.Fprintf(c.surface, spawnErrorFormat, err); werr != nil {
		c.log.Warn("write spawn error to surface", zap.Error(werr))
	}
	if killBackend {
		c.kill()
	}
	c.finalize()
}

// pump forwards backend events to the surface in arrival order.
func (c *Controller) pump(sub *Subscription) {
	for ev := range sub.Events() {
		if c.State() != StateReady {
			return
		}
		switch ev.Type {
		case EventOutput:
			if _, err := c.surface.Write(ev.Data); err != nil {
				c.log.Warn("surface write failed", zap.Error(err))
			}
		case EventTitle:
			c.setTitle(ev.Title)
		case EventExit:
			c.mu.Lock()
			c.exited = true
			c.exitCode = ev.ExitCode
			c.mu.Unlock()
			c.log.Info("shell exited", zap.Int("code", ev.ExitCode))
			if c.hooks.OnExit != nil {
				c.hooks.OnExit(c.id, ev.ExitCode)
			}
		}
	}
}

func (c *Controller) setTitle(title string) {
	c.mu.Lock()
	if c.title == title {
		c.mu.Unlock()
		return
	}
	c.title = title
	c.mu.Unlock()

	if c.hooks.OnTitle != nil {
		c.hooks.OnTitle(c.id, title)
	}
}

// Write forwards input to the backend. Input is dropped unless the session is
// ready; that is not an error.
func (c *Controller) Write(data []byte) {
	if c.State() != StateReady {
		c.metrics.WriteDropped()
		return
	}
	buf := append([]byte(nil), data...)
	c.ops.Push(func() {
		if c.State() != StateReady {
			c.metrics.WriteDropped()
			return
		}
		ctx, cancel := c.callContext()
		defer cancel()
		if err := c.backend.Write(ctx, c.id, buf); err != nil {
			c.log.Warn("write failed", zap.Error(err))
		}
	})
}

func (c *Controller) surfaceResized() {
	c.ops.Push(c.applyResize)
}

func (c *Controller) applyResize() {
	c.mu.Lock()
	coord := c.resize
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready || coord == nil {
		return
	}

	size, ok, err := coord.Next(c.surface.Measure)
	if err != nil {
		c.log.Debug("surface measure failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	ctx, cancel := c.callContext()
	defer cancel()
	if err := c.backend.Resize(ctx, c.id, size); err != nil {
		c.metrics.ResizeSent("error")
		c.log.Warn("resize failed", zap.Stringer("size", size), zap.Error(err))
		return
	}
	coord.Commit(size)
	c.metrics.ResizeSent("ok")

	c.mu.Lock()
	c.size = size
	c.mu.Unlock()
	c.log.Debug("resized", zap.Stringer("size", size))
}

// Close starts teardown. It is safe to call in any state and more than once.
// A spawn still in flight is abandoned; if it later succeeds the backend
// session is killed instead of becoming ready.
func (c *Controller) Close() {
	c.mu.Lock()
	switch c.state {
	case StateUninitialized:
		c.mu.Unlock()
		c.finalize()
		return
	case StateSpawning:
		c.state = StateClosing
		if c.cancelSpawn != nil {
			c.cancelSpawn()
			c.cancelSpawn = nil
		}
		c.mu.Unlock()
		c.notifyState(StateClosing)
		return
	case StateReady:
		c.state = StateClosing
		c.mu.Unlock()
		c.notifyState(StateClosing)
		c.ops.Push(c.teardown)
		return
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) teardown() {
	c.releaseAll()
	c.kill()
	c.finalize()
}

func (c *Controller) kill() {
	ctx, cancel := c.callContext()
	defer cancel()
	if err := c.backend.Kill(ctx, c.id); err != nil {
		c.log.Warn("kill failed", zap.Error(err))
	}
}

// releaseAll runs every acquired release func, newest first, exactly once.
func (c *Controller) releaseAll() {
	c.mu.Lock()
	release := c.release
	c.release = nil
	c.mu.Unlock()

	for i := len(release) - 1; i >= 0; i-- {
		if release[i] != nil {
			release[i]()
		}
	}
}

// finalize enters StateClosed. Every path into StateClosed goes through here.
func (c *Controller) finalize() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.cancelSpawn != nil {
		c.cancelSpawn()
		c.cancelSpawn = nil
	}
	c.mu.Unlock()

	c.releaseAll()
	c.ops.Close()
	close(c.done)
	c.notifyState(StateClosed)
	c.log.Debug("session closed")
}

func (c *Controller) notifyState(state State) {
	if c.hooks.OnState != nil {
		c.hooks.OnState(c.id, state)
	}
}

func (c *Controller) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.callTimeout)
}
