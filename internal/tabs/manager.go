// Package tabs keeps the set of open tabs and their sessions in step: creation,
// activation, title updates and teardown ordering.
package tabs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TeamTaoist/fterm/internal/config"
	"github.com/TeamTaoist/fterm/internal/metrics"
	"github.com/TeamTaoist/fterm/internal/session"
)

// SurfaceFactory builds the rendering surface for a new tab.
type SurfaceFactory func(id string, req CreateRequest) session.Surface

// Options configure a Manager.
type Options struct {
	Backend  session.Backend
	Surfaces SurfaceFactory
	// Notify receives every registry change. It is called with the registry
	// lock held and must not call back into the Manager.
	Notify      func(Event)
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Policy      string
	MaxTabs     int
	DefaultSize session.Size
	// NewID overrides tab id generation.
	NewID func() string
}

type tab struct {
	ctrl      *session.Controller
	title     string
	draft     string
	createdAt time.Time
}

// Manager maps tabs to session controllers. Tab order is creation order.
type Manager struct {
	backend  session.Backend
	surfaces SurfaceFactory
	notify   func(Event)
	log      *zap.Logger
	metrics  *metrics.Metrics
	newID    func() string

	mu           sync.Mutex
	tabs         map[string]*tab
	order        []string
	active       string
	policy       string
	maxTabs      int
	defaultSize  session.Size
	shuttingDown bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewManager creates an empty registry.
func NewManager(opts Options) (*Manager, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("tabs: backend is required")
	}
	if opts.Surfaces == nil {
		return nil, fmt.Errorf("tabs: surface factory is required")
	}
	policy := opts.Policy
	if policy == "" {
		policy = config.PolicyExit
	}
	if err := config.ValidatePolicy(policy); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(Event) {}
	}
	maxTabs := opts.MaxTabs
	if maxTabs <= 0 {
		maxTabs = 32
	}
	def := opts.DefaultSize
	if !def.Valid() {
		def = session.DefaultSize
	}

	return &Manager{
		backend:     opts.Backend,
		surfaces:    opts.Surfaces,
		notify:      notify,
		log:         logger,
		metrics:     opts.Metrics,
		newID:       newID,
		tabs:        make(map[string]*tab),
		policy:      policy,
		maxTabs:     maxTabs,
		defaultSize: def,
		done:        make(chan struct{}),
	}, nil
}

// CreateTab registers a new tab and starts its session. It returns before the
// backend has spawned anything; the tab starts out in StateSpawning.
func (m *Manager) CreateTab(req CreateRequest) (Tab, error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return Tab{}, ErrShuttingDown
	}
	if len(m.tabs) >= m.maxTabs {
		m.mu.Unlock()
		m.log.Warn("tab create rejected", zap.Int("max", m.maxTabs))
		return Tab{}, fmt.Errorf("%w (%d)", ErrTooManyTabs, m.maxTabs)
	}
	def := m.defaultSize
	m.mu.Unlock()

	id := m.newID()
	ctrl := session.NewController(session.Options{
		ID:      id,
		Backend: m.backend,
		Surface: m.surfaces(id, req),
		Hooks: session.Hooks{
			OnState: func(id string, _ session.State) { m.publishUpdate(id) },
			OnTitle: m.rename,
			OnExit:  func(id string, _ int) { m.publishUpdate(id) },
		},
		Logger:      m.log,
		Metrics:     m.metrics,
		DefaultSize: def,
	})

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		ctrl.Close()
		return Tab{}, ErrShuttingDown
	}
	t := &tab{ctrl: ctrl, title: DefaultTitle, createdAt: time.Now().UTC()}
	m.tabs[id] = t
	m.order = append(m.order, id)
	if req.Activate || m.active == "" {
		m.active = id
	}
	count := len(m.tabs)
	m.notify(Event{Type: EventCreated, Tab: m.snapshotLocked(id, t), ActiveTab: m.active})
	m.mu.Unlock()

	m.metrics.SetTabsOpen(count)
	m.log.Info("tab created", zap.String("tab", id), zap.Int("tabs", count))

	ctrl.Start()
	return m.Get(id)
}

// CloseTab closes a tab and its session. Closing the only tab applies the
// last-tab policy instead: "refuse" leaves everything untouched, "exit" signals
// application shutdown once.
func (m *Manager) CloseTab(id string) (CloseResult, error) {
	m.mu.Lock()
	t := m.tabs[id]
	if t == nil {
		m.mu.Unlock()
		m.log.Warn("tab close failed", zap.String("tab", id), zap.Error(ErrTabNotFound))
		return CloseResult{}, ErrTabNotFound
	}
	if m.shuttingDown {
		m.mu.Unlock()
		return CloseResult{}, ErrShuttingDown
	}

	if len(m.order) == 1 {
		res := CloseResult{Tab: m.snapshotLocked(id, t), ActiveTab: m.active, LastTab: true}
		if m.policy == config.PolicyRefuse {
			res.Refused = true
			m.mu.Unlock()
			m.log.Info("refusing to close last tab", zap.String("tab", id))
			return res, nil
		}
		m.shuttingDown = true
		res.Shutdown = true
		m.notify(Event{Type: EventShutdown, Tab: res.Tab, ActiveTab: m.active})
		m.mu.Unlock()
		m.log.Info("last tab closed, exiting", zap.String("tab", id))
		m.signalDone()
		return res, nil
	}

	idx := indexOf(m.order, id)
	delete(m.tabs, id)
	m.order = removeTabID(m.order, id)
	if m.active == id {
		if idx > 0 {
			m.active = m.order[idx-1]
		} else {
			m.active = m.order[0]
		}
	}
	snap := m.snapshotLocked(id, t)
	snap.Active = false
	res := CloseResult{Tab: snap, ActiveTab: m.active}
	count := len(m.tabs)
	m.notify(Event{Type: EventClosed, Tab: snap, ActiveTab: m.active})
	m.mu.Unlock()

	m.metrics.SetTabsOpen(count)
	t.ctrl.Close()
	m.log.Info("tab closed", zap.String("tab", id), zap.String("active", res.ActiveTab), zap.Int("tabs", count))
	return res, nil
}

// SetActive makes id the active tab. Session state is not affected.
func (m *Manager) SetActive(id string) (Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tabs[id]
	if t == nil {
		return Tab{}, ErrTabNotFound
	}
	m.active = id
	snap := m.snapshotLocked(id, t)
	m.notify(Event{Type: EventActivated, Tab: snap, ActiveTab: id})
	return snap, nil
}

// SetDraft stores the tab's unsent command text.
func (m *Manager) SetDraft(id, draft string) (Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tabs[id]
	if t == nil {
		return Tab{}, ErrTabNotFound
	}
	if t.draft == draft {
		return m.snapshotLocked(id, t), nil
	}
	t.draft = draft
	snap := m.snapshotLocked(id, t)
	m.notify(Event{Type: EventUpdated, Tab: snap, ActiveTab: m.active})
	return snap, nil
}

// rename applies a title reported by the tab's session.
func (m *Manager) rename(id, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tabs[id]
	if t == nil || t.title == title {
		return
	}
	t.title = title
	m.notify(Event{Type: EventUpdated, Tab: m.snapshotLocked(id, t), ActiveTab: m.active})
}

// publishUpdate announces a session change for a tab that is still open.
func (m *Manager) publishUpdate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tabs[id]
	if t == nil {
		return
	}
	m.notify(Event{Type: EventUpdated, Tab: m.snapshotLocked(id, t), ActiveTab: m.active})
}

// SetPolicy changes the last-tab policy.
func (m *Manager) SetPolicy(policy string) error {
	if err := config.ValidatePolicy(policy); err != nil {
		return err
	}
	m.mu.Lock()
	old := m.policy
	m.policy = policy
	m.mu.Unlock()
	if old != policy {
		m.log.Info("last tab policy changed", zap.String("from", old), zap.String("to", policy))
	}
	return nil
}

// Policy returns the last-tab policy.
func (m *Manager) Policy() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetDefaultSize changes the fallback size for tabs created from now on.
func (m *Manager) SetDefaultSize(size session.Size) {
	if !size.Valid() {
		return
	}
	m.mu.Lock()
	m.defaultSize = size
	m.mu.Unlock()
}

// Get returns one tab.
func (m *Manager) Get(id string) (Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tabs[id]
	if t == nil {
		return Tab{}, ErrTabNotFound
	}
	return m.snapshotLocked(id, t), nil
}

// Tabs returns every tab in display order.
func (m *Manager) Tabs() []Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tab, 0, len(m.order))
	for _, id := range m.order {
		if t := m.tabs[id]; t != nil {
			out = append(out, m.snapshotLocked(id, t))
		}
	}
	return out
}

// Active returns the active tab id, or "" when no tab is open.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Len returns the number of open tabs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs)
}

// Sessions returns the session of every open tab in display order.
func (m *Manager) Sessions() []session.Info {
	m.mu.Lock()
	ctrls := make([]*session.Controller, 0, len(m.order))
	for _, id := range m.order {
		ctrls = append(ctrls, m.tabs[id].ctrl)
	}
	m.mu.Unlock()

	out := make([]session.Info, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Info())
	}
	return out
}

// WorkingDir reports the current directory of the tab's shell.
func (m *Manager) WorkingDir(id string) (string, error) {
	m.mu.Lock()
	_, ok := m.tabs[id]
	m.mu.Unlock()
	if !ok {
		return "", ErrTabNotFound
	}
	r, ok := m.backend.(session.WorkingDirReporter)
	if !ok {
		return "", fmt.Errorf("backend cannot report working directories")
	}
	return r.WorkingDir(id)
}

// Done is closed when closing the last tab asks the application to exit.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) signalDone() {
	m.doneOnce.Do(func() { close(m.done) })
}

// Shutdown closes every tab and waits for the sessions to finish teardown or
// for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	ctrls := make([]*session.Controller, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		ctrls = append(ctrls, m.tabs[m.order[i]].ctrl)
	}
	m.tabs = make(map[string]*tab)
	m.order = nil
	m.active = ""
	m.mu.Unlock()

	m.metrics.SetTabsOpen(0)
	for _, c := range ctrls {
		c.Close()
	}
	for _, c := range ctrls {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for sessions to close: %w", ctx.Err())
		}
	}
	m.log.Info("all tabs closed", zap.Int("count", len(ctrls)))
	return nil
}

func (m *Manager) snapshotLocked(id string, t *tab) Tab {
	info := t.ctrl.Info()
	return Tab{
		ID:        id,
		Title:     t.title,
		State:     info.State,
		Active:    id == m.active,
		Size:      info.Size,
		Exited:    info.Exited,
		ExitCode:  info.ExitCode,
		Draft:     t.draft,
		CreatedAt: t.createdAt,
	}
}

func indexOf(order []string, id string) int {
	for i, current := range order {
		if current == id {
			return i
		}
	}
	return -1
}

func removeTabID(order []string, id string) []string {
	for i, current := range order {
		if current == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
