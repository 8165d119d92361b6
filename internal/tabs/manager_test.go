package tabs

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamTaoist/fterm/internal/config"
	"github.com/TeamTaoist/fterm/internal/session"
	"github.com/TeamTaoist/fterm/internal/session/sessiontest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	m  *Manager
	be *sessiontest.Backend

	mu       sync.Mutex
	surfaces map[string]*sessiontest.Surface
	events   []Event
	ids      []string
	next     int
}

func newHarness(t *testing.T, policy string, ids ...string) *harness {
	t.Helper()
	h := &harness{
		be:       sessiontest.NewBackend(),
		surfaces: make(map[string]*sessiontest.Surface),
		ids:      ids,
	}
	m, err := NewManager(Options{
		Backend: h.be,
		Surfaces: func(id string, req CreateRequest) session.Surface {
			var s *sessiontest.Surface
			if req.Size.Valid() {
				s = sessiontest.NewSurface(req.Size)
			} else {
				s = sessiontest.NewUnmeasurableSurface()
			}
			h.mu.Lock()
			h.surfaces[id] = s
			h.mu.Unlock()
			return s
		},
		Notify: func(ev Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
		Policy:  policy,
		MaxTabs: 8,
		NewID:   h.newID,
	})
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		m.Shutdown(ctx)
	})
	return h
}

func (h *harness) newID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	if h.next <= len(h.ids) {
		return h.ids[h.next-1]
	}
	return fmt.Sprintf("tab-%d", h.next)
}

func (h *harness) eventsOf(typ EventType) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) controller(t *testing.T, id string) *session.Controller {
	t.Helper()
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	tb := h.m.tabs[id]
	require.NotNil(t, tb, "tab %s not registered", id)
	return tb.ctrl
}

func (h *harness) create(t *testing.T, activate bool) Tab {
	t.Helper()
	tab, err := h.m.CreateTab(CreateRequest{Size: session.Size{Rows: 24, Cols: 80}, Activate: activate})
	require.NoError(t, err)
	return tab
}

func (h *harness) waitReady(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		tab, err := h.m.Get(id)
		return err == nil && tab.State == session.StateReady
	}, waitFor, tick)
}

func TestNewManager_Validation(t *testing.T) {
	be := sessiontest.NewBackend()
	surfaces := func(string, CreateRequest) session.Surface { return sessiontest.NewSurface(session.DefaultSize) }

	_, err := NewManager(Options{Surfaces: surfaces})
	assert.Error(t, err)
	_, err = NewManager(Options{Backend: be})
	assert.Error(t, err)
	_, err = NewManager(Options{Backend: be, Surfaces: surfaces, Policy: "maybe"})
	assert.Error(t, err)

	m, err := NewManager(Options{Backend: be, Surfaces: surfaces})
	require.NoError(t, err)
	assert.Equal(t, config.PolicyExit, m.Policy())
}

func TestManager_CreateTabDoesNotWaitForSpawn(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a")
	h.be.HoldSpawn("a")

	tab := h.create(t, true)
	assert.Equal(t, "a", tab.ID)
	assert.Equal(t, session.StateSpawning, tab.State)
	assert.Equal(t, DefaultTitle, tab.Title)
	assert.True(t, tab.Active)
	assert.False(t, tab.CreatedAt.IsZero())

	h.be.ResolveSpawn("a", nil)
	h.waitReady(t, "a")
	require.Len(t, h.eventsOf(EventCreated), 1)
}

func TestManager_FirstTabIsActive(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a", "b", "c")

	h.create(t, false)
	assert.Equal(t, "a", h.m.Active())

	h.create(t, false)
	assert.Equal(t, "a", h.m.Active())

	h.create(t, true)
	assert.Equal(t, "c", h.m.Active())

	var ids []string
	for _, tab := range h.m.Tabs() {
		ids = append(ids, tab.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestManager_CloseScenario(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a", "b")

	h.create(t, true)
	h.waitReady(t, "a")
	spawns := h.be.Calls(sessiontest.OpSpawn, "a")
	require.Len(t, spawns, 1)
	assert.Equal(t, session.Size{Rows: 24, Cols: 80}, spawns[0].Size)

	h.create(t, true)
	h.waitReady(t, "b")
	ctrlA := h.controller(t, "a")

	res, err := h.m.CloseTab("a")
	require.NoError(t, err)
	assert.False(t, res.LastTab)
	assert.Equal(t, "b", res.ActiveTab)
	assert.Equal(t, "b", h.m.Active())

	select {
	case <-ctrlA.Done():
	case <-time.After(waitFor):
		t.Fatal("session a did not close")
	}
	assert.Equal(t, session.StateClosed, ctrlA.State())
	assert.Equal(t, 1, h.be.Count(sessiontest.OpKill, "a"))
	assert.Equal(t, 0, h.be.Count(sessiontest.OpKill, "b"))

	closed := h.eventsOf(EventClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "a", closed[0].Tab.ID)
	assert.Equal(t, "b", closed[0].ActiveTab)
}

func TestManager_CloseSelectsPreviousTab(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a", "b", "c", "d")
	for i := 0; i < 4; i++ {
		h.create(t, false)
	}

	_, err := h.m.SetActive("c")
	require.NoError(t, err)
	res, err := h.m.CloseTab("c")
	require.NoError(t, err)
	assert.Equal(t, "b", res.ActiveTab)

	// Closing an inactive tab leaves the active one alone.
	res, err = h.m.CloseTab("d")
	require.NoError(t, err)
	assert.Equal(t, "b", res.ActiveTab)

	// Nothing precedes the first tab, so the new first tab takes over.
	_, err = h.m.SetActive("a")
	require.NoError(t, err)
	res, err = h.m.CloseTab("a")
	require.NoError(t, err)
	assert.Equal(t, "b", res.ActiveTab)
	assert.Equal(t, 1, h.m.Len())
}

func TestManager_LastTabRefused(t *testing.T) {
	h := newHarness(t, config.PolicyRefuse, "a")
	h.create(t, true)
	h.waitReady(t, "a")

	for i := 0; i < 2; i++ {
		res, err := h.m.CloseTab("a")
		require.NoError(t, err)
		assert.True(t, res.LastTab)
		assert.True(t, res.Refused)
		assert.False(t, res.Shutdown)
	}

	assert.Equal(t, 1, h.m.Len())
	assert.Equal(t, "a", h.m.Active())
	assert.Equal(t, session.StateReady, h.controller(t, "a").State())
	assert.Equal(t, 0, h.be.Count(sessiontest.OpKill, "a"))
	assert.Empty(t, h.eventsOf(EventClosed))
	assert.Empty(t, h.eventsOf(EventShutdown))
	select {
	case <-h.m.Done():
		t.Fatal("refused close must not signal shutdown")
	default:
	}
}

func TestManager_LastTabExits(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a")
	h.create(t, true)
	h.waitReady(t, "a")

	res, err := h.m.CloseTab("a")
	require.NoError(t, err)
	assert.True(t, res.LastTab)
	assert.True(t, res.Shutdown)
	assert.False(t, res.Refused)

	select {
	case <-h.m.Done():
	default:
		t.Fatal("expected shutdown signal")
	}

	_, err = h.m.CloseTab("a")
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = h.m.CreateTab(CreateRequest{})
	assert.ErrorIs(t, err, ErrShuttingDown)

	assert.Len(t, h.eventsOf(EventShutdown), 1)
}

func TestManager_PolicyChangesLive(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a")
	h.create(t, true)

	require.NoError(t, h.m.SetPolicy(config.PolicyRefuse))
	res, err := h.m.CloseTab("a")
	require.NoError(t, err)
	assert.True(t, res.Refused)

	assert.Error(t, h.m.SetPolicy("sometimes"))
	assert.Equal(t, config.PolicyRefuse, h.m.Policy())
}

func TestManager_TabsAndSessionsStayInStep(t *testing.T) {
	h := newHarness(t, config.PolicyRefuse)
	rng := rand.New(rand.NewSource(7))

	check := func() {
		tabs := h.m.Tabs()
		sessions := h.m.Sessions()
		require.Equal(t, len(tabs), h.m.Len())
		require.Equal(t, len(tabs), len(sessions))
		for i, info := range sessions {
			require.Equal(t, tabs[i].ID, info.ID)
			require.NotEqual(t, session.StateClosed, info.State)
		}
		active := 0
		for _, tab := range tabs {
			if tab.Active {
				active++
			}
		}
		if len(tabs) > 0 {
			require.Equal(t, 1, active)
		}
	}

	for i := 0; i < 200; i++ {
		tabs := h.m.Tabs()
		switch {
		case len(tabs) == 0 || (len(tabs) < 8 && rng.Intn(2) == 0):
			_, err := h.m.CreateTab(CreateRequest{Activate: rng.Intn(2) == 0})
			require.NoError(t, err)
		case rng.Intn(4) == 0:
			_, err := h.m.SetActive(tabs[rng.Intn(len(tabs))].ID)
			require.NoError(t, err)
		default:
			_, err := h.m.CloseTab(tabs[rng.Intn(len(tabs))].ID)
			require.NoError(t, err)
		}
		check()
	}

	// Every closed tab's session was killed exactly once.
	require.Eventually(t, func() bool {
		return h.be.Count(sessiontest.OpSpawn, "")-h.be.Count(sessiontest.OpKill, "") == h.m.Len()
	}, waitFor, tick)
	for _, call := range h.be.Calls(sessiontest.OpKill, "") {
		assert.Equal(t, 1, h.be.Count(sessiontest.OpKill, call.ID))
	}
}

func TestManager_TitleFromSession(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a", "b")
	h.create(t, true)
	h.create(t, false)
	h.waitReady(t, "a")
	h.waitReady(t, "b")

	require.True(t, h.be.Emit("a", session.Event{Type: session.EventTitle, Title: "htop"}))
	require.Eventually(t, func() bool {
		tab, err := h.m.Get("a")
		return err == nil && tab.Title == "htop"
	}, waitFor, tick)

	b, err := h.m.Get("b")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, b.Title)
}

func TestManager_OutputStaysWithItsTab(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a", "b")
	h.create(t, true)
	h.create(t, false)
	h.waitReady(t, "a")
	h.waitReady(t, "b")

	var wantA, wantB strings.Builder
	for i := 0; i < 100; i++ {
		for _, id := range []string{"a", "b"} {
			chunk := fmt.Sprintf("%s%03d;", id, i)
			require.True(t, h.be.EmitOutput(id, chunk))
			if id == "a" {
				wantA.WriteString(chunk)
			} else {
				wantB.WriteString(chunk)
			}
		}
	}

	h.mu.Lock()
	surfA, surfB := h.surfaces["a"], h.surfaces["b"]
	h.mu.Unlock()
	require.Eventually(t, func() bool {
		return len(surfA.Output()) == wantA.Len() && len(surfB.Output()) == wantB.Len()
	}, waitFor, tick)
	assert.Equal(t, wantA.String(), surfA.Output())
	assert.Equal(t, wantB.String(), surfB.Output())
}

func TestManager_ExitShownOnTab(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a")
	h.create(t, true)
	h.waitReady(t, "a")

	require.True(t, h.be.Emit("a", session.Event{Type: session.EventExit, ExitCode: 130}))
	require.Eventually(t, func() bool {
		tab, err := h.m.Get("a")
		return err == nil && tab.Exited && tab.ExitCode == 130
	}, waitFor, tick)
}

func TestManager_SetDraft(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a")
	h.create(t, true)

	tab, err := h.m.SetDraft("a", "git status")
	require.NoError(t, err)
	assert.Equal(t, "git status", tab.Draft)

	_, err = h.m.SetDraft("missing", "x")
	assert.ErrorIs(t, err, ErrTabNotFound)
}

func TestManager_UnknownTab(t *testing.T) {
	h := newHarness(t, config.PolicyExit)

	_, err := h.m.CloseTab("missing")
	assert.ErrorIs(t, err, ErrTabNotFound)
	_, err = h.m.SetActive("missing")
	assert.ErrorIs(t, err, ErrTabNotFound)
	_, err = h.m.Get("missing")
	assert.ErrorIs(t, err, ErrTabNotFound)
	_, err = h.m.WorkingDir("missing")
	assert.ErrorIs(t, err, ErrTabNotFound)
}

func TestManager_MaxTabs(t *testing.T) {
	h := newHarness(t, config.PolicyExit)
	for i := 0; i < 8; i++ {
		h.create(t, false)
	}
	_, err := h.m.CreateTab(CreateRequest{})
	assert.ErrorIs(t, err, ErrTooManyTabs)
	assert.Equal(t, 8, h.m.Len())
}

func TestManager_DefaultSizeUsedWhenUnmeasurable(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a")
	h.m.SetDefaultSize(session.Size{Rows: 50, Cols: 160})

	_, err := h.m.CreateTab(CreateRequest{})
	require.NoError(t, err)
	h.waitReady(t, "a")

	spawns := h.be.Calls(sessiontest.OpSpawn, "a")
	require.Len(t, spawns, 1)
	assert.Equal(t, session.Size{Rows: 50, Cols: 160}, spawns[0].Size)
}

func TestManager_Shutdown(t *testing.T) {
	h := newHarness(t, config.PolicyExit, "a", "b", "c")
	for i := 0; i < 3; i++ {
		h.create(t, false)
	}
	for _, id := range []string{"a", "b", "c"} {
		h.waitReady(t, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.m.Shutdown(ctx))

	assert.Zero(t, h.m.Len())
	assert.Empty(t, h.m.Active())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, h.be.Count(sessiontest.OpKill, id))
	}
	_, err := h.m.CreateTab(CreateRequest{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
