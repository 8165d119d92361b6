package session_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamTaoist/fterm/internal/session"
	"github.com/TeamTaoist/fterm/internal/session/sessiontest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type stateLog struct {
	mu     sync.Mutex
	states []session.State
	titles []string
	exits  []int
}

func (l *stateLog) hooks() session.Hooks {
	return session.Hooks{
		OnState: func(_ string, s session.State) {
			l.mu.Lock()
			l.states = append(l.states, s)
			l.mu.Unlock()
		},
		OnTitle: func(_ string, title string) {
			l.mu.Lock()
			l.titles = append(l.titles, title)
			l.mu.Unlock()
		},
		OnExit: func(_ string, code int) {
			l.mu.Lock()
			l.exits = append(l.exits, code)
			l.mu.Unlock()
		},
	}
}

func (l *stateLog) States() []session.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.State(nil), l.states...)
}

func (l *stateLog) Titles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.titles...)
}

func newController(t *testing.T, id string, be *sessiontest.Backend, surf *sessiontest.Surface, log *stateLog) *session.Controller {
	t.Helper()
	opts := session.Options{ID: id, Backend: be, Surface: surf}
	if log != nil {
		opts.Hooks = log.hooks()
	}
	c := session.NewController(opts)
	t.Cleanup(c.Close)
	return c
}

func startReady(t *testing.T, c *session.Controller, surf *sessiontest.Surface) {
	t.Helper()
	c.Start()
	require.Eventually(t, func() bool {
		return c.State() == session.StateReady && surf.Observed()
	}, waitFor, tick)
}

func waitClosed(t *testing.T, c *session.Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatalf("session %s did not close, state %s", c.ID(), c.State())
	}
}

func TestController_SpawnUsesMeasuredSize(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.Size{Rows: 40, Cols: 120})
	log := &stateLog{}
	c := newController(t, "a", be, surf, log)

	startReady(t, c, surf)

	spawns := be.Calls(sessiontest.OpSpawn, "a")
	require.Len(t, spawns, 1)
	assert.Equal(t, session.Size{Rows: 40, Cols: 120}, spawns[0].Size)
	assert.Equal(t, 1, be.Count(sessiontest.OpSubscribe, "a"))
	assert.Equal(t, []session.State{session.StateSpawning, session.StateReady}, log.States())
	assert.Equal(t, session.Size{Rows: 40, Cols: 120}, c.Info().Size)
}

func TestController_SpawnFallsBackToDefaultSize(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewUnmeasurableSurface()
	c := newController(t, "a", be, surf, nil)

	startReady(t, c, surf)

	spawns := be.Calls(sessiontest.OpSpawn, "a")
	require.Len(t, spawns, 1)
	assert.Equal(t, session.DefaultSize, spawns[0].Size)
}

func TestController_StartTwiceSpawnsOnce(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.DefaultSize)
	c := newController(t, "a", be, surf, nil)

	startReady(t, c, surf)
	c.Start()

	assert.Equal(t, 1, be.Count(sessiontest.OpSpawn, "a"))
}

func TestController_InputDroppedWhileSpawning(t *testing.T) {
	be := sessiontest.NewBackend()
	be.HoldSpawn("a")
	surf := sessiontest.NewSurface(session.DefaultSize)
	c := newController(t, "a", be, surf, nil)

	c.Start()
	require.Equal(t, session.StateSpawning, c.State())

	c.Write([]byte("ls\r"))
	be.ResolveSpawn("a", nil)
	require.Eventually(t, func() bool { return c.State() == session.StateReady }, waitFor, tick)

	c.Write([]byte("pwd\r"))
	require.Eventually(t, func() bool { return be.Count(sessiontest.OpWrite, "a") == 1 }, waitFor, tick)

	writes := be.Calls(sessiontest.OpWrite, "a")
	assert.Equal(t, "pwd\r", string(writes[0].Data))
}

func TestController_KeystrokesReachBackendInOrder(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.DefaultSize)
	c := newController(t, "a", be, surf, nil)
	startReady(t, c, surf)

	for _, key := range []string{"e", "c", "h", "o", "\r"} {
		surf.Type(key)
	}
	require.Eventually(t, func() bool { return be.Count(sessiontest.OpWrite, "a") == 5 }, waitFor, tick)

	var got string
	for _, w := range be.Calls(sessiontest.OpWrite, "a") {
		got += string(w.Data)
	}
	assert.Equal(t, "echo\r", got)
}

func TestController_InputDroppedAfterClose(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.DefaultSize)
	c := newController(t, "a", be, surf, nil)
	startReady(t, c, surf)

	c.Close()
	c.Write([]byte("exit\r"))
	surf.Type("late")
	waitClosed(t, c)

	assert.Equal(t, 0, be.Count(sessiontest.OpWrite, "a"))
}

func TestController_FirstResizeSuppressed(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.Size{Rows: 24, Cols: 80})
	c := newController(t, "a", be, surf, nil)
	startReady(t, c, surf)

	// The first notification is the echo of the initial layout, even when
	// the geometry has moved on since the spawn measurement.
	surf.SetSize(session.Size{Rows: 30, Cols: 100})
	surf.NotifyResize()

	surf.SetSize(session.Size{Rows: 50, Cols: 132})
	surf.NotifyResize()

	require.Eventually(t, func() bool { return be.Count(sessiontest.OpResize, "a") == 1 }, waitFor, tick)
	resizes := be.Calls(sessiontest.OpResize, "a")
	assert.Equal(t, session.Size{Rows: 50, Cols: 132}, resizes[0].Size)
	assert.Equal(t, session.Size{Rows: 50, Cols: 132}, c.Info().Size)
}

func TestController_ResizeSkipsUnchangedGeometry(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.Size{Rows: 24, Cols: 80})
	c := newController(t, "a", be, surf, nil)
	startReady(t, c, surf)

	surf.NotifyResize() // suppressed
	surf.NotifyResize()
	surf.NotifyResize()

	surf.SetSize(session.Size{Rows: 25, Cols: 80})
	surf.NotifyResize()
	surf.NotifyResize()

	require.Eventually(t, func() bool { return be.Count(sessiontest.OpResize, "a") == 1 }, waitFor, tick)
	// Give any stray resize a chance to show up.
	c.Write([]byte("x"))
	require.Eventually(t, func() bool { return be.Count(sessiontest.OpWrite, "a") == 1 }, waitFor, tick)
	assert.Equal(t, 1, be.Count(sessiontest.OpResize, "a"))
}

func TestController_FailedResizeIsRetried(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.Size{Rows: 24, Cols: 80})
	c := newController(t, "a", be, surf, nil)
	startReady(t, c, surf)

	surf.NotifyResize() // suppressed

	be.FailResize(errors.New("ioctl failed"))
	surf.SetSize(session.Size{Rows: 30, Cols: 90})
	surf.NotifyResize()
	require.Eventually(t, func() bool { return be.Count(sessiontest.OpResize, "a") == 1 }, waitFor, tick)
	assert.Equal(t, session.StateReady, c.State())

	be.FailResize(nil)
	surf.NotifyResize()
	require.Eventually(t, func() bool { return be.Count(sessiontest.OpResize, "a") == 2 }, waitFor, tick)
	assert.Equal(t, session.Size{Rows: 30, Cols: 90}, c.Info().Size)
}

func TestController_OutputForwardedInOrder(t *testing.T) {
	be := sessiontest.NewBackend()
	surfA := sessiontest.NewSurface(session.DefaultSize)
	surfB := sessiontest.NewSurface(session.DefaultSize)
	a := newController(t, "a", be, surfA, nil)
	b := newController(t, "b", be, surfB, nil)
	startReady(t, a, surfA)
	startReady(t, b, surfB)

	var wantA, wantB strings.Builder
	for i := 0; i < 200; i++ {
		chunkA := fmt.Sprintf("a%03d;", i)
		chunkB := fmt.Sprintf("b%03d;", i)
		require.True(t, be.EmitOutput("a", chunkA))
		require.True(t, be.EmitOutput("b", chunkB))
		wantA.WriteString(chunkA)
		wantB.WriteString(chunkB)
	}

	require.Eventually(t, func() bool { return len(surfA.Output()) == wantA.Len() }, waitFor, tick)
	require.Eventually(t, func() bool { return len(surfB.Output()) == wantB.Len() }, waitFor, tick)
	assert.Equal(t, wantA.String(), surfA.Output())
	assert.Equal(t, wantB.String(), surfB.Output())
}

func TestController_CloseWhileSpawningKillsLateSuccess(t *testing.T) {
	be := sessiontest.NewBackend()
	be.HoldSpawn("a")
	surf := sessiontest.NewSurface(session.DefaultSize)
	log := &stateLog{}
	c := newController(t, "a", be, surf, log)

	c.Start()
	c.Close()
	assert.Equal(t, session.StateClosing, c.State())

	be.ResolveSpawn("a", nil)
	waitClosed(t, c)

	assert.Equal(t, 1, be.Count(sessiontest.OpKill, "a"))
	assert.Equal(t, 0, be.Count(sessiontest.OpSubscribe, "a"))
	assert.NotContains(t, log.States(), session.StateReady)
	assert.Equal(t, session.StateClosed, c.State())
}

func TestController_CloseWhileSpawningLateFailure(t *testing.T) {
	be := sessiontest.NewBackend()
	be.HoldSpawn("a")
	surf := sessiontest.NewSurface(session.DefaultSize)
	c := newController(t, "a", be, surf, nil)

	c.Start()
	c.Close()
	be.ResolveSpawn("a", errors.New("no such shell"))
	waitClosed(t, c)

	assert.Equal(t, 0, be.Count(sessiontest.OpKill, "a"))
	assert.Empty(t, surf.Output())
}

func TestController_SpawnFailureShownInline(t *testing.T) {
	be := sessiontest.NewBackend()
	be.FailSpawn("a", errors.New("fork/exec /bin/nope: no such file or directory"))
	surf := sessiontest.NewSurface(session.DefaultSize)
	log := &stateLog{}
	c := newController(t, "a", be, surf, log)

	c.Start()
	waitClosed(t, c)

	assert.Equal(t,
		"\r\n\x1b[31mError: Failed to spawn PTY: fork/exec /bin/nope: no such file or directory\x1b[0m",
		surf.Output())
	assert.Equal(t, 0, be.Count(sessiontest.OpKill, "a"))
	assert.Equal(t, 0, be.Count(sessiontest.OpSubscribe, "a"))
	assert.Equal(t, []session.State{session.StateSpawning, session.StateClosed}, log.States())

	c.Write([]byte("ls\r"))
	assert.Equal(t, 0, be.Count(sessiontest.OpWrite, "a"))
}

func TestController_SubscribeFailureKillsSession(t *testing.T) {
	be := sessiontest.NewBackend()
	be.FailSubscribe(errors.New("stream unavailable"))
	surf := sessiontest.NewSurface(session.DefaultSize)
	c := newController(t, "a", be, surf, nil)

	c.Start()
	waitClosed(t, c)

	assert.Equal(t, 1, be.Count(sessiontest.OpKill, "a"))
	assert.Contains(t, surf.Output(), "stream unavailable")
}

func TestController_CloseDuringSubscribe(t *testing.T) {
	be := sessiontest.NewBackend()
	be.HoldSubscribe()
	surf := sessiontest.NewSurface(session.DefaultSize)
	log := &stateLog{}
	c := newController(t, "a", be, surf, log)

	c.Start()
	require.Eventually(t, func() bool { return be.Count(sessiontest.OpSubscribe, "a") == 1 }, waitFor, tick)
	c.Close()
	be.ReleaseSubscribe()
	waitClosed(t, c)

	surf.Type("ls\r")
	surf.NotifyResize()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, session.StateClosed, c.State())
	assert.NotContains(t, log.States(), session.StateReady)
	assert.Equal(t, 1, be.Count(sessiontest.OpKill, "a"))
	assert.Equal(t, 1, be.Count(sessiontest.OpUnsubscribe, "a"))
	assert.Zero(t, be.Count(sessiontest.OpWrite, "a"))
	assert.Zero(t, be.Count(sessiontest.OpResize, "a"))
	assert.False(t, surf.Observed())
	assert.Empty(t, surf.Output())
}

func TestController_CloseDuringFailedSubscribe(t *testing.T) {
	be := sessiontest.NewBackend()
	be.HoldSubscribe()
	be.FailSubscribe(errors.New("stream unavailable"))
	surf := sessiontest.NewSurface(session.DefaultSize)
	c := newController(t, "a", be, surf, nil)

	c.Start()
	require.Eventually(t, func() bool { return be.Count(sessiontest.OpSubscribe, "a") == 1 }, waitFor, tick)
	c.Close()
	be.ReleaseSubscribe()
	waitClosed(t, c)

	assert.Equal(t, 1, be.Count(sessiontest.OpKill, "a"))
	assert.Empty(t, surf.Output())
}

func TestController_CloseReleasesEverythingOnce(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.DefaultSize)
	log := &stateLog{}
	c := newController(t, "a", be, surf, log)
	startReady(t, c, surf)

	c.Close()
	c.Close()
	waitClosed(t, c)
	c.Close()

	assert.Equal(t, 1, be.Count(sessiontest.OpKill, "a"))
	assert.Equal(t, 1, be.Count(sessiontest.OpUnsubscribe, "a"))
	resize, input := surf.Releases()
	assert.Equal(t, 1, resize)
	assert.Equal(t, 1, input)
	assert.Equal(t, []session.State{
		session.StateSpawning, session.StateReady, session.StateClosing, session.StateClosed,
	}, log.States())
}

func TestController_CloseBeforeStart(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.DefaultSize)
	c := newController(t, "a", be, surf, nil)

	c.Close()
	waitClosed(t, c)
	c.Start()

	assert.Equal(t, 0, be.Count(sessiontest.OpSpawn, "a"))
	assert.Equal(t, 0, be.Count(sessiontest.OpKill, "a"))
}

func TestController_OutputIgnoredAfterClose(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.DefaultSize)
	c := newController(t, "a", be, surf, nil)
	startReady(t, c, surf)

	require.True(t, be.EmitOutput("a", "before"))
	require.Eventually(t, func() bool { return surf.Output() == "before" }, waitFor, tick)

	c.Close()
	waitClosed(t, c)
	be.EmitOutput("a", "after")

	assert.Equal(t, "before", surf.Output())
}

func TestController_TitleChangesAreDeduplicated(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.DefaultSize)
	log := &stateLog{}
	c := newController(t, "a", be, surf, log)
	startReady(t, c, surf)

	for _, title := range []string{"vim", "vim", "bash", "bash"} {
		be.Emit("a", session.Event{Type: session.EventTitle, Title: title})
	}
	require.Eventually(t, func() bool { return len(log.Titles()) == 2 }, waitFor, tick)
	require.True(t, be.EmitOutput("a", "sync"))
	require.Eventually(t, func() bool { return surf.Output() == "sync" }, waitFor, tick)

	assert.Equal(t, []string{"vim", "bash"}, log.Titles())
	assert.Equal(t, "bash", c.Info().Title)
}

func TestController_ExitRecorded(t *testing.T) {
	be := sessiontest.NewBackend()
	surf := sessiontest.NewSurface(session.DefaultSize)
	log := &stateLog{}
	c := newController(t, "a", be, surf, log)
	startReady(t, c, surf)

	be.Emit("a", session.Event{Type: session.EventExit, ExitCode: 3})
	require.Eventually(t, func() bool { return c.Info().Exited }, waitFor, tick)

	assert.Equal(t, 3, c.Info().ExitCode)
	// The tab stays open until the user closes it.
	assert.Equal(t, session.StateReady, c.State())
}
