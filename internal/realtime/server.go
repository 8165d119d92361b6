// Package realtime connects browser clients to the tab registry over a
// WebSocket and a small REST API. Each tab's rendering surface lives here.
package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TeamTaoist/fterm/internal/metrics"
	"github.com/TeamTaoist/fterm/internal/protocol"
	"github.com/TeamTaoist/fterm/internal/session"
	"github.com/TeamTaoist/fterm/internal/tabs"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBufferSize    = 1024
	defaultScrollback = 1000
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Options configure a Server.
type Options struct {
	StaticDir string
	// Scrollback is the number of output chunks kept per tab for replay.
	Scrollback int
	// MessagesPerSecond and Burst bound inbound messages per client. Zero
	// disables the limit.
	MessagesPerSecond int
	Burst             int
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Server manages WebSocket connections and routes messages between clients
// and the tab registry.
type Server struct {
	tabs       *tabs.Manager
	log        *zap.Logger
	metrics    *metrics.Metrics
	staticDir  string
	scrollback int
	rps        int
	burst      int

	clients   map[*client]bool
	clientsMu sync.RWMutex

	surfaces   map[string]*remoteSurface
	surfacesMu sync.RWMutex

	// outputMu orders scrollback writes against client snapshots so a new
	// client sees every chunk exactly once.
	outputMu sync.Mutex
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	server  *Server
	limiter *rate.Limiter
}

// New creates a realtime server. Attach must be called before serving.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scrollback := opts.Scrollback
	if scrollback <= 0 {
		scrollback = defaultScrollback
	}
	return &Server{
		log:        logger,
		metrics:    opts.Metrics,
		staticDir:  opts.StaticDir,
		scrollback: scrollback,
		rps:        opts.MessagesPerSecond,
		burst:      opts.Burst,
		clients:    make(map[*client]bool),
		surfaces:   make(map[string]*remoteSurface),
	}
}

// Attach binds the tab registry. The registry is created after the server
// because it needs NewSurface and OnTabEvent.
func (s *Server) Attach(m *tabs.Manager) {
	s.tabs = m
}

// NewSurface is the registry's surface factory.
func (s *Server) NewSurface(id string, req tabs.CreateRequest) session.Surface {
	rs := newRemoteSurface(id, req.Size, s, s.scrollback)
	s.surfacesMu.Lock()
	s.surfaces[id] = rs
	s.surfacesMu.Unlock()
	return rs
}

func (s *Server) surface(id string) (*remoteSurface, bool) {
	s.surfacesMu.RLock()
	defer s.surfacesMu.RUnlock()
	rs, ok := s.surfaces[id]
	return rs, ok
}

// OnTabEvent forwards registry changes to every client. It runs under the
// registry lock and never blocks.
func (s *Server) OnTabEvent(ev tabs.Event) {
	switch ev.Type {
	case tabs.EventCreated, tabs.EventUpdated, tabs.EventActivated:
		s.broadcastType(protocol.TypeTabUpdate, protocol.TabUpdatePayload{
			Tab:         toTabPayload(ev.Tab),
			ActiveTabID: ev.ActiveTab,
		})
	case tabs.EventClosed:
		s.surfacesMu.Lock()
		delete(s.surfaces, ev.Tab.ID)
		s.surfacesMu.Unlock()
		s.broadcastType(protocol.TypeTabClosed, protocol.TabClosedPayload{
			TabID:       ev.Tab.ID,
			ActiveTabID: ev.ActiveTab,
		})
	case tabs.EventShutdown:
		s.broadcastType(protocol.TypeAppExit, protocol.AppExitPayload{Reason: "last tab closed"})
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /tabs", s.handleListTabs)
	mux.HandleFunc("POST /tabs", s.handleCreateTab)
	mux.HandleFunc("GET /tabs/{id}", s.handleGetTab)
	mux.HandleFunc("DELETE /tabs/{id}", s.handleCloseTab)
	mux.HandleFunc("POST /tabs/{id}/activate", s.handleActivateTab)
	mux.HandleFunc("GET /tabs/{id}/cwd", s.handleTabCwd)
	mux.HandleFunc("GET /system", s.handleSystemInfo)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		server: s,
	}
	if s.rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.rps), max(s.burst, 1))
	}

	// Snapshot and registration happen under outputMu so no chunk is
	// replayed twice or missed.
	s.outputMu.Lock()
	s.sendSnapshot(c)
	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.outputMu.Unlock()

	s.metrics.ClientConnected()
	s.log.Debug("client connected", zap.String("remote", r.RemoteAddr))

	go c.writePump()
	go c.readPump()
}

// sendSnapshot sends every tab in display order, then each tab's scrollback.
func (s *Server) sendSnapshot(c *client) {
	if s.tabs == nil {
		return
	}
	all := s.tabs.Tabs()
	active := s.tabs.Active()
	for _, tab := range all {
		s.sendType(c, protocol.TypeTabUpdate, protocol.TabUpdatePayload{
			Tab:         toTabPayload(tab),
			ActiveTabID: active,
		})
	}
	for _, tab := range all {
		rs, ok := s.surface(tab.ID)
		if !ok {
			continue
		}
		if data := rs.scrollback.Bytes(); len(data) > 0 {
			s.sendType(c, protocol.TypeTermOutput, protocol.TermOutputPayload{TabID: tab.ID, Data: data})
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues data for the client. A client that cannot keep up is
// disconnected; dropping terminal output would corrupt its screen.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.server.log.Warn("client send buffer full, disconnecting", zap.String("remote", c.conn.RemoteAddr().String()))
		c.conn.Close()
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if !s.clients[c] {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	s.clientsMu.Unlock()

	close(c.send)
	s.metrics.ClientDisconnected()
	s.log.Debug("client disconnected")
}

// CloseClients tells every client the server is going away.
func (s *Server) CloseClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for c := range s.clients {
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.conn.Close()
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		s.sendError(c, protocol.ErrRateLimited, "rate limit exceeded")
		return
	}

	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}
	if s.tabs == nil {
		s.sendError(c, protocol.ErrShuttingDown, "not ready")
		return
	}

	switch msg.Type {
	case protocol.TypeTabCreate:
		s.handleWSCreateTab(c, msg)
	case protocol.TypeTabClose:
		s.handleWSCloseTab(c, msg)
	case protocol.TypeTabActivate:
		s.handleWSActivateTab(c, msg)
	case protocol.TypeTabDraft:
		s.handleWSDraft(c, msg)
	case protocol.TypeTermInput:
		s.handleWSInput(c, msg)
	case protocol.TypeTermResize:
		s.handleWSResize(c, msg)
	case protocol.TypeTabCwd:
		s.handleWSCwd(c, msg)
	case protocol.TypeSystemInfo:
		s.sendType(c, protocol.TypeSystemInfo, SystemInfo())
	}
}

func (s *Server) handleWSCreateTab(c *client, msg *protocol.Message) {
	var payload protocol.TabCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	_, err := s.tabs.CreateTab(tabs.CreateRequest{
		Size:     session.Size{Rows: payload.Rows, Cols: payload.Cols},
		Activate: payload.Activate,
	})
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSCloseTab(c *client, msg *protocol.Message) {
	var payload protocol.TabIDPayload
	json.Unmarshal(msg.Payload, &payload)

	res, err := s.tabs.CloseTab(payload.TabID)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	if res.Refused {
		s.sendError(c, protocol.ErrLastTab, "cannot close the last tab")
	}
}

func (s *Server) handleWSActivateTab(c *client, msg *protocol.Message) {
	var payload protocol.TabIDPayload
	json.Unmarshal(msg.Payload, &payload)

	if _, err := s.tabs.SetActive(payload.TabID); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSDraft(c *client, msg *protocol.Message) {
	var payload protocol.TabDraftPayload
	json.Unmarshal(msg.Payload, &payload)

	if _, err := s.tabs.SetDraft(payload.TabID, payload.Draft); err != nil {
		s.sendError(c, errorCode(err), err.Error())
	}
}

func (s *Server) handleWSInput(c *client, msg *protocol.Message) {
	var payload protocol.TermInputPayload
	json.Unmarshal(msg.Payload, &payload)

	rs, ok := s.surface(payload.TabID)
	if !ok {
		s.sendError(c, protocol.ErrTabNotFound, "tab not found: "+payload.TabID)
		return
	}
	rs.input([]byte(payload.Data))
}

func (s *Server) handleWSResize(c *client, msg *protocol.Message) {
	var payload protocol.TermResizePayload
	json.Unmarshal(msg.Payload, &payload)

	rs, ok := s.surface(payload.TabID)
	if !ok {
		s.sendError(c, protocol.ErrTabNotFound, "tab not found: "+payload.TabID)
		return
	}
	rs.resize(session.Size{Rows: payload.Rows, Cols: payload.Cols})
}

func (s *Server) handleWSCwd(c *client, msg *protocol.Message) {
	var payload protocol.TabIDPayload
	json.Unmarshal(msg.Payload, &payload)

	cwd, err := s.tabs.WorkingDir(payload.TabID)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	s.sendType(c, protocol.TypeTabCwd, protocol.TabCwdPayload{TabID: payload.TabID, Cwd: cwd})
}

// publishOutput stores a chunk in the tab's scrollback and sends it to all
// clients.
func (s *Server) publishOutput(rs *remoteSurface, chunk []byte) {
	s.outputMu.Lock()
	defer s.outputMu.Unlock()

	rs.scrollback.Write(chunk)
	s.broadcastType(protocol.TypeTermOutput, protocol.TermOutputPayload{TabID: rs.id, Data: chunk})
}

func (s *Server) broadcastType(msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.log.Error("encode message", zap.String("type", msgType), zap.Error(err))
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(data)
	}
}

func (s *Server) sendType(c *client, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.log.Error("encode message", zap.String("type", msgType), zap.Error(err))
		return
	}
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, tabs.ErrTabNotFound):
		return protocol.ErrTabNotFound
	case errors.Is(err, tabs.ErrTooManyTabs):
		return protocol.ErrMaxTabs
	case errors.Is(err, tabs.ErrShuttingDown):
		return protocol.ErrShuttingDown
	default:
		return protocol.ErrInternal
	}
}

func toTabPayload(t tabs.Tab) protocol.TabPayload {
	return protocol.TabPayload{
		ID:        t.ID,
		Title:     t.Title,
		State:     string(t.State),
		Active:    t.Active,
		Rows:      t.Size.Rows,
		Cols:      t.Size.Cols,
		Exited:    t.Exited,
		ExitCode:  t.ExitCode,
		Draft:     t.Draft,
		CreatedAt: t.CreatedAt.Format(time.RFC3339Nano),
	}
}
