package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/TeamTaoist/fterm/internal/protocol"
	"github.com/TeamTaoist/fterm/internal/session"
	"github.com/TeamTaoist/fterm/internal/tabs"
)

type createTabRequest struct {
	Rows     uint16 `json:"rows"`
	Cols     uint16 `json:"cols"`
	Activate bool   `json:"activate"`
}

type tabListResponse struct {
	Tabs        []tabs.Tab `json:"tabs"`
	ActiveTabID string     `json:"activeTabId"`
}

type closeTabResponse struct {
	Status      string `json:"status"`
	ActiveTabID string `json:"activeTabId"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeTabError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tabs.ErrTabNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tabs.ErrTooManyTabs):
		status = http.StatusTooManyRequests
	case errors.Is(err, tabs.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, errorCode(err), err.Error())
}

func (s *Server) handleListTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tabListResponse{
		Tabs:        s.tabs.Tabs(),
		ActiveTabID: s.tabs.Active(),
	})
}

func (s *Server) handleCreateTab(w http.ResponseWriter, r *http.Request) {
	var req createTabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if (req.Rows == 0) != (req.Cols == 0) {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "rows and cols must be given together")
		return
	}

	tab, err := s.tabs.CreateTab(tabs.CreateRequest{
		Size:     session.Size{Rows: req.Rows, Cols: req.Cols},
		Activate: req.Activate,
	})
	if err != nil {
		writeTabError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tab)
}

func (s *Server) handleGetTab(w http.ResponseWriter, r *http.Request) {
	tab, err := s.tabs.Get(r.PathValue("id"))
	if err != nil {
		writeTabError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handleCloseTab(w http.ResponseWriter, r *http.Request) {
	res, err := s.tabs.CloseTab(r.PathValue("id"))
	if err != nil {
		writeTabError(w, err)
		return
	}
	switch {
	case res.Refused:
		writeError(w, http.StatusConflict, protocol.ErrLastTab, "cannot close the last tab")
	case res.Shutdown:
		writeJSON(w, http.StatusAccepted, closeTabResponse{Status: "exiting"})
	default:
		writeJSON(w, http.StatusOK, closeTabResponse{Status: "closed", ActiveTabID: res.ActiveTab})
	}
}

func (s *Server) handleActivateTab(w http.ResponseWriter, r *http.Request) {
	tab, err := s.tabs.SetActive(r.PathValue("id"))
	if err != nil {
		writeTabError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

func (s *Server) handleTabCwd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cwd, err := s.tabs.WorkingDir(id)
	if err != nil {
		writeTabError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.TabCwdPayload{TabID: id, Cwd: cwd})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SystemInfo())
}
