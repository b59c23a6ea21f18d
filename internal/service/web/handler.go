package web

import (
	"encoding/json"
	"net/http"
	"time"

	"uptime_nexus/internal/polling"
	"uptime_nexus/internal/shared/logger"
	"uptime_nexus/internal/store"
)

// StatsSource exposes the in-memory polling counters of running accounts.
// The app server implements it; nil disables /api/stats.
type StatsSource interface {
	PollStats() map[string][]polling.ProxyStats
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	Accounts  int       `json:"accounts"`
	Clients   int       `json:"dashboard_clients"`
}

type Handler struct {
	store     store.Store
	hub       *Hub
	stats     StatsSource
	mode      string
	startedAt time.Time
}

func NewHandler(s store.Store, hub *Hub, stats StatsSource, mode string) *Handler {
	return &Handler{
		store:     s,
		hub:       hub,
		stats:     stats,
		mode:      mode,
		startedAt: time.Now().UTC(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to write JSON response")
	}
}

// HandleUsers 处理 GET /api/users，返回所有账户记录
func (h *Handler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list accounts")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to list users"})
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// HandleUser 处理 GET /api/users/{id}，记录不存在时返回 404
func (h *Handler) HandleUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	account, ok, err := h.store.Lookup(id)
	if err != nil {
		logger.Error().Err(err).Str("account", logger.Mask(id)).Msg("Failed to read account")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to read user"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "User not found"})
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	resp := StatusResponse{
		Mode:      h.mode,
		StartedAt: h.startedAt,
		Accounts:  len(accounts),
	}
	if h.hub != nil {
		resp.Clients = h.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStats 处理 GET /api/stats，返回轮询模式下每个代理的计数
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusOK, map[string][]polling.ProxyStats{})
		return
	}
	writeJSON(w, http.StatusOK, h.stats.PollStats())
}
