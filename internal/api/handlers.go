package api

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sugawarayuuta/sonnet"

	"sync-trainer/internal/stats"
	"sync-trainer/internal/trainer"
)

const (
	defaultListLimit = 100
	maxListLimit     = 5000
	maxBodyBytes     = 1 << 16
)

// statsResponse is the body of GET /api/stats and the ws "trainer:stats" event
type statsResponse struct {
	Trainer trainer.Stats          `json:"trainer"`
	Rewards *stats.Summary         `json:"rewards,omitempty"`
	Events  map[string]interface{} `json:"events,omitempty"`
}

func (h *routerHandlers) snapshot() statsResponse {
	resp := statsResponse{Trainer: h.trainer.Stats()}
	if h.history != nil {
		s := h.history.Summary()
		resp.Rewards = &s
	}
	if h.events != nil {
		resp.Events = h.events.GetStats()
	}
	return resp
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.snapshot())
}

func (h *routerHandlers) handleGetEpisodes(w http.ResponseWriter, r *http.Request) {
	ids := h.trainer.ActiveEpisodes()
	writeJSON(w, map[string]interface{}{
		"episodes": ids,
		"count":    len(ids),
	})
}

func (h *routerHandlers) handleStopEpisode(w http.ResponseWriter, r *http.Request) {
	handle := trainer.HandleFor(trainer.EpisodeID(chi.URLParam(r, "id")))
	if handle.IsZero() || !h.trainer.IsActive(handle) {
		writeError(w, "episode not found", http.StatusNotFound)
		return
	}
	h.trainer.ForceStopEpisode(handle)
	log.Printf("🌐 Episode %s stopped via API", handle)
	writeJSON(w, map[string]interface{}{"success": true, "episode": handle.ID()})
}

func (h *routerHandlers) handleReset(w http.ResponseWriter, r *http.Request) {
	log.Println("🌐 Trainer reset requested via API")
	h.trainer.Reset()
	writeJSON(w, map[string]bool{"success": true})
}

func (h *routerHandlers) handleSetTrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Train *bool `json:"train"`
	}
	if err := readJSON(r, &req); err != nil || req.Train == nil {
		writeError(w, `expected {"train": true|false}`, http.StatusBadRequest)
		return
	}
	h.trainer.SetTrain(*req.Train)
	writeJSON(w, map[string]bool{"training": h.trainer.Training()})
}

func (h *routerHandlers) handleGetRewards(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, []stats.Point{})
		return
	}
	writeJSON(w, h.history.Recent(limitParam(r)))
}

func (h *routerHandlers) handleGetRewardPlot(w http.ResponseWriter, r *http.Request) {
	var rewards []float64
	if h.history != nil {
		rewards = stats.Rewards(h.history.Recent(limitParam(r)))
	}

	var buf bytes.Buffer
	if err := stats.WritePNG(&buf, rewards, stats.DefaultPlotOptions()); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

func (h *routerHandlers) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, []trainer.Event{})
		return
	}
	writeJSON(w, h.events.Recent(limitParam(r)))
}

func (h *routerHandlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		writeJSON(w, map[string]bool{"authenticated": true})
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if !h.auth.CheckToken(req.Token) {
		log.Printf("⚠️ Failed admin login from %s", GetClientIP(r))
		writeError(w, "invalid token", http.StatusUnauthorized)
		return
	}
	h.auth.Login(w)
	writeJSON(w, map[string]bool{"authenticated": true})
}

func (h *routerHandlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		h.auth.Logout(w, r)
	}
	writeJSON(w, map[string]bool{"authenticated": false})
}

func (h *routerHandlers) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{
		"required":      h.auth != nil,
		"authenticated": h.auth.Authorized(r),
	})
}

// limitParam reads ?n=, clamped to [1, maxListLimit]
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// Helper functions

func readJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return sonnet.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	body, err := sonnet.Marshal(data)
	if err != nil {
		writeError(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func writeError(w http.ResponseWriter, message string, code int) {
	body, _ := sonnet.Marshal(map[string]string{"error": message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
