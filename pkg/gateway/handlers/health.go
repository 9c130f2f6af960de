package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/gateway/calls"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
	Calls  *calls.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Draining      bool     `json:"draining"`
		ActiveCalls   int      `json:"active_calls"`
		Model         string   `json:"model"`
		EventsEnabled bool     `json:"events_enabled"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if strings.TrimSpace(h.Config.OpenAIAPIKey) == "" {
		issues = append(issues, "openai api key is not configured")
	}
	if strings.TrimSpace(h.Config.OpenAIRealtimeURL) == "" {
		issues = append(issues, "openai realtime url is not configured")
	}
	if h.Config.OpenAIDialAttempts <= 0 {
		issues = append(issues, "openai dial attempts must be > 0")
	}
	if h.Config.WSWriteTimeout <= 0 || h.Config.WSPingInterval <= 0 {
		issues = append(issues, "ws timeouts must be > 0")
	}
	if h.Config.WSQueueSize <= 0 {
		issues = append(issues, "ws queue size must be > 0")
	}

	draining := h.Calls.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		Draining:      draining,
		ActiveCalls:   h.Calls.Count(),
		Model:         h.Config.OpenAIRealtimeModel,
		EventsEnabled: h.Config.CallEventsAMQPURL != "",
		Issues:        issues,
	})
}
