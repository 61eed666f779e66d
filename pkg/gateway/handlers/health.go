package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vango-go/vai-phone/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// CallCounter reports registry load for readiness.
type CallCounter interface {
	Count() int
	Draining() bool
}

type ReadyHandler struct {
	Config config.Config
	Calls  CallCounter
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Draining      bool     `json:"draining"`
		AuthMode      string   `json:"auth_mode"`
		ActiveCalls   int      `json:"active_calls"`
		MaxCalls      int      `json:"max_calls"`
		OutboundReady bool     `json:"outbound_ready"`
		Persistent    bool     `json:"persistent"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if strings.TrimSpace(h.Config.RealtimeAPIKey) == "" {
		issues = append(issues, "realtime api key is not configured")
	}
	if h.Config.MaxConcurrentCalls <= 0 {
		issues = append(issues, "max_concurrent_calls must be > 0")
	}

	outboundReady := h.Config.MediaStreamURL() != "" &&
		h.Config.TwilioAccountSID != "" && h.Config.TwilioAuthToken != "" && h.Config.TwilioFromNumber != ""
	resp := readyResp{
		AuthMode:      string(h.Config.AuthMode),
		MaxCalls:      h.Config.MaxConcurrentCalls,
		OutboundReady: outboundReady,
		Persistent:    h.Config.DatabaseURL != "",
	}
	if h.Calls != nil {
		resp.ActiveCalls = h.Calls.Count()
		resp.Draining = h.Calls.Draining()
	}
	resp.Issues = issues
	resp.OK = len(issues) == 0 && !resp.Draining

	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case resp.Draining:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
