package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-phone/pkg/core"
	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/live/realtime"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-phone/pkg/gateway/live/telephony"
	"github.com/vango-go/vai-phone/pkg/gateway/live/wsconn"
	"github.com/vango-go/vai-phone/pkg/gateway/mw"
)

// reservedParams are stream parameters consumed by the session rather than passed
// through as provider config.
var reservedParams = map[string]struct{}{
	"direction":    {},
	"voice":        {},
	"instructions": {},
	"from":         {},
	"to":           {},
}

// CallProvider is the slice of the telephony provider's REST API a call needs.
type CallProvider interface {
	Hangup(ctx context.Context, callSID string) error
	StartRecording(ctx context.Context, callSID string) error
	Transfer(ctx context.Context, callSID, target string) error
}

// MediaStreamHandler accepts the telephony provider's media-stream websocket and runs one
// call session per connection.
type MediaStreamHandler struct {
	Config    config.Config
	Registry  *sessions.Registry
	Calls     CallProvider
	Store     session.Store
	Events    session.Publisher
	HoldAudio []byte
	Logger    *slog.Logger

	// DialAI overrides the realtime dialer (tests).
	DialAI session.Dialer
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Registry.Draining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrUnavailable, Message: "service is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		// The telephony provider does not send an Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("media stream upgrade failed", "request_id", reqID, "error", err)
		return
	}

	var control telephony.CallControl
	if h.Calls != nil {
		control = h.Calls
	}
	leg := telephony.NewStreamLeg(conn, telephony.LegConfig{
		Writer: wsconn.Config{
			PingInterval: h.Config.MediaWSPingInterval,
			WriteTimeout: h.Config.MediaWSWriteTimeout,
		},
		ReadTimeout:      h.Config.MediaWSReadTimeout,
		HandshakeTimeout: h.Config.MediaHandshakeTimeout,
		MaxMessageBytes:  h.Config.MediaMaxMessageBytes,
	}, control, logger)

	start, err := leg.AwaitStart()
	if err != nil {
		logger.Warn("media stream handshake failed", "request_id", reqID, "error", err)
		_ = leg.Close()
		return
	}
	callID := strings.TrimSpace(start.CallSID)
	if callID == "" {
		callID = start.StreamSID
	}
	logger = logger.With("call_id", callID)

	direction, err := session.ParseDirection(start.Direction())
	if err != nil {
		logger.Warn("media stream rejected", "error", err)
		h.reject(leg)
		return
	}

	// Admission is checked before a session exists; Register re-checks atomically.
	if err := h.Registry.CanAdmit(direction); err != nil {
		logger.Warn("call admission refused", "direction", string(direction), "error", err)
		h.reject(leg)
		return
	}

	var recorder session.Recorder
	var transferer session.Transferer
	if h.Calls != nil {
		recorder = h.Calls
		transferer = h.Calls
	}
	s, err := session.New(session.Dependencies{
		Params: session.Params{
			ID:             callID,
			Direction:      direction,
			From:           start.From(),
			To:             start.To(),
			Voice:          start.Voice(),
			Instructions:   start.Instructions(),
			ProviderConfig: providerConfig(start.CustomParameters),
		},
		Config:   SessionConfig(h.Config, h.HoldAudio),
		Phone:    leg,
		DialAI:   h.dialer(),
		Store:    h.Store,
		Events:   h.Events,
		Recorder: recorder,
		Transfer: transferer,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("create call session failed", "error", err)
		h.reject(leg)
		return
	}

	release, err := h.Registry.Register(s)
	if err != nil {
		level := slog.LevelWarn
		if !errors.Is(err, sessions.ErrCapacity) && !errors.Is(err, sessions.ErrDraining) {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level, "call rejected", "direction", string(direction), "error", err)
		h.reject(leg)
		return
	}
	defer release()

	// The hijacked connection outlives the request context; the session ends on its own
	// terms or through the registry.
	ctx := context.WithoutCancel(r.Context())
	leg.Serve(ctx)
	_ = s.Run(ctx)
}

// reject ends a call that never became a session.
func (h MediaStreamHandler) reject(leg *telephony.StreamLeg) {
	timeout := h.Config.PersistTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := leg.Hangup(ctx); err != nil && h.Logger != nil {
		h.Logger.Warn("hangup rejected call failed", "call_sid", leg.CallSID(), "error", err)
	}
	_ = leg.Close()
}

func (h MediaStreamHandler) dialer() session.Dialer {
	if h.DialAI != nil {
		return h.DialAI
	}
	cfg := realtime.Config{
		URL:          h.Config.RealtimeURL,
		APIKey:       h.Config.RealtimeAPIKey,
		Model:        h.Config.RealtimeModel,
		Transcriber:  h.Config.RealtimeTranscriber,
		WriteTimeout: h.Config.RealtimeWriteTimeout,
	}
	return func(ctx context.Context) (session.AILeg, error) {
		conn, err := realtime.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SessionConfig maps service configuration onto per-call session settings.
func SessionConfig(cfg config.Config, holdAudio []byte) session.Config {
	return session.Config{
		DefaultVoice:        cfg.DefaultVoice,
		DefaultInstructions: cfg.DefaultInstructions,
		AIConnectTimeout:    cfg.AIConnectTimeout,
		ReadyTimeout:        cfg.AIReadyTimeout,
		EndCallDrain:        cfg.EndCallDrain,
		PersistTimeout:      cfg.PersistTimeout,
		MaxBufferedFrames:   cfg.MaxBufferedFrames,
		RecordCalls:         cfg.RecordCalls,
		HoldAudio:           holdAudio,
		SummaryTurns:        cfg.SummaryTurns,
		SummaryRunes:        cfg.SummaryRunes,
	}
}

func providerConfig(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if _, ok := reservedParams[strings.ToLower(k)]; ok {
			continue
		}
		out[k] = v
	}
	return out
}
