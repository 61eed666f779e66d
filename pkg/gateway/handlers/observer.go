package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-phone/pkg/core"
	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/events"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-phone/pkg/gateway/live/wsconn"
	"github.com/vango-go/vai-phone/pkg/gateway/mw"
)

// Subscriber is the in-process side of the event bus.
type Subscriber interface {
	Subscribe(callID string, buffer int) (<-chan events.Event, func())
}

// ObserverHandler streams call events to an operator over a websocket. With an id path
// value it follows one live call and closes after the call ends; without one it follows
// every call.
type ObserverHandler struct {
	Config   config.Config
	Registry *sessions.Registry
	Events   Subscriber
	Logger   *slog.Logger
}

func (h ObserverHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	callID := strings.TrimSpace(r.PathValue("id"))
	if callID != "" {
		if _, err := h.Registry.Lookup(callID); err != nil {
			writeError(w, r, err)
			return
		}
	} else {
		callID = events.AllCalls
	}
	if h.Events == nil {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrUnavailable, Message: "event stream is not available", Code: "events_disabled"}, http.StatusServiceUnavailable)
		return
	}

	// Subscribe first so nothing published after the handshake is missed.
	ch, unsubscribe := h.Events.Subscribe(callID, h.Config.ObserverBuffer)
	defer unsubscribe()

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("observer upgrade failed", "request_id", reqID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	writer := wsconn.NewWriter(conn, wsconn.Config{
		PingInterval: h.Config.MediaWSPingInterval,
		WriteTimeout: h.Config.MediaWSWriteTimeout,
	})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = writer.Run(ctx)
	}()

	// Observers only listen; reading surfaces the peer closing the socket.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Info("observer attached", "request_id", reqID, "call_id", callID)
	defer logger.Info("observer detached", "request_id", reqID, "call_id", callID)

	for {
		select {
		case <-readDone:
			cancel()
			<-writerDone
			return
		case <-writer.Done():
			_ = conn.Close()
			return
		case ev, ok := <-ch:
			if !ok {
				cancel()
				<-writerDone
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			sendCtx, sendCancel := context.WithTimeout(ctx, time.Second)
			err = writer.Send(sendCtx, payload)
			sendCancel()
			if err != nil {
				logger.Debug("observer send failed", "request_id", reqID, "error", err)
			}
			if callID != events.AllCalls && ev.Type == events.TypeSessionEnd {
				writer.CloseAfterQueued()
				<-writerDone
				return
			}
		}
	}
}

// checkOrigin allows non-browser clients and origins on the CORS allowlist.
func (h ObserverHandler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}
