package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-phone/pkg/gateway/mw"
	"github.com/vango-go/vai-phone/pkg/gateway/twilio"
)

const busyMessage = "All of our agents are busy right now. Please call again later."

// VoiceWebhookHandler answers the telephony provider's inbound-call webhook with TwiML
// that connects the call to the media stream.
type VoiceWebhookHandler struct {
	Config   config.Config
	Registry *sessions.Registry
	Logger   *slog.Logger
}

func (h VoiceWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if h.Config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	if h.Config.TwilioValidateWebhook && h.Config.TwilioAuthToken != "" {
		fullURL := h.Config.PublicURL + r.URL.RequestURI()
		if !twilio.ValidSignature(h.Config.TwilioAuthToken, fullURL, r.PostForm, r.Header.Get(twilio.SignatureHeader)) {
			logger.Warn("voice webhook signature rejected", "request_id", reqID)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	callSID := r.PostForm.Get("CallSid")
	streamURL := h.Config.MediaStreamURL()
	if streamURL == "" {
		logger.Error("voice webhook without public url", "request_id", reqID, "call_sid", callSID)
		h.writeReject(w, "This number is not available right now.")
		return
	}
	if err := h.Registry.CanAdmit(session.DirectionInbound); err != nil {
		logger.Warn("inbound call rejected", "request_id", reqID, "call_sid", callSID, "error", err)
		h.writeReject(w, busyMessage)
		return
	}

	twiml, err := twilio.StreamTwiML(streamURL, map[string]string{
		"direction": string(session.DirectionInbound),
		"from":      strings.TrimSpace(r.PostForm.Get("From")),
		"to":        strings.TrimSpace(r.PostForm.Get("To")),
	})
	if err != nil {
		logger.Error("build stream twiml failed", "request_id", reqID, "error", err)
		h.writeReject(w, "")
		return
	}
	logger.Info("inbound call accepted", "request_id", reqID, "call_sid", callSID)
	writeTwiML(w, twiml)
}

func (h VoiceWebhookHandler) writeReject(w http.ResponseWriter, message string) {
	twiml, err := twilio.RejectTwiML(message)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, twiml)
}

func writeTwiML(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(twiml))
}
