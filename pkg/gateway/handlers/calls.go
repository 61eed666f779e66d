package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/vango-go/vai-phone/pkg/core"
	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/live/convlog"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-phone/pkg/gateway/mw"
	"github.com/vango-go/vai-phone/pkg/gateway/store"
	"github.com/vango-go/vai-phone/pkg/gateway/twilio"
)

var phoneNumberPattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Dialer places outbound calls through the telephony provider.
type Dialer interface {
	CreateCall(ctx context.Context, p twilio.CreateCallParams) (string, error)
}

// CallsHandler serves the operator control API under /v1/calls.
type CallsHandler struct {
	Config   config.Config
	Registry *sessions.Registry
	Dialer   Dialer
	Store    store.Store
	Logger   *slog.Logger
}

type createCallRequest struct {
	To           string            `json:"to"`
	From         string            `json:"from,omitempty"`
	Voice        string            `json:"voice,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}

type createCallResponse struct {
	ID        string            `json:"id"`
	DialID    string            `json:"dial_id"`
	Direction session.Direction `json:"direction"`
	Status    session.Status    `json:"status"`
	To        string            `json:"to"`
	From      string            `json:"from"`
}

// Create places an outbound call. The session itself starts when the provider connects
// the call's media stream.
func (h CallsHandler) Create(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	var req createCallRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.To = strings.TrimSpace(req.To)
	req.From = strings.TrimSpace(req.From)
	if req.From == "" {
		req.From = h.Config.TwilioFromNumber
	}
	if !phoneNumberPattern.MatchString(req.To) {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("to must be an E.164 phone number", "to"))
		return
	}
	if !phoneNumberPattern.MatchString(req.From) {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("from must be an E.164 phone number", "from"))
		return
	}
	streamURL := h.Config.MediaStreamURL()
	if h.Dialer == nil || streamURL == "" {
		writeCoreErrorJSON(w, reqID, &core.Error{
			Type:    core.ErrUnavailable,
			Message: "outbound calling is not configured",
			Code:    "outbound_disabled",
		}, http.StatusServiceUnavailable)
		return
	}

	if err := h.Registry.CanAdmit(session.DirectionOutbound); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Registry.DedupeDial(req.To); err != nil {
		writeError(w, r, err)
		return
	}

	dialID := uuid.NewString()
	params := make(map[string]string, len(req.Params)+6)
	for k, v := range req.Params {
		params[k] = v
	}
	params["direction"] = string(session.DirectionOutbound)
	params["voice"] = req.Voice
	params["instructions"] = req.Instructions
	params["from"] = req.From
	params["to"] = req.To
	params["dial_id"] = dialID

	twiml, err := twilio.StreamTwiML(streamURL, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sid, err := h.Dialer.CreateCall(r.Context(), twilio.CreateCallParams{To: req.To, From: req.From, TwiML: twiml})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("outbound dial failed", "request_id", reqID, "dial_id", dialID, "error", err)
		}
		writeError(w, r, err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("outbound call placed", "request_id", reqID, "dial_id", dialID, "call_id", sid)
	}
	writeJSON(w, http.StatusCreated, createCallResponse{
		ID:        sid,
		DialID:    dialID,
		Direction: session.DirectionOutbound,
		Status:    session.StatusInitiating,
		To:        req.To,
		From:      req.From,
	})
}

type listCallsResponse struct {
	Active []session.Snapshot `json:"active"`
	Recent []store.CallRecord `json:"recent,omitempty"`
}

// List returns live calls, plus recent persisted calls when a store is configured.
func (h CallsHandler) List(w http.ResponseWriter, r *http.Request) {
	resp := listCallsResponse{Active: h.Registry.ListActive()}
	if resp.Active == nil {
		resp.Active = []session.Snapshot{}
	}
	if h.Store != nil {
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 500 {
				writeError(w, r, core.NewInvalidRequestErrorWithParam("limit must be between 1 and 500", "limit"))
				return
			}
			limit = n
		}
		recent, err := h.Store.ListCalls(r.Context(), store.ListOptions{
			Status: strings.TrimSpace(r.URL.Query().Get("status")),
			Limit:  limit,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Recent = recent
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h CallsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if handle, err := h.Registry.Lookup(id); err == nil {
		writeJSON(w, http.StatusOK, handle.Snapshot())
		return
	}
	rec, err := h.stored(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec.ConversationLog = nil
	writeJSON(w, http.StatusOK, rec)
}

type transcriptResponse struct {
	CallID string         `json:"call_id"`
	Turns  []convlog.Turn `json:"turns"`
}

func (h CallsHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := h.Registry.Transcript(id)
	if errors.Is(err, sessions.ErrNotFound) {
		var rec store.CallRecord
		rec, err = h.stored(r.Context(), id)
		turns = rec.ConversationLog
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if turns == nil {
		turns = []convlog.Turn{}
	}
	writeJSON(w, http.StatusOK, transcriptResponse{CallID: id, Turns: turns})
}

func (h CallsHandler) stored(ctx context.Context, id string) (store.CallRecord, error) {
	if h.Store == nil {
		return store.CallRecord{}, sessions.ErrNotFound
	}
	return h.Store.GetCall(ctx, id)
}

type holdRequest struct {
	Reason   string `json:"reason,omitempty"`
	Question string `json:"question,omitempty"`
}

func (h CallsHandler) Hold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator"
	}
	h.control(w, r, func(ctx context.Context, id string) error {
		return h.Registry.Hold(ctx, id, session.HoldOptions{Reason: reason, OperatorQuestion: strings.TrimSpace(req.Question)})
	})
}

type resumeRequest struct {
	Voice  string `json:"voice,omitempty"`
	Answer string `json:"answer,omitempty"`
}

func (h CallsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.control(w, r, func(ctx context.Context, id string) error {
		return h.Registry.Resume(ctx, id, session.ResumeOptions{Voice: strings.TrimSpace(req.Voice), OperatorAnswer: strings.TrimSpace(req.Answer)})
	})
}

type hangupRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h CallsHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	var req hangupRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator_hangup"
	}
	h.control(w, r, func(ctx context.Context, id string) error {
		return h.Registry.Hangup(ctx, id, reason)
	})
}

type injectRequest struct {
	Text string `json:"text"`
}

func (h CallsHandler) Inject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.control(w, r, func(ctx context.Context, id string) error {
		return h.Registry.InjectContext(ctx, id, req.Text)
	})
}

type digitsRequest struct {
	Digits string `json:"digits"`
}

func (h CallsHandler) Digits(w http.ResponseWriter, r *http.Request) {
	var req digitsRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.control(w, r, func(ctx context.Context, id string) error {
		return h.Registry.SendDigits(ctx, id, req.Digits)
	})
}

// control runs op against the call in the path and answers with its fresh snapshot.
func (h CallsHandler) control(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	handle, err := h.Registry.Lookup(id)
	if err != nil {
		// Hangup may have finalized and removed the call already.
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "ok": true})
		return
	}
	writeJSON(w, http.StatusOK, handle.Snapshot())
}

type transferRequest struct {
	To string `json:"to"`
}

// Transfer redirects the caller to another number. The session ends once the provider
// accepts the redirect.
func (h CallsHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeError(w, r, err)
		return
	}
	target := strings.TrimSpace(req.To)
	if !phoneNumberPattern.MatchString(target) {
		writeError(w, r, session.ErrInvalidTarget)
		return
	}
	h.control(w, r, func(ctx context.Context, id string) error {
		return h.Registry.Transfer(ctx, id, target)
	})
}

type shutdownResponse struct {
	Results []sessions.ShutdownResult `json:"results"`
}

// EmergencyShutdown hangs up every live call.
func (h CallsHandler) EmergencyShutdown(w http.ResponseWriter, r *http.Request) {
	results := h.Registry.EmergencyShutdownAll(r.Context())
	if results == nil {
		results = []sessions.ShutdownResult{}
	}
	if h.Logger != nil {
		failed := 0
		for _, res := range results {
			if !res.OK {
				failed++
			}
		}
		h.Logger.Warn("emergency shutdown", "calls", len(results), "failed", failed)
	}
	writeJSON(w, http.StatusOK, shutdownResponse{Results: results})
}
