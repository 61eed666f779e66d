package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vango-go/vai-phone/pkg/core"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-phone/pkg/gateway/store"
	"github.com/vango-go/vai-phone/pkg/gateway/twilio"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		if underlying, ok := out.ProviderError.(error); ok {
			out.ProviderError = underlying.Error()
		}
		return &out, statusFromType(coreErr.Type)
	}

	// Registry admission and lookup.
	switch {
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return sentinel(core.ErrNotFound, err, "call_not_found", requestID)
	case errors.Is(err, sessions.ErrCapacity):
		return sentinel(core.ErrCapacity, err, "capacity_reached", requestID)
	case errors.Is(err, sessions.ErrDuplicateDial):
		return sentinel(core.ErrDuplicateDial, err, "duplicate_dial", requestID)
	case errors.Is(err, sessions.ErrDraining):
		return sentinel(core.ErrUnavailable, err, "draining", requestID)
	case errors.Is(err, sessions.ErrAlreadyTracked):
		return sentinel(core.ErrConflict, err, "already_registered", requestID)
	}

	// Call session control.
	switch {
	case errors.Is(err, session.ErrInvalidDigits):
		return sentinel(core.ErrInvalidRequest, err, "invalid_digits", requestID)
	case errors.Is(err, session.ErrEmptyContext):
		return sentinel(core.ErrInvalidRequest, err, "empty_context", requestID)
	case errors.Is(err, session.ErrInvalidState):
		return sentinel(core.ErrConflict, err, "invalid_state", requestID)
	case errors.Is(err, session.ErrSessionClosed):
		return sentinel(core.ErrConflict, err, "call_ended", requestID)
	case errors.Is(err, session.ErrInvalidTarget):
		return sentinel(core.ErrInvalidRequest, err, "invalid_target", requestID)
	case errors.Is(err, session.ErrNoTransfer):
		return sentinel(core.ErrUnavailable, err, "transfer_disabled", requestID)
	}

	// Telephony provider errors.
	var twErr *twilio.Error
	if errors.As(err, &twErr) && twErr != nil {
		t := core.ErrProvider
		if twErr.Status >= 400 && twErr.Status < 500 {
			t = core.ErrInvalidRequest
		}
		return &core.Error{
			Type:          t,
			Message:       twErr.Message,
			RequestID:     requestID,
			ProviderError: twErr.Error(),
		}, statusFromType(t)
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func sentinel(t core.ErrorType, err error, code, requestID string) (*core.Error, int) {
	return &core.Error{
		Type:      t,
		Message:   err.Error(),
		Code:      code,
		RequestID: requestID,
	}, statusFromType(t)
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrCapacity:
		return http.StatusTooManyRequests
	case core.ErrDuplicateDial, core.ErrConflict:
		return http.StatusConflict
	case core.ErrUnavailable:
		return http.StatusServiceUnavailable
	case core.ErrProvider, core.ErrAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
