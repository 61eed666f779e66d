package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vango-go/vai-phone/pkg/core"
	"github.com/vango-go/vai-phone/pkg/gateway/apierror"
	"github.com/vango-go/vai-phone/pkg/gateway/mw"
)

func writeCoreErrorJSON(w http.ResponseWriter, reqID string, coreErr *core.Error, status int) {
	if coreErr != nil && coreErr.RequestID == "" {
		coreErr.RequestID = reqID
	}
	if coreErr != nil && coreErr.RetryAfter != nil && *coreErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprint(*coreErr.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: coreErr})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	coreErr, status := apierror.FromError(err, reqID)
	writeCoreErrorJSON(w, reqID, coreErr, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON strictly decodes a bounded request body. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.NewInvalidRequestError("request body too large")
		}
		return core.NewInvalidRequestError("invalid JSON body: " + err.Error())
	}
	if dec.More() {
		return core.NewInvalidRequestError("request body must contain a single JSON object")
	}
	return nil
}
