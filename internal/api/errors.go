package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nicolasdb/time-tracker-webapp/internal/ingest"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status    string              `json:"status"`
	Type      string              `json:"type"`
	Detail    string              `json:"detail"`
	Reason    string              `json:"reason,omitempty"`
	Field     string              `json:"field,omitempty"`
	Errors    map[string][]string `json:"errors,omitempty"`
	Retryable bool                `json:"retryable"`
}

var ingestStatus = map[ingest.Code]int{
	ingest.CodeUnauthenticated: http.StatusUnauthorized,
	ingest.CodeForbidden:       http.StatusForbidden,
	ingest.CodeInvalidPayload:  http.StatusBadRequest,
	ingest.CodeUnavailable:     http.StatusServiceUnavailable,
}

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "5"

func writeIngestError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return
	}

	ingestErr, ok := ingest.AsError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "unexpected error")
		return
	}

	status, ok := ingestStatus[ingestErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if ingestErr.Reason == ingest.ReasonUnsupportedMedia {
		status = http.StatusUnsupportedMediaType
	}

	resp := ErrorResponse{
		Status:    "error",
		Type:      string(ingestErr.Code),
		Reason:    ingestErr.Reason,
		Field:     ingestErr.Field,
		Retryable: ingestErr.Retryable(),
		Detail:    publicDetail(ingestErr),
	}
	if len(ingestErr.Fields) > 0 {
		resp.Errors = make(map[string][]string, len(ingestErr.Fields))
		for _, fe := range ingestErr.Fields {
			resp.Errors[fe.Field] = append(resp.Errors[fe.Field], fe.Msg)
		}
	}
	if resp.Retryable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, resp)
}

// publicDetail never exposes dependency error text.
func publicDetail(e *ingest.Error) string {
	switch e.Reason {
	case ingest.ReasonMissingCredentials:
		return "API key is missing"
	case ingest.ReasonAmbiguousCredentials:
		return "supply exactly one of X-API-Key or Authorization: Bearer"
	case ingest.ReasonUnknownKey, ingest.ReasonRevokedKey:
		return "Invalid API key"
	case ingest.ReasonDeviceMismatch:
		return "Device ID does not match API key"
	case ingest.ReasonRegistryUnavailable, ingest.ReasonStoreUnavailable:
		return "temporarily unavailable, retry later"
	}
	if e.Field != "" && e.Detail != "" {
		return e.Field + ": " + e.Detail
	}
	return e.Detail
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Status: "error", Type: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// WriteAuthError renders a bearer-token rejection from the auth middleware.
func WriteAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
}
