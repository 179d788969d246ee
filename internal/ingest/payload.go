package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
)

// Payload is a decoded device submission. Values keep their JSON kinds so
// type mismatches are reported rather than coerced.
type Payload map[string]any

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// DecodePayload reads one JSON object from r.
func DecodePayload(r io.Reader) (Payload, error) {
	if r == nil {
		return nil, &Error{Code: CodeInvalidPayload, Reason: ReasonMalformedBody, Field: "body", Detail: "empty body"}
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var payload Payload
	if err := dec.Decode(&payload); err != nil {
		detail := "invalid json"
		if errors.Is(err, io.EOF) {
			detail = "empty body"
		}
		return nil, &Error{Code: CodeInvalidPayload, Reason: ReasonMalformedBody, Field: "body", Detail: detail, Err: err}
	}
	if payload == nil {
		return nil, &Error{Code: CodeInvalidPayload, Reason: ReasonMalformedBody, Field: "body", Detail: "expected a json object"}
	}
	if dec.More() {
		return nil, &Error{Code: CodeInvalidPayload, Reason: ReasonMalformedBody, Field: "body", Detail: "trailing data after object"}
	}
	return payload, nil
}

// DecodePayloadBytes is DecodePayload over a byte slice.
func DecodePayloadBytes(b []byte) (Payload, error) {
	return DecodePayload(bytes.NewReader(b))
}

// ClaimedDeviceID returns device_id when it is a string, for logging and the
// binding check.
func (p Payload) ClaimedDeviceID() (string, bool) {
	v, ok := p["device_id"].(string)
	return v, ok
}

// Validate checks the payload and builds the event it describes. ID, Seq,
// Relaxed and ReceivedAt are left for the caller.
func Validate(p Payload) (domain.PresenceEvent, []FieldError) {
	var (
		ev   domain.PresenceEvent
		errs []FieldError
	)

	ev.TagID = requiredString(p, "tag_id", &errs)
	ev.DeviceID = requiredString(p, "device_id", &errs)

	if raw := requiredString(p, "timestamp", &errs); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			errs = append(errs, FieldError{"timestamp", "must be an ISO-8601 timestamp with offset"})
		} else {
			ev.OccurredAt = ts
		}
	}

	typeOK := false
	if raw := requiredString(p, "event_type", &errs); raw != "" {
		t, ok := domain.ParseEventType(raw)
		if !ok {
			errs = append(errs, FieldError{"event_type", fmt.Sprintf("must be %q or %q", domain.EventInserted, domain.EventRemoved)})
		} else {
			ev.Type = t
			typeOK = true
		}
	}

	switch v := p["tag_present"].(type) {
	case bool:
		ev.TagPresent = v
		if typeOK && v != ev.Type.ExpectedPresence() {
			errs = append(errs, FieldError{"tag_present", fmt.Sprintf("must be %t for %s", ev.Type.ExpectedPresence(), ev.Type)})
		}
	case nil:
		errs = append(errs, FieldError{"tag_present", "required"})
	default:
		errs = append(errs, FieldError{"tag_present", "must be a boolean"})
	}

	ev.TagType = optionalString(p, "tag_type", &errs)
	ev.WifiStatus = optionalString(p, "wifi_status", &errs)
	ev.TimeStatus = optionalString(p, "time_status", &errs)

	return ev, errs
}

func requiredString(p Payload, field string, errs *[]FieldError) string {
	raw, present := p[field]
	if !present || raw == nil {
		*errs = append(*errs, FieldError{field, "required"})
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		*errs = append(*errs, FieldError{field, "must be a string"})
		return ""
	}
	if strings.TrimSpace(s) == "" {
		*errs = append(*errs, FieldError{field, "must be non-empty"})
		return ""
	}
	return s
}

func optionalString(p Payload, field string, errs *[]FieldError) string {
	switch v := p[field].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		*errs = append(*errs, FieldError{field, "must be a string or null"})
		return ""
	}
}
