package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hive/server/internal/apierr"
)

// formatTime renders t as ISO-8601 UTC, per spec §6's wire invariant.
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// parseTime parses an RFC3339 timestamp from a query parameter.
func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339, s) }

// optionalString distinguishes "field absent" (no change) from "field
// present and null" (clear to nil) from "field present with a value" in a
// PATCH body, which a plain *string cannot express.
type optionalString struct {
	set   bool
	value *string
}

func (o *optionalString) UnmarshalJSON(b []byte) error {
	o.set = true
	if string(b) == "null" {
		o.value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	o.value = &s
	return nil
}

// optionalInt is optionalString's counterpart for nullable integer PATCH
// fields (e.g. betweenHoursStart).
type optionalInt struct {
	set   bool
	value *int
}

func (o *optionalInt) UnmarshalJSON(b []byte) error {
	o.set = true
	if string(b) == "null" {
		o.value = nil
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	o.value = &n
	return nil
}

// optionalTime is optionalString's counterpart for nullable RFC3339 PATCH
// fields (e.g. onOrAfterAt, endAt).
type optionalTime struct {
	set   bool
	value *time.Time
}

func (o *optionalTime) UnmarshalJSON(b []byte) error {
	o.set = true
	if string(b) == "null" {
		o.value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	o.value = &t
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeAPIError classifies err into the apierr vocabulary and writes the
// client-safe response. Internal errors additionally get their underlying
// cause (with its pkg/errors stack, if any) logged here, since this is the
// one place every engine error passes through before it either reaches a
// client or vanishes (spec §7: storage errors "bubble to the dispatcher
// which logs the stack and returns Internal").
func (d *Dispatcher) writeAPIError(w http.ResponseWriter, err error) {
	kind := apierr.ClassifyKind(err)
	if kind == apierr.Internal {
		d.log.Error("internal error", "message", err.Error(), "cause", fmt.Sprintf("%+v", unwrapCause(err)))
	}
	status := apierr.HTTPStatus(kind)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// unwrapCause returns err's wrapped cause if it has one (the pkg/errors
// stack store.wrapErr attaches), or err itself for an error with no further
// cause (e.g. an apierr.Error built with a nil cause).
func unwrapCause(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if cause := u.Unwrap(); cause != nil {
			return cause
		}
	}
	return err
}

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.NewBadRequest("malformed JSON body")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func queryInt64(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	var n int64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
