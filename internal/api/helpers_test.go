package api

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hive/server/internal/apierr"
)

func newTestDispatcherWithLog(buf *bytes.Buffer) *Dispatcher {
	return &Dispatcher{log: slog.New(slog.NewTextHandler(buf, nil))}
}

func TestWriteAPIErrorLogsInternalCause(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	d := newTestDispatcherWithLog(&buf)

	cause := errors.New("connection refused")
	d.writeAPIError(httptest.NewRecorder(), apierr.NewInternal("storage error", cause))

	if !strings.Contains(buf.String(), "connection refused") {
		t.Fatalf("expected logged cause, got: %s", buf.String())
	}
}

func TestWriteAPIErrorDoesNotLogClientErrors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	d := newTestDispatcherWithLog(&buf)

	d.writeAPIError(httptest.NewRecorder(), apierr.NewBadRequest("bad input"))

	if buf.Len() != 0 {
		t.Fatalf("expected no log output for a BadRequest, got: %s", buf.String())
	}
}

func TestWriteAPIErrorWritesClientSafeBody(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	d := newTestDispatcherWithLog(&buf)

	w := httptest.NewRecorder()
	d.writeAPIError(w, apierr.NewInternal("storage error", errors.New("secret dsn leaked here")))

	if strings.Contains(w.Body.String(), "secret dsn leaked here") {
		t.Fatalf("internal cause must not reach the response body: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "storage error") {
		t.Fatalf("expected client-safe message in body: %s", w.Body.String())
	}
}
