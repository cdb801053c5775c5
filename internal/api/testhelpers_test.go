package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"liveroom-gateway/internal/auth"
	"liveroom-gateway/internal/backend"
	"liveroom-gateway/internal/observability/logging"
)

const (
	userID    = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	otherID   = "0f8fad5b-d9cb-469f-a165-70867728950e"
	roomID    = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	streamID  = "9b2f3a5e-1c4d-4e8f-9a7b-3c2d1e0f4a5b"
	userToken = "header.payload.signature"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordedCall struct {
	call   backend.Call
	caller backend.Caller
}

// fakeBackend answers RPCs and selects from canned JSON keyed by function or
// table name and records every request.
type fakeBackend struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	pingErr error
	calls   []recordedCall
	queries []backend.Query
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{results: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeBackend) Call(ctx context.Context, call backend.Call, dest any) error {
	caller, _ := backend.CallerFromContext(ctx)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{call: call, caller: caller})
	raw, ok := f.results[call.Function]
	err := f.errs[call.Function]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		if !call.Set {
			return nil
		}
		raw = "[]"
	}
	if dest == nil {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

func (f *fakeBackend) Select(_ context.Context, q backend.Query, dest any) error {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	raw, ok := f.results[q.Table]
	err := f.errs[q.Table]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		raw = "[]"
	}
	if !q.Single {
		return json.Unmarshal([]byte(raw), dest)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return backend.ErrNotFound
	}
	return json.Unmarshal(rows[0], dest)
}

func (f *fakeBackend) Ping(context.Context) error  { return f.pingErr }
func (f *fakeBackend) Close(context.Context) error { return nil }

// call returns the recorded invocation of function, failing when absent.
func (f *fakeBackend) call(t *testing.T, function string) recordedCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rc := range f.calls {
		if rc.call.Function == function {
			return rc
		}
	}
	t.Fatalf("expected a call to %s, got %v", function, f.functionsLocked())
	return recordedCall{}
}

func (f *fakeBackend) called(function string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rc := range f.calls {
		if rc.call.Function == function {
			return true
		}
	}
	return false
}

func (f *fakeBackend) functionsLocked() []string {
	names := make([]string, 0, len(f.calls))
	for _, rc := range f.calls {
		names = append(names, rc.call.Function)
	}
	return names
}

func (f *fakeBackend) query(t *testing.T, table string) backend.Query {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queries {
		if q.Table == table {
			return q
		}
	}
	t.Fatalf("expected a select on %s", table)
	return backend.Query{}
}

func newTestHandler(t *testing.T, fake *fakeBackend, opts ...auth.AuthorizerOption) *Handler {
	t.Helper()
	h := NewHandler(fake, auth.NewAuthorizer(fake, opts...))
	h.Clock = clockwork.NewFakeClockAt(testNow)
	h.Logger = logging.Discard()
	return h
}

type requestOption func(*http.Request) *http.Request

func asUser(id string) requestOption {
	return func(r *http.Request) *http.Request {
		user := auth.User{ID: id, Email: "viewer@example.com", Role: "authenticated", Token: userToken}
		return r.WithContext(auth.ContextWithUser(r.Context(), user))
	}
}

func serve(t *testing.T, h *Handler, method, target string, body any, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(v)
	default:
		payload, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		req = opt(req)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), "body: %s", rec.Body.String())
	return payload
}
