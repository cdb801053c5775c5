package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-gateway/internal/observability/logging"
)

func TestRequestIDMiddlewareChoosesID(t *testing.T) {
	cases := []struct {
		name     string
		incoming string
		want     string
	}{
		{name: "missing", incoming: "", want: "generated"},
		{name: "preserved", incoming: "edge-7f3a:42", want: "edge-7f3a:42"},
		{name: "trimmed", incoming: "  abc123  ", want: "abc123"},
		{name: "oversized", incoming: strings.Repeat("a", maxRequestIDBytes+1), want: "generated"},
		{name: "control characters", incoming: "abc\tdef", want: "generated"},
		{name: "spaces", incoming: "two words", want: "generated"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			handler := requestIDMiddlewareWithGenerator(logging.Discard(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = logging.RequestIDFromContext(r.Context())
				assert.NotNil(t, logging.LoggerFromContext(r.Context()))
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/rooms/live", nil)
			if tc.incoming != "" {
				req.Header.Set(requestIDHeader, tc.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.want, seen)
			assert.Equal(t, tc.want, rec.Header().Get(requestIDHeader))
		})
	}
}

func TestRequestLoggerCarriesGeneratedID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	chain := requestIDMiddlewareWithGenerator(logger, func() string { return "generated-id" },
		logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))
	chain.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/presence/heartbeat", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "generated-id", line["request_id"])
	assert.Equal(t, float64(http.StatusNoContent), line["status"])
}

func TestServerGeneratesRequestIDs(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	first := do(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Header().Get(requestIDHeader)
	second := do(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Header().Get(requestIDHeader)
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
