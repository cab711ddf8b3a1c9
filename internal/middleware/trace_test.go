package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogcore/internal/infrastructure"
	"blogcore/internal/shared/testutil"
)

func TestTracer_RequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{name: "incoming id is kept", incoming: "req-123"},
		{name: "id is generated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := NewTracer(nil, nil, quietLogger()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = infrastructure.GetTraceID(r.Context())
				assert.NotNil(t, RequestInfoFromContext(r.Context()))
			}))

			r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
			if tt.incoming != "" {
				r.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			got := rec.Header().Get(RequestIDHeader)
			require.NotEmpty(t, got)
			assert.Equal(t, got, seen)
			if tt.incoming != "" {
				assert.Equal(t, tt.incoming, got)
			}
		})
	}
}

func TestTracer_LogsRouteFromInnerStages(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	h := NewTracer(nil, nil, logger).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RequestInfoFromContext(r.Context()).Route = "/api/messages/{backend}/{topic}"
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/messages/eventbus/news", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, logs.ContainsMessage("request completed"))
	assert.True(t, logs.ContainsAttr("route", "/api/messages/{backend}/{topic}"))
	assert.True(t, logs.ContainsAttr("status", int64(http.StatusAccepted)))
}

func TestTracer_RecordsMetrics(t *testing.T) {
	providers := infrastructure.NoopOTelProviders(quietLogger())
	metrics, err := infrastructure.CreateBusinessMetrics(providers.Meter)
	require.NoError(t, err)

	h := NewTracer(providers, metrics, quietLogger()).Handler(okHandler("ok"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
