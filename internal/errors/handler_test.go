package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogcore/internal/infrastructure"
	"blogcore/internal/shared/testutil"
)

type transientErr struct{}

func (transientErr) Error() string   { return "broker unreachable" }
func (transientErr) Retryable() bool { return true }

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		retryable  bool
	}{
		{"api error", ErrForbidden, http.StatusForbidden, CodeForbidden, false},
		{"wrapped api error", fmt.Errorf("stage: %w", ErrUnauthorized), http.StatusUnauthorized, CodeUnauthorized, false},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout, false},
		{"canceled", fmt.Errorf("publish: %w", context.Canceled), http.StatusGatewayTimeout, CodeTimeout, false},
		{"retryable", fmt.Errorf("publish: %w", transientErr{}), http.StatusServiceUnavailable, CodeServiceUnavailable, true},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, got.StatusCode)
			assert.Equal(t, tt.wantCode, got.ErrorCode)
			assert.Equal(t, tt.retryable, got.Retryable)
		})
	}
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{
			name:       "rate limit",
			err:        ErrRateLimitExceeded,
			wantStatus: http.StatusTooManyRequests,
			wantType:   TypeRateLimit,
			wantCode:   CodeRateLimitExceeded,
		},
		{
			name:       "invalid payload",
			err:        ErrInvalidPayload.WithCause(errors.New("bad nonce")),
			wantStatus: http.StatusBadRequest,
			wantType:   TypePayload,
			wantCode:   CodeInvalidPayload,
		},
		{
			name:       "generic error hides message",
			err:        errors.New("db password is hunter2"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
			wantCode:   CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.NewTestLogger(t)
			handler := NewErrorHandler(logger, false)

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/blog/api/x", nil)
			r = r.WithContext(infrastructure.WithTraceID(r.Context(), "trace-1"))

			handler.HandleError(w, r, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

			body := decodeProblem(t, w)
			assert.Equal(t, tt.wantType, body["type"])
			assert.Equal(t, tt.wantCode, body["error_code"])
			assert.Equal(t, "trace-1", body["trace_id"])
			assert.Equal(t, "/blog/api/x", body["instance"])
			assert.NotContains(t, w.Body.String(), "hunter2")
			assert.True(t, logs.ContainsMessage("request failed"))
		})
	}
}

func TestErrorHandler_HandleError_Nil(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, false)

	w := httptest.NewRecorder()
	handler.HandleError(w, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, 0, w.Body.Len())
}

func TestWriteError_Retryable(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/messages/kafka/t", nil)

	WriteError(w, r, Unavailable(errors.New("kafka down")))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeProblem(t, w)
	assert.Equal(t, CodeServiceUnavailable, body["error_code"])
	assert.Equal(t, true, body["retryable"])
}

func TestErrorHandler_Middleware(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantCode   string
		wantLog    string
	}{
		{
			name:       "passes through",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "panic with value",
			handler:    func(w http.ResponseWriter, r *http.Request) { panic("stage exploded") },
			wantStatus: http.StatusInternalServerError,
			wantCode:   CodeInternal,
			wantLog:    "panic recovered",
		},
		{
			name:       "panic with api error",
			handler:    func(w http.ResponseWriter, r *http.Request) { panic(ErrForbidden) },
			wantStatus: http.StatusForbidden,
			wantCode:   CodeForbidden,
			wantLog:    "request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.NewTestLogger(t)
			h := NewErrorHandler(logger, false).Middleware(tt.handler)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeProblem(t, w)["error_code"])
			}
			if tt.wantLog != "" {
				assert.True(t, logs.ContainsMessage(tt.wantLog))
			}
		})
	}
}

func TestErrorHandler_Middleware_AbortHandler(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, false).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestAPIError_CopiesAreIndependent(t *testing.T) {
	a := ErrForbidden.WithDetails("admin only")
	assert.Nil(t, ErrForbidden.Details)
	assert.Equal(t, "admin only", a.Details)

	cause := errors.New("expired")
	u := Unauthorized(cause)
	assert.ErrorIs(t, u, cause)
	assert.Contains(t, u.Error(), "expired")
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, false)

	w := httptest.NewRecorder()
	h.NotFound(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeProblem(t, w)["error_code"])

	w = httptest.NewRecorder()
	h.MethodNotAllowed(w, httptest.NewRequest(http.MethodDelete, "/api/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "DELETE", decodeProblem(t, w)["details"])
}
