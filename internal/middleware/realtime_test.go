package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogcore/internal/websocket"
)

func TestRealtime_BroadcastsSummary(t *testing.T) {
	n := &recordingNotifier{}
	var fromCtx websocket.Notifier
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx, _ = websocket.NotifierFromContext(r.Context())
		w.WriteHeader(http.StatusCreated)
	})

	rec := httptest.NewRecorder()
	Realtime(n, quietLogger())(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/posts", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Same(t, n, fromCtx)
	msgs := n.all()
	require.Len(t, msgs, 1)
	summary, ok := msgs[0].(RequestSummary)
	require.True(t, ok)
	assert.Equal(t, http.MethodPost, summary.Method)
	assert.Equal(t, "/api/posts", summary.Path)
	assert.Equal(t, http.StatusCreated, summary.Status)
}

func TestRealtime_SkipsUpgrades(t *testing.T) {
	n := &recordingNotifier{}
	r := httptest.NewRequest(http.MethodGet, "/api2/chatHub", nil)
	r.Header.Set("Upgrade", "websocket")

	Realtime(n, quietLogger())(okHandler("")).ServeHTTP(httptest.NewRecorder(), r)
	assert.Empty(t, n.all())
}
