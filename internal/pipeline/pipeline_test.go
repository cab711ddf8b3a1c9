package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogcore/internal/config"
	apierrors "blogcore/internal/errors"
	"blogcore/internal/messaging"
	"blogcore/internal/middleware"
	"blogcore/internal/security"
	"blogcore/internal/session"
	"blogcore/internal/websocket"
)

const (
	testAudienceSecret = "0123456789abcdef0123456789abcdef"
	testPayloadSecret  = "payload-secret-0123456789abcdef-0123456789"
)

var canonicalOrder = []string{
	StageTrace, StageRequestDecrypt, StageException, StageRateLimit, StageAudit,
	StageRealtime, StageSession, StageCORS, StageRouting, StageBypassAuth,
	StageAuthentication, StageAuthorization, StageResponseEncrypt,
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func settingsWith(values map[string]any) *config.Settings {
	merged := map[string]any{"Audience.Secret": testAudienceSecret}
	for k, v := range values {
		merged[k] = v
	}
	return config.FromMap(merged)
}

func selectStrategy(t *testing.T, settings *config.Settings) security.Strategy {
	t.Helper()
	s, err := security.Select(settings, security.WithLogger(quietLogger()))
	require.NoError(t, err)
	return s
}

func testRoutes() []middleware.Route {
	whoami := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := security.IdentityFromContext(r.Context())
		_, _ = io.WriteString(w, id.Subject)
	})
	return []middleware.Route{
		{Method: http.MethodGet, Pattern: "/api/health", Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"status":"ok"}`)
		})},
		{Method: http.MethodGet, Pattern: "/api/whoami", Policy: middleware.PolicyAuthenticated, Handler: whoami},
		{Method: http.MethodPost, Pattern: "/api/admin", Policy: middleware.PolicyRole, Role: security.RoleAdmin, Handler: whoami},
		{Method: http.MethodGet, Pattern: "/api/panic", Handler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})},
	}
}

// stageRecorder collects the stages that answered requests themselves.
type stageRecorder struct {
	mu     sync.Mutex
	stages []string
}

func (s *stageRecorder) observe(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, stage)
}

func (s *stageRecorder) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.stages)
}

func build(t *testing.T, values map[string]any, opts ...Option) (*Pipeline, *stageRecorder) {
	t.Helper()
	settings := settingsWith(values)
	rec := &stageRecorder{}
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithRoutes(testRoutes()),
		WithObserver(rec.observe),
	}, opts...)
	p, err := Build(selectStrategy(t, settings), nil, settings, opts...)
	require.NoError(t, err)
	return p, rec
}

func serve(p http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	if auth != "" {
		r.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)
	return rec
}

func TestDescriptors_PositionsAreOrdered(t *testing.T) {
	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.name
		if i > 0 {
			assert.Greater(t, d.position, descriptors[i-1].position, d.name)
		}
	}
	assert.Equal(t, canonicalOrder, names)
}

func TestBuild_OrderPreservedUnderSubsetting(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		notify bool
		want   []string
	}{
		{
			name: "defaults",
			want: []string{StageTrace, StageException, StageRateLimit, StageAudit, StageSession,
				StageCORS, StageRouting, StageAuthentication, StageAuthorization},
		},
		{
			name: "everything on",
			values: map[string]any{
				config.KeyRequestEncryption:  true,
				config.KeyResponseEncryption: true,
				config.KeyEncryptionSecret:   testPayloadSecret,
				config.KeyUseLoadTest:        true,
			},
			notify: true,
			want:   canonicalOrder,
		},
		{
			name: "minimal",
			values: map[string]any{
				config.KeyRateLimitEnabled:  false,
				config.KeyAccessLogsEnabled: false,
				config.KeyRealtimeEnabled:   false,
				config.KeyCorsPolicyName:    "",
			},
			notify: true,
			want:   []string{StageTrace, StageException, StageSession, StageRouting, StageAuthentication, StageAuthorization},
		},
		{
			name: "response encryption only",
			values: map[string]any{
				config.KeyResponseEncryption: true,
				config.KeyEncryptionSecret:   testPayloadSecret,
				config.KeyRateLimitEnabled:   false,
			},
			want: []string{StageTrace, StageException, StageAudit, StageSession, StageCORS,
				StageRouting, StageAuthentication, StageAuthorization, StageResponseEncrypt},
		},
		{
			name:   "realtime flag off with hub wired",
			values: map[string]any{config.KeyRealtimeEnabled: false},
			notify: true,
			want: []string{StageTrace, StageException, StageRateLimit, StageAudit, StageSession,
				StageCORS, StageRouting, StageAuthentication, StageAuthorization},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.notify {
				opts = append(opts, WithNotifier(websocket.NewHub(quietLogger())))
			}
			p, _ := build(t, tt.values, opts...)
			got := p.Stages()
			assert.Equal(t, tt.want, got)

			// Committed stages keep their relative catalogue order.
			last := -1
			for _, name := range got {
				idx := slices.Index(canonicalOrder, name)
				require.GreaterOrEqual(t, idx, 0)
				assert.Greater(t, idx, last)
				last = idx
			}
		})
	}
}

func TestBuild_StrategyScenarios(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   security.Kind
	}{
		{name: "no federated provider", want: security.TokenAuth},
		{
			name: "federated A only",
			values: map[string]any{
				config.KeyIdentityServerEnabled:    true,
				"Startup.IdentityServer.Authority": "https://ids.example.com",
			},
			want: security.FederatedA,
		},
		{
			name: "federated B only",
			values: map[string]any{
				config.KeyFederatedBEnabled:    true,
				"Startup.FederatedB.Authority": "https://b.example.com",
			},
			want: security.FederatedB,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := build(t, tt.values)
			assert.Equal(t, tt.want, p.Strategy().Kind())
			assert.Contains(t, p.Stages(), StageAuthentication)
		})
	}
}

func TestBuild_BootFatal(t *testing.T) {
	token := selectStrategy(t, settingsWith(nil))

	tests := []struct {
		name    string
		values  map[string]any
		wantErr error
	}{
		{
			name: "conflicting strategies",
			values: map[string]any{
				config.KeyIdentityServerEnabled: true,
				config.KeyFederatedBEnabled:     true,
			},
			wantErr: security.ErrConflictingStrategies,
		},
		{
			name:   "strategy does not match settings",
			values: map[string]any{config.KeyIdentityServerEnabled: true},
		},
		{
			name:    "malformed route prefix",
			values:  map[string]any{config.KeyServiceName: "blog core!"},
			wantErr: config.ErrInvalidRoutePrefix,
		},
		{
			name: "load test in production",
			values: map[string]any{
				config.KeyUseLoadTest: true,
				config.KeyEnvironment: "production",
			},
		},
		{
			name: "encryption without a usable secret",
			values: map[string]any{
				config.KeyResponseEncryption: true,
				config.KeyEncryptionSecret:   "short",
			},
		},
		{
			name:   "unknown cors policy",
			values: map[string]any{config.KeyCorsPolicyName: "Nope"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Build(token, nil, settingsWith(tt.values), WithLogger(quietLogger()))
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, apierrors.IsBootFatal(err))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestBuild_Idempotent(t *testing.T) {
	values := map[string]any{config.KeyUseLoadTest: true, config.KeyServiceName: "blog"}
	first, _ := build(t, values)
	second, _ := build(t, values)
	assert.Equal(t, first.Stages(), second.Stages())

	// Stages hands out a copy.
	s := first.Stages()
	s[0] = "changed"
	assert.Equal(t, StageTrace, first.Stages()[0])
}

func TestBuild_BypassPlacement(t *testing.T) {
	t.Run("load test on", func(t *testing.T) {
		p, _ := build(t, map[string]any{config.KeyUseLoadTest: true})
		stages := p.Stages()
		bypass := slices.Index(stages, StageBypassAuth)
		require.GreaterOrEqual(t, bypass, 0)
		assert.Equal(t, StageAuthentication, stages[bypass+1])
		assert.Equal(t, StageRouting, stages[bypass-1])

		rec := serve(p, http.MethodGet, "/api/whoami", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "load-test", rec.Body.String())
	})

	t.Run("load test off", func(t *testing.T) {
		p, _ := build(t, map[string]any{config.KeyUseLoadTest: false})
		assert.NotContains(t, p.Stages(), StageBypassAuth)
		assert.Equal(t, http.StatusUnauthorized, serve(p, http.MethodGet, "/api/whoami", "").Code)
	})
}

func TestPipeline_RateLimitedRequestSkipsAuthButIsEncoded(t *testing.T) {
	p, stages := build(t, map[string]any{
		"Middleware.IpRateLimit.RequestsPerSecond": 0.001,
		"Middleware.IpRateLimit.Burst":             1,
		config.KeyResponseEncryption:               true,
		config.KeyEncryptionSecret:                 testPayloadSecret,
	})
	cipher, err := security.NewPayloadCipher(testPayloadSecret)
	require.NoError(t, err)

	first := serve(p, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, first.Code)

	// A garbage token would be rejected with 401 if authentication ran.
	limited := serve(p, http.MethodGet, "/api/whoami", "Bearer garbage")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get(middleware.EncryptedHeader))
	assert.Equal(t, []string{StageRateLimit}, stages.all())

	var env security.Envelope
	require.NoError(t, json.Unmarshal(limited.Body.Bytes(), &env))
	plain, err := cipher.Open(&env)
	require.NoError(t, err)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(plain, &problem))
	assert.Equal(t, apierrors.CodeRateLimitExceeded, problem["error_code"])
	assert.Equal(t, true, problem["retryable"])
	assert.NotEmpty(t, problem["trace_id"])
}

func TestPipeline_Flow(t *testing.T) {
	values := map[string]any{config.KeyServiceName: "blog", config.KeyRateLimitEnabled: false}
	settings := settingsWith(values)
	strategy := selectStrategy(t, settings)
	userToken, _, err := strategy.Issuer().Issue("alice", "Reader")
	require.NoError(t, err)
	adminToken, _, err := strategy.Issuer().Issue("root", security.RoleAdmin)
	require.NoError(t, err)

	tests := []struct {
		name       string
		method     string
		path       string
		auth       string
		wantStatus int
		wantBody   string
		wantStage  string
	}{
		{name: "anonymous route", method: http.MethodGet, path: "/blog/api/health", wantStatus: http.StatusOK, wantBody: `{"status":"ok"}`},
		{name: "outside prefix", method: http.MethodGet, path: "/api/health", wantStatus: http.StatusNotFound, wantStage: StageRouting},
		{name: "authenticated without token", method: http.MethodGet, path: "/blog/api/whoami", wantStatus: http.StatusUnauthorized, wantStage: StageAuthorization},
		{name: "authenticated with token", method: http.MethodGet, path: "/blog/api/whoami", auth: "Bearer " + userToken, wantStatus: http.StatusOK, wantBody: "alice"},
		{name: "rejected token", method: http.MethodGet, path: "/blog/api/health", auth: "Bearer nope", wantStatus: http.StatusUnauthorized, wantStage: StageAuthentication},
		{name: "role missing", method: http.MethodPost, path: "/blog/api/admin", auth: "Bearer " + userToken, wantStatus: http.StatusForbidden, wantStage: StageAuthorization},
		{name: "role present", method: http.MethodPost, path: "/blog/api/admin", auth: "Bearer " + adminToken, wantStatus: http.StatusOK, wantBody: "root"},
		{name: "panic is translated", method: http.MethodGet, path: "/blog/api/panic", wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &stageRecorder{}
			p, err := Build(strategy, nil, settings,
				WithLogger(quietLogger()), WithRoutes(testRoutes()), WithObserver(rec.observe))
			require.NoError(t, err)

			resp := serve(p, tt.method, tt.path, tt.auth)
			assert.Equal(t, tt.wantStatus, resp.Code)
			assert.NotEmpty(t, resp.Header().Get(middleware.RequestIDHeader))
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, resp.Body.String())
			}
			if tt.wantStage != "" {
				assert.Equal(t, []string{tt.wantStage}, rec.all())
			} else {
				assert.Empty(t, rec.all())
			}
		})
	}
}

func TestPipeline_CORSPreflight(t *testing.T) {
	p, stages := build(t, nil)

	r := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	r.Header.Set("Origin", "http://localhost:8080")
	r.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:8080", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, []string{StageCORS}, stages.all())
}

func TestPipeline_SessionStore(t *testing.T) {
	store := session.NewStore(time.Minute, quietLogger())
	p, _ := build(t, nil, WithSessions(store))
	assert.Same(t, store, p.Sessions())

	rec := serve(p, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.Len())
	assert.NotEmpty(t, rec.Result().Cookies())

	defaulted, _ := build(t, nil)
	assert.NotNil(t, defaulted.Sessions())
}

func TestPipeline_AuditPublishesToEventBus(t *testing.T) {
	settings := settingsWith(map[string]any{config.KeyRateLimitEnabled: false})
	backends, err := messaging.DefaultRegistry().Build(context.Background(), settings, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backends.Close() })

	received := make(chan middleware.AccessRecord, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, backends.Subscribe(ctx, messaging.EventBus, "access-log", func(_ context.Context, msg *message.Message) error {
		var record middleware.AccessRecord
		if err := json.Unmarshal(msg.Payload, &record); err != nil {
			return err
		}
		received <- record
		return nil
	}))

	p, err := Build(selectStrategy(t, settings), backends, settings,
		WithLogger(quietLogger()), WithRoutes(testRoutes()))
	require.NoError(t, err)

	rec := serve(p, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case record := <-received:
		assert.Equal(t, "/api/health", record.Path)
		assert.Equal(t, "/api/health", record.Route)
		assert.Equal(t, http.StatusOK, record.Status)
		assert.Equal(t, rec.Header().Get(middleware.RequestIDHeader), record.TraceID)
	case <-time.After(2 * time.Second):
		t.Fatal("access record was not published")
	}
}

func TestPipeline_RealtimeSummary(t *testing.T) {
	hub := websocket.NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		hub.Stop()
	})
	hub.Start(ctx)

	routes := append(testRoutes(), middleware.Route{
		Method: http.MethodGet, Pattern: config.RealtimeHubPath, System: true, Handler: hub,
	})
	settings := settingsWith(map[string]any{config.KeyServiceName: "blog"})
	p, err := Build(selectStrategy(t, settings), nil, settings,
		WithLogger(quietLogger()), WithRoutes(routes), WithNotifier(hub))
	require.NoError(t, err)
	assert.Contains(t, p.Stages(), StageRealtime)

	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + config.RealtimeHubPath
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var welcome websocket.Message
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, websocket.TypeConnection, welcome.Type)

	resp, err := http.Get(srv.URL + "/blog/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var summary websocket.Message
	require.NoError(t, conn.ReadJSON(&summary))
	assert.Equal(t, websocket.TypeRequest, summary.Type)
	data, ok := summary.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/blog/api/health", data["path"])
}

// onionTrace records stage entry and exit around a terminal handler.
type onionTrace struct {
	events []string
}

func (o *onionTrace) stage(name string, answers bool) middleware.Func {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			o.events = append(o.events, "enter "+name)
			if answers {
				w.WriteHeader(http.StatusForbidden)
			} else {
				next.ServeHTTP(w, r)
			}
			o.events = append(o.events, "exit "+name)
		})
	}
}

func TestCompose_OnionOrder(t *testing.T) {
	catalogue := []descriptor{
		{name: "a", position: 5, class: ObserveOnly},
		{name: "b", position: 10, class: TransformRequest},
		{name: "c", position: 20, class: ShortCircuit},
		{name: "d", position: 30, class: TransformResponse},
		{name: "e", position: 40, class: ObserveOnly},
	}

	tests := []struct {
		name     string
		subset   []string
		answerer string
		want     []string
		answered []string
	}{
		{
			name:   "all stages",
			subset: []string{"a", "b", "c", "d", "e"},
			want: []string{"enter d", "enter a", "enter b", "enter c", "enter e", "handler",
				"exit e", "exit c", "exit b", "exit a", "exit d"},
		},
		{
			name:   "gaps keep relative order",
			subset: []string{"a", "c", "e"},
			want:   []string{"enter a", "enter c", "enter e", "handler", "exit e", "exit c", "exit a"},
		},
		{
			name:   "response transform outside a later-positioned peer",
			subset: []string{"b", "d"},
			want:   []string{"enter d", "enter b", "handler", "exit b", "exit d"},
		},
		{
			name:   "single stage",
			subset: []string{"e"},
			want:   []string{"enter e", "handler", "exit e"},
		},
		{
			name:     "short circuit unwinds through outer stages only",
			subset:   []string{"a", "b", "c", "d", "e"},
			answerer: "c",
			want:     []string{"enter d", "enter a", "enter b", "enter c", "exit c", "exit b", "exit a", "exit d"},
			answered: []string{"c"},
		},
		{
			name:     "first stage answers",
			subset:   []string{"a", "c"},
			answerer: "a",
			want:     []string{"enter a", "exit a"},
			answered: []string{"a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trace := &onionTrace{}
			rec := &stageRecorder{}
			var committed []descriptor
			var built []middleware.Func
			for _, d := range catalogue {
				if slices.Contains(tt.subset, d.name) {
					committed = append(committed, d)
					built = append(built, trace.stage(d.name, d.name == tt.answerer))
				}
			}
			terminal := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				trace.events = append(trace.events, "handler")
			})

			h := compose(committed, built, terminal, &options{observer: rec.observe}, quietLogger())
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.want, trace.events)
			assert.Equal(t, tt.answered, rec.all())
		})
	}
}

func TestPipeline_RequestDeadline(t *testing.T) {
	routes := append(testRoutes(), middleware.Route{
		Method: http.MethodGet, Pattern: "/api/slow",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
				_, _ = io.WriteString(w, "late")
			}
		}),
	})
	settings := settingsWith(map[string]any{
		config.KeyRateLimitEnabled: false,
		config.KeyRequestTimeout:   "20ms",
	})
	p, err := Build(selectStrategy(t, settings), nil, settings, WithLogger(quietLogger()), WithRoutes(routes))
	require.NoError(t, err)

	slow := serve(p, http.MethodGet, "/api/slow", "")
	require.Equal(t, http.StatusGatewayTimeout, slow.Code)
	var problem map[string]any
	require.NoError(t, json.Unmarshal(slow.Body.Bytes(), &problem))
	assert.Equal(t, apierrors.CodeTimeout, problem["error_code"])

	assert.Equal(t, http.StatusOK, serve(p, http.MethodGet, "/api/health", "").Code)
}

func TestPipeline_TrustedProxies(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		want    []int
	}{
		{name: "spoofed forwarding headers share the peer bucket", want: []int{http.StatusOK, http.StatusTooManyRequests}},
		{name: "trusted proxy forwards client address", trusted: []string{"192.0.2.0/24"}, want: []int{http.StatusOK, http.StatusOK}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := map[string]any{
				"Middleware.IpRateLimit.RequestsPerSecond": 0.01,
				"Middleware.IpRateLimit.Burst":             1,
			}
			if tt.trusted != nil {
				values["Server.TrustedProxies"] = tt.trusted
			}
			p, _ := build(t, values)
			for i, want := range tt.want {
				r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
				r.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i+1))
				rec := httptest.NewRecorder()
				p.ServeHTTP(rec, r)
				assert.Equal(t, want, rec.Code, "request %d", i)
			}
		})
	}
}

func TestBuild_InvalidTrustedProxy(t *testing.T) {
	settings := settingsWith(map[string]any{"Server.TrustedProxies": []string{"10.0.0.0/99"}})
	_, err := Build(selectStrategy(t, settings), nil, settings, WithLogger(quietLogger()), WithRoutes(testRoutes()))
	require.Error(t, err)
	var appErr *apierrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apierrors.ErrTypePipeline, appErr.Type)
}
