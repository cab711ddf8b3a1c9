package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogcore/internal/security"
)

func withRoute(r *http.Request, route *Route) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), routeKey{}, route))
}

func identityProbe(got **security.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = security.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestBypassAuth(t *testing.T) {
	tests := []struct {
		name        string
		headers     map[string]string
		wantSubject string
		wantRoles   []string
		wantBypass  bool
	}{
		{name: "default identity", wantSubject: "load-test", wantBypass: true},
		{name: "identity from headers", headers: map[string]string{LoadTestUserHeader: "bob", LoadTestRolesHeader: "Admin, Editor,"},
			wantSubject: "bob", wantRoles: []string{"Admin", "Editor"}, wantBypass: true},
		{name: "credentials are left to the verifier", headers: map[string]string{"Authorization": "Bearer x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *security.Identity
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			BypassAuth(quietLogger())(identityProbe(&got)).ServeHTTP(httptest.NewRecorder(), r)

			if !tt.wantBypass {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, got.Bypass)
			assert.Equal(t, tt.wantSubject, got.Subject)
			assert.Equal(t, tt.wantRoles, got.Roles)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	strategy := tokenStrategy(t)
	valid := bearer(t, strategy, "alice", security.RoleAdmin)

	tests := []struct {
		name        string
		auth        string
		wantStatus  int
		wantSubject string
	}{
		{name: "valid token", auth: valid, wantStatus: http.StatusOK, wantSubject: "alice"},
		{name: "no credentials continue anonymously", wantStatus: http.StatusOK},
		{name: "basic scheme is ignored", auth: "Basic dXNlcjpwYXNz", wantStatus: http.StatusOK},
		{name: "garbage token", auth: "Bearer not-a-jwt", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *security.Identity
			r := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			r, info := ensureRequestInfo(r)
			rec := httptest.NewRecorder()
			Authenticate(strategy, nil, quietLogger())(identityProbe(&got)).ServeHTTP(rec, r)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantSubject == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantSubject, got.Subject)
			assert.Equal(t, tt.wantSubject, info.Subject)
		})
	}
}

func TestAuthenticate_BypassIdentitySkipsVerifier(t *testing.T) {
	strategy := tokenStrategy(t)
	var got *security.Identity

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	h := BypassAuth(quietLogger())(Authenticate(strategy, nil, quietLogger())(identityProbe(&got)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.True(t, got.Bypass)
}

func TestAuthorize(t *testing.T) {
	admin := &security.Identity{Subject: "root", Roles: []string{"admin"}}
	reader := &security.Identity{Subject: "reader", Roles: []string{"Reader"}}

	anonymous := &Route{Policy: PolicyAnonymous}
	authenticated := &Route{Policy: PolicyAuthenticated}
	adminOnly := &Route{Policy: PolicyRole, Role: security.RoleAdmin}

	tests := []struct {
		name       string
		route      *Route
		identity   *security.Identity
		wantStatus int
	}{
		{name: "no route passes", wantStatus: http.StatusOK},
		{name: "anonymous route without identity", route: anonymous, wantStatus: http.StatusOK},
		{name: "authenticated route without identity", route: authenticated, wantStatus: http.StatusUnauthorized},
		{name: "authenticated route with identity", route: authenticated, identity: reader, wantStatus: http.StatusOK},
		{name: "role route without identity", route: adminOnly, wantStatus: http.StatusUnauthorized},
		{name: "role route with wrong role", route: adminOnly, identity: reader, wantStatus: http.StatusForbidden},
		{name: "role match ignores case", route: adminOnly, identity: admin, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.route != nil {
				r = withRoute(r, tt.route)
			}
			if tt.identity != nil {
				r = r.WithContext(security.WithIdentity(r.Context(), tt.identity))
			}
			rec := httptest.NewRecorder()
			Authorize(quietLogger())(okHandler("ok")).ServeHTTP(rec, r)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}
