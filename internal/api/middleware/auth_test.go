package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/d9705996/logexpert/internal/api/middleware"
	"github.com/d9705996/logexpert/internal/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret-at-least-32-bytes!!!"

var tokens = auth.NewTokenIssuer(secret, 15*time.Minute)

func issueToken(t *testing.T, roles []string) string {
	t.Helper()
	tok, err := tokens.Issue(auth.Subject{UserID: "user-1", Email: "u@example.com", Roles: roles})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func TestRequireAuth_MissingHeader(t *testing.T) {
	handler := middleware.RequireAuth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_ValidToken(t *testing.T) {
	handler := middleware.RequireAuth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := middleware.ClaimsFromContext(r.Context())
		assert.NotNil(t, claims)
		assert.Equal(t, "user-1", claims.UserID())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, []string{"Viewer"}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAuth_InvalidToken(t *testing.T) {
	handler := middleware.RequireAuth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer this.is.garbage")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequirePermission_Viewer_CannotCreate(t *testing.T) {
	chain := middleware.RequireAuth(tokens)(
		middleware.RequirePermission(auth.CapIncidentCreate)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
			}),
		),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, []string{"Viewer"}))
	w := httptest.NewRecorder()
	chain.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequirePermission_Responder_CanCreate(t *testing.T) {
	chain := middleware.RequireAuth(tokens)(
		middleware.RequirePermission(auth.CapIncidentCreate)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
			}),
		),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, []string{"Responder"}))
	w := httptest.NewRecorder()
	chain.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRequirePermission_Admin_AllCapabilities(t *testing.T) {
	chain := middleware.RequireAuth(tokens)(
		middleware.RequirePermission(auth.AllCapabilities)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}),
		),
	)

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, []string{"Admin"}))
	w := httptest.NewRecorder()
	chain.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequirePermission_NoClaims(t *testing.T) {
	h := middleware.RequirePermission(auth.CapIncidentRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_WebsocketQueryToken(t *testing.T) {
	handler := middleware.RequireAuth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+issueToken(t, []string{"Viewer"}), http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "query token only accepted on upgrades")

	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequirePermission_UsesTokenCapabilities(t *testing.T) {
	// Roles claim Admin but the signed capability set only allows reads.
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Roles: []string{auth.RoleAdmin},
		Caps:  auth.CapIncidentRead,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "logexpert",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	for c, want := range map[auth.Capability]int{
		auth.CapIncidentRead:   http.StatusOK,
		auth.CapIncidentCreate: http.StatusForbidden,
	} {
		chain := middleware.RequireAuth(tokens)(middleware.RequirePermission(c)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
		))
		req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+raw)
		w := httptest.NewRecorder()
		chain.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, c.String())
	}
}
