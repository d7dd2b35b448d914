package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(secret []byte) *chi.Mux {
	r := chi.NewRouter()
	r.With(Middleware(secret)).Get("/api/{workspace}/{key}", func(w http.ResponseWriter, r *http.Request) {
		claims, ok := FromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Account", claims.Account.String())
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func TestMiddleware_MissingTokenIs401(t *testing.T) {
	r := newRouter([]byte("secret"))
	req := httptest.NewRequest(http.MethodGet, "/api/ws1/k", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_ValidTokenNoWorkspaceClaimPasses(t *testing.T) {
	secret := []byte("secret")
	r := newRouter(secret)
	account := uuid.New()
	token := signToken(t, Claims{Account: account}, secret)

	req := httptest.NewRequest(http.MethodGet, "/api/ws1/k", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, account.String(), rec.Header().Get("X-Account"))
}

func TestMiddleware_MismatchedWorkspaceIs401(t *testing.T) {
	secret := []byte("secret")
	r := newRouter(secret)
	claimWS := uuid.New()
	token := signToken(t, Claims{Account: uuid.New(), Workspace: &claimWS}, secret)

	req := httptest.NewRequest(http.MethodGet, "/api/"+uuid.New().String()+"/k", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_SystemAccountBypassesWorkspaceCheck(t *testing.T) {
	secret := []byte("secret")
	r := newRouter(secret)
	claimWS := uuid.New()
	token := signToken(t, Claims{Account: SystemAccount, Workspace: &claimWS}, secret)

	req := httptest.NewRequest(http.MethodGet, "/api/"+uuid.New().String()+"/k", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
