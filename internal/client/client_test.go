package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/DukeRupert/storefront/internal/backend"
	"github.com/DukeRupert/storefront/internal/domain"
	"github.com/DukeRupert/storefront/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fake Backend
// =============================================================================

// fakeBackend answers the three auth endpoints and a small resource API that
// only accepts tokens in validTokens.
type fakeBackend struct {
	mu sync.Mutex

	validTokens   map[string]bool
	refreshStatus int
	refreshBody   map[string]string
	logoutStatus  int

	authorizations []string
	bodies         []string
	refreshCalls   int
	logoutCalls    int
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case backend.LoginPath:
		var creds domain.Credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Secret != "correct" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, backend.LoginResponse{
			AccessToken:  "A1",
			RefreshToken: "R1",
			Email:        creds.Identifier,
			Type:         "admin",
		})
		return

	case backend.LogoutPath:
		f.logoutCalls++
		w.WriteHeader(f.logoutStatus)
		return

	case backend.RefreshPath:
		f.refreshCalls++
		writeJSON(w, f.refreshStatus, f.refreshBody)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.authorizations = append(f.authorizations, r.Header.Get("Authorization"))
	f.bodies = append(f.bodies, string(body))

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !f.validTokens[token] {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {
	case "/products":
		writeJSON(w, http.StatusOK, []map[string]string{{"sku": "TEE-1", "query": r.URL.RawQuery}})
	case "/cart":
		writeJSON(w, http.StatusCreated, map[string]string{"received": string(body)})
	case "/missing":
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no such thing"})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	backend *fakeBackend
	client  *Client
	store   session.Store
	expired int
}

func newTestEnv(t *testing.T, fake *fakeBackend) *testEnv {
	t.Helper()

	if fake.refreshStatus == 0 {
		fake.refreshStatus = http.StatusOK
	}
	if fake.logoutStatus == 0 {
		fake.logoutStatus = http.StatusNoContent
	}

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	authority, err := backend.New(backend.Config{BaseURL: srv.URL, HTTPClient: srv.Client()}, discardLogger())
	require.NoError(t, err)

	env := &testEnv{
		backend: fake,
		store:   session.NewScriptReadableStore(session.NewMemoryKV()),
	}

	env.client, err = New(Config{
		BaseURL:    authority.BaseURL(),
		HTTPClient: authority.HTTPClient(),
		Store:      env.store,
		OnSessionExpired: func(ctx context.Context) {
			env.expired++
		},
	}, authority, discardLogger())
	require.NoError(t, err)

	return env
}

func (e *testEnv) seed(t *testing.T, access, refresh string) {
	t.Helper()
	require.NoError(t, e.store.Set(context.Background(), domain.Session{AccessToken: access, RefreshToken: refresh}))
}

func (e *testEnv) stored(t *testing.T) *domain.Session {
	t.Helper()
	sess, err := e.store.Get(context.Background())
	require.NoError(t, err)
	return sess
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresBaseURLAndStore(t *testing.T) {
	_, err := New(Config{Store: session.NewScriptReadableStore(session.NewMemoryKV())}, nil, discardLogger())
	assert.Error(t, err)

	env := newTestEnv(t, &fakeBackend{})
	_, err = New(Config{BaseURL: env.client.baseURL}, nil, discardLogger())
	assert.Error(t, err)
}

// =============================================================================
// Login / Logout
// =============================================================================

func TestLogin_StoresSession(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})

	identity, err := env.client.Login(context.Background(), domain.Credentials{Identifier: "Shop@Example.com", Secret: "correct"})
	require.NoError(t, err)

	assert.Equal(t, "shop@example.com", identity.Email)
	assert.Equal(t, "admin", identity.Type)

	sess := env.stored(t)
	require.NotNil(t, sess)
	assert.Equal(t, "A1", sess.AccessToken)
	assert.Equal(t, "R1", sess.RefreshToken)
}

func TestLogin_RejectedLeavesStoreEmpty(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})

	_, err := env.client.Login(context.Background(), domain.Credentials{Identifier: "a@b.com", Secret: "wrong"})
	require.Error(t, err)

	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))
	assert.Nil(t, env.stored(t))
}

func TestLogout_NotifiesAndClears(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	env.seed(t, "A1", "R1")

	require.NoError(t, env.client.Logout(context.Background()))

	assert.Equal(t, 1, env.backend.logoutCalls)
	assert.Nil(t, env.stored(t))
}

func TestLogout_ClearsEvenWhenAuthorityFails(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{logoutStatus: http.StatusInternalServerError})
	env.seed(t, "A1", "R1")

	require.NoError(t, env.client.Logout(context.Background()))

	assert.Nil(t, env.stored(t))
}

func TestLogout_WithoutSessionSkipsAuthority(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})

	require.NoError(t, env.client.Logout(context.Background()))

	assert.Equal(t, 0, env.backend.logoutCalls)
}

// =============================================================================
// Do / GetJSON / SendJSON
// =============================================================================

func TestGetJSON_AttachesBearerAndQuery(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{validTokens: map[string]bool{"A1": true}})
	env.seed(t, "A1", "R1")

	var products []map[string]string
	require.NoError(t, env.client.GetJSON(context.Background(), "/products?page=2&sort=price", &products))

	require.Len(t, products, 1)
	assert.Equal(t, "TEE-1", products[0]["sku"])
	assert.Equal(t, "page=2&sort=price", products[0]["query"])
	assert.Equal(t, []string{"Bearer A1"}, env.backend.authorizations)
}

func TestDo_GetNeverSendsBody(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{validTokens: map[string]bool{"A1": true}})
	env.seed(t, "A1", "R1")

	resp, err := env.client.Do(context.Background(), http.MethodGet, "/anything", []byte(`{"x":1}`), "application/json")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{""}, env.backend.bodies)
}

func TestSendJSON_RefreshesOnceAndReplaysBody(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{
		validTokens: map[string]bool{"A2": true},
		refreshBody: map[string]string{"accessToken": "A2"},
	})
	env.seed(t, "A1", "R1")

	var out map[string]string
	err := env.client.SendJSON(context.Background(), http.MethodPost, "/cart", map[string]string{"sku": "TEE-1"}, &out)
	require.NoError(t, err)

	assert.Equal(t, `{"sku":"TEE-1"}`, out["received"])
	assert.Equal(t, 1, env.backend.refreshCalls)
	assert.Equal(t, []string{"Bearer A1", "Bearer A2"}, env.backend.authorizations)
	assert.Equal(t, env.backend.bodies[0], env.backend.bodies[1])

	sess := env.stored(t)
	require.NotNil(t, sess)
	assert.Equal(t, "A2", sess.AccessToken)
	assert.Equal(t, "R1", sess.RefreshToken, "refresh credential is retained when not rotated")
	assert.Equal(t, 0, env.expired)
}

func TestDo_RefreshRejectedIsTerminal(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{refreshStatus: http.StatusUnauthorized})
	env.seed(t, "A1", "R1")

	for i := 0; i < 3; i++ {
		err := env.client.GetJSON(context.Background(), "/products", nil)
		require.Error(t, err)
		assert.True(t, domain.IsSessionExpired(err))
	}

	// The first call negotiates and clears; later calls have no refresh
	// credential and fail without negotiating.
	assert.Equal(t, 1, env.backend.refreshCalls)
	assert.Nil(t, env.stored(t))
	assert.Equal(t, 3, env.expired)
}

func TestDo_SecondUnauthorizedIsTerminal(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{
		validTokens: map[string]bool{},
		refreshBody: map[string]string{"accessToken": "A2", "refreshToken": "R2"},
	})
	env.seed(t, "A1", "R1")

	err := env.client.GetJSON(context.Background(), "/products", nil)
	require.Error(t, err)

	assert.True(t, domain.IsSessionExpired(err))
	assert.Equal(t, 1, env.backend.refreshCalls)
	assert.Len(t, env.backend.authorizations, 2)
	assert.Nil(t, env.stored(t))
	assert.Equal(t, 1, env.expired)
}

func TestDo_RefreshUnavailableKeepsSession(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{refreshStatus: http.StatusBadGateway})
	env.seed(t, "A1", "R1")

	err := env.client.GetJSON(context.Background(), "/products", nil)
	require.Error(t, err)

	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
	sess := env.stored(t)
	require.NotNil(t, sess)
	assert.Equal(t, "R1", sess.RefreshToken)
	assert.Equal(t, 0, env.expired)
}

func TestGetJSON_MapsStatusToError(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{validTokens: map[string]bool{"A1": true}})
	env.seed(t, "A1", "R1")

	err := env.client.GetJSON(context.Background(), "/missing", nil)
	require.Error(t, err)

	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	require.NotNil(t, errors.Unwrap(err))
	assert.Contains(t, errors.Unwrap(err).Error(), "no such thing")
}

func TestDo_RejectsAbsolutePath(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})

	_, err := env.client.Do(context.Background(), http.MethodGet, "https://evil.example/steal", nil, "")
	require.Error(t, err)

	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestDo_UnreachableBackend(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	env.seed(t, "A1", "R1")

	// Point the client at a closed server.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := *env.client.baseURL
	deadURL.Host = strings.TrimPrefix(dead.URL, "http://")
	dead.Close()
	env.client.baseURL = &deadURL

	_, err := env.client.Do(context.Background(), http.MethodGet, "/products", nil, "")
	require.Error(t, err)

	var domainErr *domain.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, domain.EUNAVAILABLE, domainErr.Code)
	assert.NotNil(t, env.stored(t))
}

func TestClient_FileBackedStore(t *testing.T) {
	fake := &fakeBackend{validTokens: map[string]bool{"A1": true}}
	env := newTestEnv(t, fake)

	path := filepath.Join(t.TempDir(), "session.json")
	env.client.store = session.NewScriptReadableStore(session.NewFileKV(path))

	_, err := env.client.Login(context.Background(), domain.Credentials{Identifier: "a@b.com", Secret: "correct"})
	require.NoError(t, err)

	// A second interceptor sharing the file sees the session.
	other := session.NewScriptReadableStore(session.NewFileKV(path))
	sess, err := other.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "A1", sess.AccessToken)
}
