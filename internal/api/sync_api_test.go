package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-cache-sync/internal/api"
	"github.com/tinywideclouds/go-cache-sync/internal/readmodel"
	"github.com/tinywideclouds/go-cache-sync/internal/token"
	"github.com/tinywideclouds/go-cache-sync/pkg/registry"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// --- Mocks ---

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) RegisterDevice(ctx context.Context, u urn.URN, p registry.Platform, tok string) error {
	return m.Called(ctx, u, p, tok).Error(0)
}
func (m *MockRegistry) UnregisterDevice(ctx context.Context, tok string) error {
	return m.Called(ctx, tok).Error(0)
}
func (m *MockRegistry) RegisterWebSubscription(ctx context.Context, u urn.URN, sub notification.WebPushSubscription) error {
	return m.Called(ctx, u, sub).Error(0)
}
func (m *MockRegistry) UnregisterWebSubscription(ctx context.Context, endpoint string) error {
	return m.Called(ctx, endpoint).Error(0)
}
func (m *MockRegistry) Fetch(ctx context.Context, u urn.URN) (*registry.Bundle, error) {
	args := m.Called(ctx, u)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*registry.Bundle), args.Error(1)
}

// CachingMockRegistry adds the eviction surface a cache-decorated
// registry exposes.
type CachingMockRegistry struct {
	MockRegistry
}

func (m *CachingMockRegistry) InvalidateUser(ctx context.Context, u urn.URN) error {
	return m.Called(ctx, u).Error(0)
}

// Token manager collaborators, hand-rolled for lifecycle tests.

type fakeSource struct{ granted bool }

func (s *fakeSource) RequestPermission(_ context.Context) (bool, error) { return s.granted, nil }
func (s *fakeSource) ObtainToken(_ context.Context) (string, error)    { return "chan-token-1", nil }

type fakeRegistrar struct {
	registered map[string]string // token -> user
}

func (r *fakeRegistrar) RegisterToken(_ context.Context, user urn.URN, tok string) error {
	if r.registered == nil {
		r.registered = map[string]string{}
	}
	r.registered[tok] = user.String()
	return nil
}
func (r *fakeRegistrar) UnregisterToken(_ context.Context, tok string) error {
	delete(r.registered, tok)
	return nil
}

type memStore struct {
	tok   token.DeviceToken
	saved bool
}

func (s *memStore) Load(_ context.Context) (token.DeviceToken, bool, error) {
	return s.tok, s.saved, nil
}
func (s *memStore) Save(_ context.Context, t token.DeviceToken) error {
	s.tok, s.saved = t, true
	return nil
}
func (s *memStore) Clear(_ context.Context) error {
	s.tok, s.saved = token.DeviceToken{}, false
	return nil
}

// countingResources counts upstream fetches so eviction is observable.
type countingResources struct {
	profileFetches int
}

func (c *countingResources) FetchProfile(_ context.Context, _ urn.URN) (readmodel.Profile, error) {
	c.profileFetches++
	return readmodel.Profile{ID: "alice", DisplayName: "Alice"}, nil
}
func (c *countingResources) FetchListings(_ context.Context, _ urn.URN) ([]readmodel.Listing, error) {
	return nil, nil
}
func (c *countingResources) FetchShowcases(_ context.Context, _ urn.URN) ([]readmodel.Showcase, error) {
	return nil, nil
}
func (c *countingResources) FetchAvailabilities(_ context.Context, _ urn.URN) ([]readmodel.Availability, error) {
	return nil, nil
}
func (c *countingResources) FetchReviews(_ context.Context, _ urn.URN) ([]readmodel.Review, error) {
	return nil, nil
}
func (c *countingResources) FetchWallet(_ context.Context, _ urn.URN) (readmodel.WalletSnapshot, error) {
	return readmodel.WalletSnapshot{}, nil
}
func (c *countingResources) FetchOrderPayments(_ context.Context, _ string) (readmodel.OrderPayments, error) {
	return readmodel.OrderPayments{}, errors.New("no such order")
}

// --- Setup ---

type apiFixture struct {
	api       *api.SyncAPI
	devices   *MockRegistry
	registrar *fakeRegistrar
	resources *countingResources
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &apiFixture{
		devices:   new(MockRegistry),
		registrar: &fakeRegistrar{},
		resources: &countingResources{},
	}
	manager := token.NewManager(&fakeSource{granted: true}, &memStore{}, f.registrar, logger)
	caches := readmodel.NewContainer(f.resources, readmodel.DefaultTTLs())
	f.api = api.NewSyncAPI(manager, caches, f.devices, logger)
	return f
}

func withUser(req *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUser(req.Context(), userID, userID, "")
	return req.WithContext(ctx)
}

// --- Tests ---

func TestLogin_BindsTokenToUser(t *testing.T) {
	f := setupAPI(t)

	req := withUser(httptest.NewRequest("POST", "/session/login", nil), "urn:sm:user:alice")
	w := httptest.NewRecorder()

	f.api.Login(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "urn:sm:user:alice", f.registrar.registered["chan-token-1"])
}

func TestLogin_Unauthorized(t *testing.T) {
	f := setupAPI(t)

	w := httptest.NewRecorder()
	f.api.Login(w, httptest.NewRequest("POST", "/session/login", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEnsureToken(t *testing.T) {
	f := setupAPI(t)

	req := withUser(httptest.NewRequest("POST", "/token", nil), "urn:sm:user:alice")
	w := httptest.NewRecorder()

	f.api.EnsureToken(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp api.EnsureTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chan-token-1", resp.Token)
}

func TestOptOut_EvictsCachedDeviceBundle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	devices := new(CachingMockRegistry)
	registrar := &fakeRegistrar{}
	manager := token.NewManager(&fakeSource{granted: true}, &memStore{}, registrar, logger)
	caches := readmodel.NewContainer(&countingResources{}, readmodel.DefaultTTLs())
	syncAPI := api.NewSyncAPI(manager, caches, devices, logger)

	userURN, err := urn.Parse("urn:sm:user:alice")
	require.NoError(t, err)

	// Bind a token first so opt-out has something to detach.
	loginW := httptest.NewRecorder()
	syncAPI.Login(loginW, withUser(httptest.NewRequest("POST", "/session/login", nil), userURN.String()))
	require.Equal(t, http.StatusNoContent, loginW.Code)
	require.Contains(t, registrar.registered, "chan-token-1")

	// Opt-out must drop the cached bundle too, so the next fan-out
	// stops immediately instead of riding out the cache TTL.
	devices.On("InvalidateUser", mock.Anything, userURN).Return(nil)

	w := httptest.NewRecorder()
	syncAPI.OptOut(w, withUser(httptest.NewRequest("POST", "/token/optout", nil), userURN.String()))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotContains(t, registrar.registered, "chan-token-1")
	devices.AssertExpectations(t)
}

func TestRegisterDevice(t *testing.T) {
	targetURN, _ := urn.Parse("urn:sm:user:bob")

	t.Run("Success", func(t *testing.T) {
		f := setupAPI(t)
		body, _ := json.Marshal(map[string]string{"platform": "fcm", "token": "fcm-abc"})
		req := withUser(httptest.NewRequest("POST", "/devices", bytes.NewReader(body)), targetURN.String())
		w := httptest.NewRecorder()

		f.devices.On("RegisterDevice", mock.Anything, targetURN, registry.PlatformFCM, "fcm-abc").Return(nil)

		f.api.RegisterDevice(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		f.devices.AssertExpectations(t)
	})

	t.Run("Rejects Unknown Platform", func(t *testing.T) {
		f := setupAPI(t)
		body, _ := json.Marshal(map[string]string{"platform": "telegraph", "token": "x"})
		req := withUser(httptest.NewRequest("POST", "/devices", bytes.NewReader(body)), targetURN.String())
		w := httptest.NewRecorder()

		f.api.RegisterDevice(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Rejects Empty Token", func(t *testing.T) {
		f := setupAPI(t)
		body, _ := json.Marshal(map[string]string{"platform": "fcm", "token": ""})
		req := withUser(httptest.NewRequest("POST", "/devices", bytes.NewReader(body)), targetURN.String())
		w := httptest.NewRecorder()

		f.api.RegisterDevice(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUnregisterDevice_IdempotentOnStoreError(t *testing.T) {
	f := setupAPI(t)
	body, _ := json.Marshal(map[string]string{"token": "gone-token"})
	req := withUser(httptest.NewRequest("DELETE", "/devices", bytes.NewReader(body)), "urn:sm:user:bob")
	w := httptest.NewRecorder()

	f.devices.On("UnregisterDevice", mock.Anything, "gone-token").Return(errors.New("not found"))

	f.api.UnregisterDevice(w, req)

	// Unregister is best-effort; the caller still gets success.
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRegisterWeb_RejectsIncompleteSubscription(t *testing.T) {
	f := setupAPI(t)
	body, _ := json.Marshal(map[string]any{"endpoint": "https://push/abc"})
	req := withUser(httptest.NewRequest("POST", "/devices/web", bytes.NewReader(body)), "urn:sm:user:bob")
	w := httptest.NewRecorder()

	f.api.RegisterWeb(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadModel(t *testing.T) {
	t.Run("Serves Cached Profile", func(t *testing.T) {
		f := setupAPI(t)
		req := withUser(httptest.NewRequest("GET", "/readmodels/profile", nil), "urn:sm:user:alice")
		req.SetPathValue("domain", "profile")
		w := httptest.NewRecorder()

		f.api.ReadModel(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var profile readmodel.Profile
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &profile))
		assert.Equal(t, "Alice", profile.DisplayName)
	})

	t.Run("Unknown Domain", func(t *testing.T) {
		f := setupAPI(t)
		req := withUser(httptest.NewRequest("GET", "/readmodels/horoscope", nil), "urn:sm:user:alice")
		req.SetPathValue("domain", "horoscope")
		w := httptest.NewRecorder()

		f.api.ReadModel(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Payments Requires Order", func(t *testing.T) {
		f := setupAPI(t)
		req := withUser(httptest.NewRequest("GET", "/readmodels/payments", nil), "urn:sm:user:alice")
		req.SetPathValue("domain", "payments")
		w := httptest.NewRecorder()

		f.api.ReadModel(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLogout_FlushesCaches(t *testing.T) {
	f := setupAPI(t)

	// Warm the profile cache.
	warm := withUser(httptest.NewRequest("GET", "/readmodels/profile", nil), "urn:sm:user:alice")
	warm.SetPathValue("domain", "profile")
	f.api.ReadModel(httptest.NewRecorder(), warm)
	require.Equal(t, 1, f.resources.profileFetches)

	// A second read is a cache hit.
	again := withUser(httptest.NewRequest("GET", "/readmodels/profile", nil), "urn:sm:user:alice")
	again.SetPathValue("domain", "profile")
	f.api.ReadModel(httptest.NewRecorder(), again)
	require.Equal(t, 1, f.resources.profileFetches)

	// Logout evicts everything; the next read refetches.
	w := httptest.NewRecorder()
	f.api.Logout(w, withUser(httptest.NewRequest("POST", "/session/logout", nil), "urn:sm:user:alice"))
	require.Equal(t, http.StatusNoContent, w.Code)

	after := withUser(httptest.NewRequest("GET", "/readmodels/profile", nil), "urn:sm:user:alice")
	after.SetPathValue("domain", "profile")
	f.api.ReadModel(httptest.NewRecorder(), after)
	assert.Equal(t, 2, f.resources.profileFetches)
}
