package api

import (
	"context"
	"encoding/json"
	"net/http"

	"log/slog"

	"github.com/tinywideclouds/go-cache-sync/internal/readmodel"
	"github.com/tinywideclouds/go-cache-sync/internal/token"
	"github.com/tinywideclouds/go-cache-sync/pkg/registry"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

type SyncAPI struct {
	Manager *token.Manager
	Caches  *readmodel.Container
	Devices registry.Store
	Logger  *slog.Logger
}

func NewSyncAPI(manager *token.Manager, caches *readmodel.Container, devices registry.Store, logger *slog.Logger) *SyncAPI {
	return &SyncAPI{
		Manager: manager,
		Caches:  caches,
		Devices: devices,
		Logger:  logger,
	}
}

// --- Session lifecycle ---

// Login binds the device token to the authenticated user.
func (api *SyncAPI) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid user handle")
		return
	}

	api.Manager.OnUserAvailable(ctx, userURN)
	w.WriteHeader(http.StatusNoContent)
}

// Logout clears the session binding and flushes every read-model cache.
// The device token itself survives for the next login.
func (api *SyncAPI) Logout(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserHandleFromContext(r.Context()); !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	api.Manager.OnUserCleared()
	api.Caches.EvictAll()
	w.WriteHeader(http.StatusNoContent)
}

// --- Token lifecycle ---

type EnsureTokenResponse struct {
	Token string `json:"token"`
}

// EnsureToken returns the channel token, minting one if needed. An
// empty token means the plane is running without push.
func (api *SyncAPI) EnsureToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := middleware.GetUserHandleFromContext(ctx); !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	force := r.URL.Query().Get("force") == "true"
	tok, err := api.Manager.EnsureToken(ctx, force)
	if err != nil {
		api.Logger.Error("failed to ensure token", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "token storage failed")
		return
	}

	writeJSON(w, http.StatusOK, EnsureTokenResponse{Token: tok})
}

// bundleInvalidator is the optional cache-eviction surface of a
// registry decorator. Opt-out knows the user, so it can drop the
// cached bundle instead of waiting out the TTL.
type bundleInvalidator interface {
	InvalidateUser(ctx context.Context, user urn.URN) error
}

// OptOut detaches the device token everywhere. Local state always
// clears, even when the server-side detach fails.
func (api *SyncAPI) OptOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := api.Manager.Unregister(ctx); err != nil {
		api.Logger.Warn("server-side token detach failed", "err", err)
	}

	// Evict the cached device bundle so the next fan-out sees the
	// detach immediately.
	if inv, ok := api.Devices.(bundleInvalidator); ok {
		if userURN, err := urn.Parse(userID); err == nil {
			if err := inv.InvalidateUser(ctx, userURN); err != nil {
				api.Logger.Warn("failed to invalidate device bundle cache", "err", err)
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Device registry doors ---

type RegisterDeviceRequest struct {
	Platform string `json:"platform"`
	Token    string `json:"token"`
}

func (api *SyncAPI) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid user handle")
		return
	}

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	platform := registry.Platform(req.Platform)
	switch platform {
	case registry.PlatformFCM, registry.PlatformAPNS:
	default:
		response.WriteJSONError(w, http.StatusBadRequest, "unknown platform")
		return
	}

	if err := api.Devices.RegisterDevice(ctx, userURN, platform, req.Token); err != nil {
		api.Logger.Error("failed to register device", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (api *SyncAPI) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := middleware.GetUserHandleFromContext(ctx); !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := api.Devices.UnregisterDevice(ctx, req.Token); err != nil {
		// Log but don't fail hard; idempotency is preferred for unregister
		api.Logger.Warn("failed to unregister device", "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (api *SyncAPI) RegisterWeb(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid user handle")
		return
	}

	var sub notification.WebPushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		api.Logger.Error("RegisterWeb: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid subscription json")
		return
	}

	if sub.Endpoint == "" || len(sub.Keys.P256dh) == 0 || len(sub.Keys.Auth) == 0 {
		api.Logger.Warn("RegisterWeb: Validation failed", "reason", "missing fields")
		response.WriteJSONError(w, http.StatusBadRequest, "incomplete subscription object")
		return
	}

	if err := api.Devices.RegisterWebSubscription(ctx, userURN, sub); err != nil {
		api.Logger.Error("failed to register web subscription", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type UnregisterWebRequest struct {
	Endpoint string `json:"endpoint"`
}

func (api *SyncAPI) UnregisterWeb(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := middleware.GetUserHandleFromContext(ctx); !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UnregisterWebRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Endpoint == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing endpoint")
		return
	}

	if err := api.Devices.UnregisterWebSubscription(ctx, req.Endpoint); err != nil {
		api.Logger.Warn("failed to unregister web subscription", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to unregister web")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Read-model inspection ---

// ReadModel serves the current cached value for one domain, fetching on
// a miss. The force query param bypasses freshness.
func (api *SyncAPI) ReadModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	pro := r.URL.Query().Get("pro")
	if pro == "" {
		pro = userID
	}
	proURN, err := urn.Parse(pro)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid pro urn")
		return
	}
	force := r.URL.Query().Get("force") == "true"

	var payload any
	switch domain := r.PathValue("domain"); domain {
	case "profile":
		payload, err = api.Caches.Profile(ctx, proURN, force)
	case "listings":
		payload, err = api.Caches.ProListings(ctx, proURN, force)
	case "showcases":
		payload, err = api.Caches.ProShowcases(ctx, proURN, force)
	case "availabilities":
		payload, err = api.Caches.ProAvailabilities(ctx, proURN, force)
	case "reviews":
		payload, err = api.Caches.ProReviews(ctx, proURN, force)
	case "wallet":
		payload, err = api.Caches.ProWallet(ctx, proURN, force)
	case "payments":
		orderID := r.URL.Query().Get("order")
		if orderID == "" {
			response.WriteJSONError(w, http.StatusBadRequest, "missing order")
			return
		}
		payload, err = api.Caches.OrderPaymentState(ctx, orderID, force)
	default:
		response.WriteJSONError(w, http.StatusNotFound, "unknown domain")
		return
	}

	if err != nil {
		api.Logger.Error("read model fetch failed", "err", err)
		response.WriteJSONError(w, http.StatusBadGateway, "upstream fetch failed")
		return
	}

	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
