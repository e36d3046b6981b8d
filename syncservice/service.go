package syncservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-cache-sync/internal/api"
	"github.com/tinywideclouds/go-cache-sync/internal/pipeline"
	"github.com/tinywideclouds/go-cache-sync/internal/readmodel"
	"github.com/tinywideclouds/go-cache-sync/internal/token"
	"github.com/tinywideclouds/go-cache-sync/pkg/present"
	"github.com/tinywideclouds/go-cache-sync/pkg/registry"
	"github.com/tinywideclouds/go-cache-sync/syncservice/config"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// Sinks groups the per-platform presentation relays.
type Sinks struct {
	FCM  present.Sink
	APNS present.Sink
	Web  present.WebSink
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.Envelope]
	logger          *slog.Logger
}

// New assembles the service: the push-driven pipeline that keeps the
// read-model caches in sync, and the HTTP surface for session, token
// and registry management.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	caches *readmodel.Container,
	devices registry.Store,
	sinks Sinks,
	manager *token.Manager,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Dispatcher
	dispatcher := pipeline.NewDispatcher(
		caches,
		devices,
		sinks.FCM,
		sinks.APNS,
		sinks.Web,
		cfg.RefreshTimeout,
		logger,
	)

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.SyncEnvelopeTransformer,
		dispatcher.Processor(),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API
	syncAPI := api.NewSyncAPI(manager, caches, devices, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// 1. Session lifecycle
	handle("POST /api/v1/session/login", syncAPI.Login)
	handle("POST /api/v1/session/logout", syncAPI.Logout)

	// 2. Channel token lifecycle
	handle("POST /api/v1/token", syncAPI.EnsureToken)
	handle("POST /api/v1/token/optout", syncAPI.OptOut)

	// 3. Device registry doors
	handle("POST /api/v1/devices", syncAPI.RegisterDevice)
	handle("POST /api/v1/devices/unregister", syncAPI.UnregisterDevice)
	handle("POST /api/v1/devices/web", syncAPI.RegisterWeb)
	handle("POST /api/v1/devices/web/unregister", syncAPI.UnregisterWeb)

	// 4. Read-model inspection
	handle("GET /api/v1/readmodels/{domain}", syncAPI.ReadModel)

	// 5. Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 OK with CORS headers handled by middleware
	})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core sync pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Sync pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
