package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-cache-sync/internal/platform/apns"
	"github.com/tinywideclouds/go-cache-sync/internal/platform/fcm"
	"github.com/tinywideclouds/go-cache-sync/internal/platform/web"

	"github.com/tinywideclouds/go-cache-sync/internal/readmodel"
	"github.com/tinywideclouds/go-cache-sync/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-cache-sync/internal/storage/firestore"
	"github.com/tinywideclouds/go-cache-sync/internal/token"
	"github.com/tinywideclouds/go-cache-sync/internal/transport"
	"github.com/tinywideclouds/go-cache-sync/pkg/present"
	"github.com/tinywideclouds/go-cache-sync/pkg/registry"

	"github.com/tinywideclouds/go-cache-sync/syncservice"
	"github.com/tinywideclouds/go-cache-sync/syncservice/config"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-cache-sync")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	// --- Device Registry (Decorated) ---
	var devices registry.Store = fsStore.NewStore(fsClient)
	logger.Info("Device registry initialized", "type", "firestore")

	var localState token.LocalStore
	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		devices = cache.NewCachedRegistry(devices, redisClient, cfg.RegistryCacheTTL)
		localState = cache.NewLocalState(redisClient)
		logger.Info("Device registry upgraded", "type", "redis_cached_firestore")
	} else {
		logger.Warn("Redis disabled; channel token state will not survive restarts.")
		localState = token.NewMemoryStore()
	}

	// --- Read Models ---
	resourceURL := os.Getenv("RESOURCE_SERVICE_URL")
	if resourceURL == "" {
		resourceURL = "http://localhost:8081/api/v1"
	}
	resources := readmodel.NewHTTPResourceClient(resourceURL, &http.Client{Timeout: 10 * time.Second})
	caches := readmodel.NewContainer(resources, cfg.CacheTTLs)

	// --- Channel Token Manager ---
	source := transport.NewChannelSource(os.Getenv("PUSH_PERMISSION") != "denied", logger)
	manager := token.NewManager(source, localState, &storeRegistrar{devices: devices}, logger)

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, _ := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	authMiddleware, _ := middleware.NewJWKSAuthMiddleware(jwksURL, logger)

	// --- Presentation Sinks ---

	// A. Mobile (FCM)
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
	if err != nil {
		logger.Error("Failed to initialize Firebase App", "err", err)
		os.Exit(1)
	}
	fcmMessaging, err := fbApp.Messaging(ctx)
	if err != nil {
		logger.Error("Failed to create FCM messaging client", "err", err)
		os.Exit(1)
	}
	fcmSink := fcm.NewSink(fcmMessaging, logger)

	// B. iOS (APNs)
	var apnsSink present.Sink
	if cfg.APNS.Enabled {
		apnsSink, err = apns.NewSink(cfg.APNS, logger)
		if err != nil {
			logger.Error("Failed to create APNs sink", "err", err)
			os.Exit(1)
		}
		logger.Info("APNs sink enabled", "bundle_id", cfg.APNS.BundleID)
	} else {
		apnsSink = noopSink{}
		logger.Warn("APNs disabled; iOS devices will not receive presentations.")
	}

	// C. Web (VAPID)
	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Web Push will fail.")
	} else {
		logger.Info("Web sink enabled", "public_key", cfg.Vapid.PublicKey)
	}
	webSink := web.NewSink(cfg.Vapid, logger)

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer creation failed", "err", err)
		os.Exit(1)
	}

	service, err := syncservice.New(
		cfg,
		consumer,
		caches,
		devices,
		syncservice.Sinks{FCM: fcmSink, APNS: apnsSink, Web: webSink},
		manager,
		authMiddleware,
		logger,
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

// storeRegistrar binds the channel token into the device registry so
// the dispatcher's fan-out sees this device like any other.
type storeRegistrar struct {
	devices registry.Store
}

func (r *storeRegistrar) RegisterToken(ctx context.Context, user urn.URN, tok string) error {
	return r.devices.RegisterDevice(ctx, user, registry.PlatformFCM, tok)
}

func (r *storeRegistrar) UnregisterToken(ctx context.Context, tok string) error {
	return r.devices.UnregisterDevice(ctx, tok)
}

// noopSink stands in for a disabled platform.
type noopSink struct{}

func (noopSink) Deliver(_ context.Context, tokens []string, _ present.Command) (string, []string, error) {
	return fmt.Sprintf("skipped: platform disabled (%d tokens)", len(tokens)), nil, nil
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")
	dlt := convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: 5,
		},
		EnableMessageOrdering: false,
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
