package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-cache-sync/internal/readmodel"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlAPNSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	KeyID        string `yaml:"key_id"`
	TeamID       string `yaml:"team_id"`
	BundleID     string `yaml:"bundle_id"`
	P8KeyContent string `yaml:"p8_key"`
}

type YamlCacheTTLs struct {
	Profiles       time.Duration `yaml:"profiles"`
	Listings       time.Duration `yaml:"listings"`
	Showcases      time.Duration `yaml:"showcases"`
	Availabilities time.Duration `yaml:"availabilities"`
	Reviews        time.Duration `yaml:"reviews"`
	Wallet         time.Duration `yaml:"wallet"`
	Payments       time.Duration `yaml:"payments"`
}

// YamlConfig mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string          `yaml:"project_id"`
	ListenAddr             string          `yaml:"listen_addr"`
	TopicID                string          `yaml:"topic_id"`
	SubscriptionID         string          `yaml:"subscription_id"`
	SubscriptionDLQTopicID string          `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int             `yaml:"num_pipeline_workers"`
	RefreshTimeout         time.Duration   `yaml:"refresh_timeout"`
	RegistryCacheTTL       time.Duration   `yaml:"registry_cache_ttl"`
	CacheTTLs              YamlCacheTTLs   `yaml:"cache_ttls"`
	CorsConfig             YamlCorsConfig  `yaml:"cors"`
	RedisConfig            YamlRedisConfig `yaml:"redis"`
	VapidConfig            YamlVapidConfig `yaml:"vapid"`
	APNSConfig             YamlAPNSConfig  `yaml:"apns"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:              baseCfg.ProjectID,
		ListenAddr:             baseCfg.ListenAddr,
		TopicID:                baseCfg.TopicID,
		SubscriptionID:         baseCfg.SubscriptionID,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
		RefreshTimeout:         baseCfg.RefreshTimeout,
		RegistryCacheTTL:       baseCfg.RegistryCacheTTL,
		CacheTTLs: readmodel.TTLConfig{
			Profiles:       baseCfg.CacheTTLs.Profiles,
			Listings:       baseCfg.CacheTTLs.Listings,
			Showcases:      baseCfg.CacheTTLs.Showcases,
			Availabilities: baseCfg.CacheTTLs.Availabilities,
			Reviews:        baseCfg.CacheTTLs.Reviews,
			Wallet:         baseCfg.CacheTTLs.Wallet,
			Payments:       baseCfg.CacheTTLs.Payments,
		},
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		APNS: APNSConfig{
			Enabled:      baseCfg.APNSConfig.Enabled,
			KeyID:        baseCfg.APNSConfig.KeyID,
			TeamID:       baseCfg.APNSConfig.TeamID,
			BundleID:     baseCfg.APNSConfig.BundleID,
			P8KeyContent: baseCfg.APNSConfig.P8KeyContent,
		},
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
	)

	return cfg, nil
}
