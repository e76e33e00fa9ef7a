package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/framepulse-ai/framepulse/internal/billing"
	"github.com/framepulse-ai/framepulse/internal/ledger"
	"github.com/framepulse-ai/framepulse/internal/referral"
	"github.com/framepulse-ai/framepulse/internal/store/gormstore"
	"github.com/framepulse-ai/framepulse/internal/video"
	"github.com/framepulse-ai/framepulse/internal/webapi"
)

const (
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookie       = "session-cookie"
	flagCronSecret          = "cron-secret"
	flagCallbackSecret      = "callback-secret"
	flagVendorBaseURL       = "vendor-base-url"
	flagVendorAPIKey        = "vendor-api-key"
	flagAssetDir            = "asset-dir"
	flagAllowedOrigins      = "allowed-origins"

	defaultDatabaseURL = "sqlite:///tmp/framepulse.db"
	defaultListenAddr  = ":8080"
	defaultAssetDir    = "/var/lib/framepulse/assets"
)

type runtimeConfig struct {
	DatabaseURL         string
	ListenAddr          string
	StripeWebhookSecret string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookie       string
	CronSecret          string
	CallbackSecret      string
	VendorBaseURL       string
	VendorAPIKey        string
	AssetDir            string
	AllowedOrigins      string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "framepulse: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "framepulse",
		Short:         "Billing and video generation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	cmd.Flags().String(flagSessionSigningKey, "", "HMAC key for session tokens")
	cmd.Flags().String(flagSessionIssuer, "", "Expected session token issuer")
	cmd.Flags().String(flagSessionCookie, "", "Session cookie name")
	cmd.Flags().String(flagCronSecret, "", "Shared secret for the reconcile endpoint")
	cmd.Flags().String(flagCallbackSecret, "", "Shared secret for vendor callbacks")
	cmd.Flags().String(flagVendorBaseURL, "", "Generation vendor API base URL")
	cmd.Flags().String(flagVendorAPIKey, "", "Generation vendor API key")
	cmd.Flags().String(flagAssetDir, defaultAssetDir, "Directory for durable video assets")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:         "DATABASE_URL",
		flagListenAddr:          "LISTEN_ADDR",
		flagStripeWebhookSecret: "STRIPE_WEBHOOK_SECRET",
		flagSessionSigningKey:   "SESSION_SIGNING_KEY",
		flagSessionIssuer:       "SESSION_ISSUER",
		flagSessionCookie:       "SESSION_COOKIE",
		flagCronSecret:          "CRON_SECRET",
		flagCallbackSecret:      "CALLBACK_SECRET",
		flagVendorBaseURL:       "VENDOR_BASE_URL",
		flagVendorAPIKey:        "VENDOR_API_KEY",
		flagAssetDir:            "ASSET_DIR",
		flagAllowedOrigins:      "ALLOWED_ORIGINS",
	}
	for flagName, envName := range bindings {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.StripeWebhookSecret = viper.GetString("stripe_webhook_secret")
	cfg.SessionSigningKey = viper.GetString("session_signing_key")
	cfg.SessionIssuer = viper.GetString("session_issuer")
	cfg.SessionCookie = viper.GetString("session_cookie")
	cfg.CronSecret = viper.GetString("cron_secret")
	cfg.CallbackSecret = viper.GetString("callback_secret")
	cfg.VendorBaseURL = viper.GetString("vendor_base_url")
	cfg.VendorAPIKey = viper.GetString("vendor_api_key")
	cfg.AssetDir = viper.GetString("asset_dir")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if cfg.VendorBaseURL == "" {
		return fmt.Errorf("vendor base url is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	ledgerService, err := ledger.NewService(store, clock, logger)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	referralService, err := referral.NewService(store, ledgerService, clock, logger)
	if err != nil {
		return fmt.Errorf("referral service init: %w", err)
	}
	dispatcher, err := billing.NewDispatcher(billing.DispatcherConfig{
		Store:         store,
		CreditLedger:  ledgerService,
		Referrals:     referralService,
		Catalog:       billing.DefaultCatalog(),
		WebhookSecret: cfg.StripeWebhookSecret,
		Now:           clock,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("billing dispatcher init: %w", err)
	}

	vendorClient := video.NewHTTPVendorClient(cfg.VendorBaseURL, cfg.VendorAPIKey, 30*time.Second)
	assetStore, err := video.NewFileAssetStore(cfg.AssetDir, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("asset store init: %w", err)
	}
	videoService, err := video.NewService(store, ledgerService, vendorClient, assetStore, video.DefaultSweepConfig(), clock, logger)
	if err != nil {
		return fmt.Errorf("video service init: %w", err)
	}

	serverConfig := webapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    webapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
		CronSecret:        cfg.CronSecret,
		CallbackSecret:    cfg.CallbackSecret,
	}
	server, err := webapi.NewServer(serverConfig, dispatcher, ledgerService, videoService, logger)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	return server.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "framepulse.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
