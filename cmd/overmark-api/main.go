package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/overmarklabs/overmark/internal/annotations"
	"github.com/overmarklabs/overmark/internal/auth"
	"github.com/overmarklabs/overmark/internal/config"
	"github.com/overmarklabs/overmark/internal/database"
	"github.com/overmarklabs/overmark/internal/export"
	"github.com/overmarklabs/overmark/internal/files"
	"github.com/overmarklabs/overmark/internal/logging"
	"github.com/overmarklabs/overmark/internal/notify"
	"github.com/overmarklabs/overmark/internal/payments"
	"github.com/overmarklabs/overmark/internal/queue"
	"github.com/overmarklabs/overmark/internal/server"
	"github.com/overmarklabs/overmark/internal/storage"
	"github.com/overmarklabs/overmark/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "overmark-api",
		Short: "Overmark annotation backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("provider-client-id", defaults.GetString("provider.client_id"), "Identity provider OAuth client ID")
	cmd.PersistentFlags().String("provider-jwks-url", defaults.GetString("provider.jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address for the export queue")
	cmd.PersistentFlags().String("storage-endpoint", defaults.GetString("storage.endpoint"), "Object storage endpoint")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "provider.client_id", "provider-client-id")
	bindFlag(cmd, "provider.jwks_url", "provider-jwks-url")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "storage.endpoint", "storage-endpoint")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// exportQueue adapts the asynq client to the router's enqueue dependency.
type exportQueue struct {
	client *asynq.Client
}

func (q *exportQueue) Enqueue(ctx context.Context, taskType string, payload queue.ExportPayload) error {
	return queue.EnqueueExport(ctx, q.client, taskType, payload)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger("overmark-api", appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := storage.NewClient(storage.ClientConfig{
		Endpoint:      appConfig.StorageEndpoint,
		AccessKey:     appConfig.StorageAccessKey,
		SecretKey:     appConfig.StorageSecretKey,
		UseSSL:        appConfig.StorageUseSSL,
		Region:        appConfig.StorageRegion,
		RawBucket:     appConfig.RawBucket,
		DerivedBucket: appConfig.DerivedBucket,
	})
	if err != nil {
		return err
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        "overmark-auth",
		Audience:      "overmark-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewProviderVerifier(auth.ProviderVerifierConfig{
		Audience:       appConfig.ProviderClientID,
		JWKSURL:        appConfig.ProviderJWKSURL,
		AllowedIssuers: appConfig.ProviderIssuers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	fileService, err := files.NewService(files.ServiceConfig{
		Database:       db,
		Store:          store,
		IDProvider:     annotations.NewUUIDProvider(),
		Clock:          time.Now,
		MaxUploadBytes: appConfig.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	accountService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: annotations.NewUUIDProvider(),
		Clock:      time.Now,
		FreeQuota:  appConfig.FreeQuota,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var sender notify.Sender
	if appConfig.TwilioAccountSID != "" && appConfig.TwilioAuthToken != "" {
		sender = notify.NewTwilioSender(appConfig.TwilioAccountSID, appConfig.TwilioAuthToken, appConfig.WhatsAppFrom)
	}
	notifyService, err := notify.NewService(notify.ServiceConfig{
		Database:   db,
		Sender:     sender,
		IDProvider: annotations.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	paymentService, err := payments.NewService(payments.ServiceConfig{
		Database:   db,
		Client:     payments.NewStripeClient(appConfig.PaymentsSecretKey),
		Accounts:   accountService,
		IDProvider: annotations.NewUUIDProvider(),
		Clock:      time.Now,
		PriceCents: appConfig.PremiumPriceCents,
		Currency:   appConfig.PaymentsCurrency,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	previews, err := export.NewDocumentPipeline(export.DocumentPipelineConfig{
		Rasterizer:  export.FitzRasterizer{},
		Scale:       appConfig.ExportScale,
		JPEGQuality: appConfig.ExportJPEGQuality,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     appConfig.RedisAddr,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	defer queueClient.Close() //nolint:errcheck

	progress := export.NewProgressDispatcher()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		TokenManager:   tokenManager,
		FileService:    fileService,
		Accounts:       accountService,
		Payments:       paymentService,
		Notifications:  notifyService,
		Downloader:     store,
		Signer:         store,
		Previews:       previews,
		Exports:        &exportQueue{client: queueClient},
		Progress:       progress,
		AnnotationIDs:  annotations.NewUUIDProvider(),
		MaxUploadBytes: appConfig.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Worker processes publish export progress over Redis; the relay
	// feeds it into the dispatcher backing the event streams.
	progressClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddr,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	defer progressClient.Close() //nolint:errcheck
	relay := queue.NewProgressRelay(progressClient, progress, logger)
	go relay.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
