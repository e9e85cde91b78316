package main

import (
	"context"
	"errors"
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
	"github.com/overmarklabs/overmark/internal/config"
	"github.com/overmarklabs/overmark/internal/database"
	"github.com/overmarklabs/overmark/internal/export"
	"github.com/overmarklabs/overmark/internal/ffmpeg"
	"github.com/overmarklabs/overmark/internal/files"
	"github.com/overmarklabs/overmark/internal/logging"
	"github.com/overmarklabs/overmark/internal/notify"
	"github.com/overmarklabs/overmark/internal/queue"
	"github.com/overmarklabs/overmark/internal/storage"
	"github.com/overmarklabs/overmark/internal/users"
	"github.com/overmarklabs/overmark/internal/worker"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "overmark-worker",
		Short: "Overmark export worker",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address for the export queue")
	cmd.PersistentFlags().String("storage-endpoint", defaults.GetString("storage.endpoint"), "Object storage endpoint")
	cmd.PersistentFlags().Int("concurrency", defaults.GetInt("worker.concurrency"), "Number of concurrent export jobs")
	cmd.PersistentFlags().String("ffmpeg-path", defaults.GetString("engine.ffmpeg_path"), "Path to the ffmpeg binary")
	cmd.PersistentFlags().String("ffprobe-path", defaults.GetString("engine.ffprobe_path"), "Path to the ffprobe binary")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "storage.endpoint", "storage-endpoint")
	bindFlag(cmd, "worker.concurrency", "concurrency")
	bindFlag(cmd, "engine.ffmpeg_path", "ffmpeg-path")
	bindFlag(cmd, "engine.ffprobe_path", "ffprobe-path")
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

func runWorker(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger("overmark-worker", appConfig.LogLevel)
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

	documents, err := export.NewDocumentPipeline(export.DocumentPipelineConfig{
		Rasterizer:  export.FitzRasterizer{},
		Scale:       appConfig.ExportScale,
		JPEGQuality: appConfig.ExportJPEGQuality,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	engine := ffmpeg.NewEngine(ffmpeg.EngineConfig{
		FFmpegPath:  appConfig.FFmpegPath,
		FFprobePath: appConfig.FFprobePath,
		Preset:      appConfig.VideoPreset,
		CRF:         appConfig.VideoCRF,
		Logger:      logger,
	})
	videos, err := export.NewVideoPipeline(export.VideoPipelineConfig{
		Prober:          engine,
		Transcoder:      engine,
		CanonicalWidth:  appConfig.CanonicalWidth,
		CanonicalHeight: appConfig.CanonicalHeight,
		FontFile:        appConfig.VideoFontFile,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	// Progress events cross process boundaries over Redis; the API side
	// relays them to connected watchers.
	progressClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddr,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	defer progressClient.Close() //nolint:errcheck

	processor, err := worker.NewProcessor(worker.ProcessorConfig{
		Files:     fileService,
		Store:     store,
		Documents: documents,
		Videos:    videos,
		Accounts:  accountService,
		Notifier:  notifyService,
		Progress:  queue.NewProgressPublisher(progressClient, logger),
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	queueServer := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     appConfig.RedisAddr,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	}, asynq.Config{
		Concurrency: appConfig.WorkerConcurrency,
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-signalCtx.Done()
		queueServer.Shutdown()
	}()

	logger.Info("worker starting", zap.String("redis_address", appConfig.RedisAddr), zap.Int("concurrency", appConfig.WorkerConcurrency))
	return queueServer.Run(processor.Handler())
}
