package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "OVERMARK"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "overmark.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 30
	defaultRedisAddr     = "127.0.0.1:6379"
	defaultRawBucket     = "user-files"
	defaultDerivedBucket = "processed-files"
	defaultMaxUpload     = 100 << 20 // 100 MiB
	defaultFreeQuota     = 3
	defaultExportScale   = 2.0
	defaultJPEGQuality   = 95
	defaultCanonicalW    = 1920
	defaultCanonicalH    = 1080
	defaultVideoPreset   = "medium"
	defaultVideoCRF      = 23
	defaultFFmpegPath    = "ffmpeg"
	defaultFFprobePath   = "ffprobe"
	defaultPremiumPrice  = 999 // cents
	defaultCurrency      = "usd"
	defaultWorkerCount   = 1
)

// AppConfig captures runtime configuration shared by the API server and the
// export worker.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	AuthSigningKey   string
	TokenTTL         time.Duration
	ProviderJWKSURL  string
	ProviderClientID string
	ProviderIssuers  []string

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageUseSSL    bool
	StorageRegion    string
	RawBucket        string
	DerivedBucket    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MaxUploadBytes int64
	FreeQuota      int

	ExportScale       float64
	ExportJPEGQuality int
	CanonicalWidth    int
	CanonicalHeight   int
	VideoPreset       string
	VideoCRF          int
	VideoFontFile     string
	FFmpegPath        string
	FFprobePath       string

	PaymentsSecretKey string
	PremiumPriceCents int64
	PaymentsCurrency  string

	TwilioAccountSID string
	TwilioAuthToken  string
	WhatsAppFrom     string

	WorkerConcurrency int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("provider.issuers", []string{})

	configViper.SetDefault("storage.endpoint", "127.0.0.1:9000")
	configViper.SetDefault("storage.use_ssl", false)
	configViper.SetDefault("storage.region", "us-east-1")
	configViper.SetDefault("storage.raw_bucket", defaultRawBucket)
	configViper.SetDefault("storage.derived_bucket", defaultDerivedBucket)

	configViper.SetDefault("redis.addr", defaultRedisAddr)
	configViper.SetDefault("redis.db", 0)

	configViper.SetDefault("upload.max_bytes", defaultMaxUpload)
	configViper.SetDefault("export.free_quota", defaultFreeQuota)
	configViper.SetDefault("export.scale", defaultExportScale)
	configViper.SetDefault("export.jpeg_quality", defaultJPEGQuality)
	configViper.SetDefault("export.video.canonical_width", defaultCanonicalW)
	configViper.SetDefault("export.video.canonical_height", defaultCanonicalH)
	configViper.SetDefault("export.video.preset", defaultVideoPreset)
	configViper.SetDefault("export.video.crf", defaultVideoCRF)
	configViper.SetDefault("export.video.font_file", "")
	configViper.SetDefault("engine.ffmpeg_path", defaultFFmpegPath)
	configViper.SetDefault("engine.ffprobe_path", defaultFFprobePath)

	configViper.SetDefault("payments.premium_price_cents", defaultPremiumPrice)
	configViper.SetDefault("payments.currency", defaultCurrency)

	configViper.SetDefault("worker.concurrency", defaultWorkerCount)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		AuthSigningKey:   configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		ProviderJWKSURL:  configViper.GetString("provider.jwks_url"),
		ProviderClientID: configViper.GetString("provider.client_id"),
		ProviderIssuers:  configViper.GetStringSlice("provider.issuers"),

		StorageEndpoint:  configViper.GetString("storage.endpoint"),
		StorageAccessKey: configViper.GetString("storage.access_key"),
		StorageSecretKey: configViper.GetString("storage.secret_key"),
		StorageUseSSL:    configViper.GetBool("storage.use_ssl"),
		StorageRegion:    configViper.GetString("storage.region"),
		RawBucket:        configViper.GetString("storage.raw_bucket"),
		DerivedBucket:    configViper.GetString("storage.derived_bucket"),

		RedisAddr:     configViper.GetString("redis.addr"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),

		MaxUploadBytes: configViper.GetInt64("upload.max_bytes"),
		FreeQuota:      configViper.GetInt("export.free_quota"),

		ExportScale:       configViper.GetFloat64("export.scale"),
		ExportJPEGQuality: configViper.GetInt("export.jpeg_quality"),
		CanonicalWidth:    configViper.GetInt("export.video.canonical_width"),
		CanonicalHeight:   configViper.GetInt("export.video.canonical_height"),
		VideoPreset:       configViper.GetString("export.video.preset"),
		VideoCRF:          configViper.GetInt("export.video.crf"),
		VideoFontFile:     configViper.GetString("export.video.font_file"),
		FFmpegPath:        configViper.GetString("engine.ffmpeg_path"),
		FFprobePath:       configViper.GetString("engine.ffprobe_path"),

		PaymentsSecretKey: configViper.GetString("payments.secret_key"),
		PremiumPriceCents: configViper.GetInt64("payments.premium_price_cents"),
		PaymentsCurrency:  configViper.GetString("payments.currency"),

		TwilioAccountSID: configViper.GetString("notify.twilio_account_sid"),
		TwilioAuthToken:  configViper.GetString("notify.twilio_auth_token"),
		WhatsAppFrom:     configViper.GetString("notify.whatsapp_from"),

		WorkerConcurrency: configViper.GetInt("worker.concurrency"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	if c.FreeQuota < 0 {
		return fmt.Errorf("export.free_quota must not be negative")
	}
	if c.ExportScale <= 0 {
		return fmt.Errorf("export.scale must be positive")
	}
	if c.CanonicalWidth <= 0 || c.CanonicalHeight <= 0 {
		return fmt.Errorf("export.video canonical frame size must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	return nil
}
