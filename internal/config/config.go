// Package config loads and validates image scraper configuration via Viper.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	API       APIConfig       `mapstructure:"api"`
	Search    SearchConfig    `mapstructure:"search"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// APIConfig bounds what clients may ask for.
type APIConfig struct {
	DefaultMaxSave        int `mapstructure:"default_max_save"`
	MaxSaveLimit          int `mapstructure:"max_save_limit"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// SearchConfig configures the image search provider.
type SearchConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxResults     int    `mapstructure:"max_results"`
}

// ProcessorConfig configures download, conversion and hosting of images.
type ProcessorConfig struct {
	SaveDir                string  `mapstructure:"save_dir"`
	PublicURL              string  `mapstructure:"public_url"`
	WatermarkPath          string  `mapstructure:"watermark_path"`
	DownloadTimeoutSeconds int     `mapstructure:"download_timeout_seconds"`
	Quality                int     `mapstructure:"quality"`
	MaxBytes               int64   `mapstructure:"max_bytes"`
	MaxParallel            int     `mapstructure:"max_parallel"`
	RatePerHost            float64 `mapstructure:"rate_per_host"`
}

// StorageConfig selects where processed images are written.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	GCSPrefix    string `mapstructure:"gcs_prefix"`
	CacheControl string `mapstructure:"cache_control"`
}

// StoreConfig selects the keyword record backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to PostgreSQL. DSN wins over the discrete fields.
type DBConfig struct {
	DSN           string `mapstructure:"dsn"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	SSLMode       string `mapstructure:"sslmode"`
	Table         string `mapstructure:"table"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
	RunMigrations bool   `mapstructure:"run_migrations"`
}

// RedisConfig controls access to Redis.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	MaxRetries int    `mapstructure:"max_retries"`
	// LockExpirySeconds is the keyword lock TTL. It must outlast a search.
	LockExpirySeconds int `mapstructure:"lock_expiry_seconds"`
	// LockWaitSeconds caps how long a writer queues for a keyword; 0 waits for the request.
	LockWaitSeconds int `mapstructure:"lock_wait_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features and verbosity.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// legacyEnv maps keys to environment names the service historically read.
var legacyEnv = map[string][]string{
	"server.port":              {"PORT", "IMAGE_PORT"},
	"processor.watermark_path": {"WATERMARK_IMAGE_PATH"},
	"logging.level":            {"LOG_LEVEL"},
	"logging.file":             {"LOG_FILE"},
	"db.host":                  {"DB_HOST"},
	"db.port":                  {"DB_PORT"},
	"db.user":                  {"DB_USER"},
	"db.password":              {"DB_PASSWORD"},
	"db.name":                  {"DB_NAME"},
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IMAGES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindLegacyEnv lets IMAGES_* take precedence while still honoring the
// historical variable names.
func bindLegacyEnv(v *viper.Viper) error {
	replacer := strings.NewReplacer(".", "_")
	for key, names := range legacyEnv {
		input := append([]string{key, "IMAGES_" + strings.ToUpper(replacer.Replace(key))}, names...)
		if err := v.BindEnv(input...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8021)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("api.default_max_save", 2)
	v.SetDefault("api.max_save_limit", 50)
	v.SetDefault("api.request_timeout_seconds", 180)
	v.SetDefault("search.base_url", "https://www.bing.com/images/search")
	v.SetDefault("search.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "+
		"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	v.SetDefault("search.timeout_seconds", 10)
	v.SetDefault("search.max_results", 10)
	v.SetDefault("processor.save_dir", "{profile}/images")
	v.SetDefault("processor.public_url", "https://{profile}/images/{file}")
	v.SetDefault("processor.watermark_path", "./watermark/watermark.png")
	v.SetDefault("processor.download_timeout_seconds", 60)
	v.SetDefault("processor.quality", 65)
	v.SetDefault("processor.max_bytes", 20<<20)
	v.SetDefault("processor.max_parallel", 4)
	v.SetDefault("processor.rate_per_host", 0)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "/var/www")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "")
	v.SetDefault("storage.cache_control", "public, max-age=86400")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.host", "")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.table", "keyword_images")
	v.SetDefault("db.max_conns", 5)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.run_migrations", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "images")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.lock_expiry_seconds", 30)
	v.SetDefault("redis.lock_wait_seconds", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("tracing.service_name", "realtime-image-scraper")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.API.MaxSaveLimit <= 0 {
		return fmt.Errorf("api.max_save_limit must be > 0")
	}
	if c.API.DefaultMaxSave < 0 || c.API.DefaultMaxSave > c.API.MaxSaveLimit {
		return fmt.Errorf("api.default_max_save must be between 0 and api.max_save_limit")
	}
	if c.Search.TimeoutSeconds <= 0 {
		return fmt.Errorf("search.timeout_seconds must be > 0")
	}
	if c.Processor.DownloadTimeoutSeconds <= 0 {
		return fmt.Errorf("processor.download_timeout_seconds must be > 0")
	}
	if c.Processor.Quality < 1 || c.Processor.Quality > 100 {
		return fmt.Errorf("processor.quality must be between 1 and 100")
	}
	if c.Processor.MaxParallel <= 0 {
		return fmt.Errorf("processor.max_parallel must be > 0")
	}
	if !strings.Contains(c.Processor.PublicURL, "{file}") {
		return fmt.Errorf("processor.public_url must contain {file}")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory")
	}
	switch c.Store.Backend {
	case "postgres":
		if c.DB.DSN == "" && c.DB.Host == "" {
			return fmt.Errorf("db.dsn or db.host must be set for the postgres store")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis store")
		}
		if c.Redis.LockExpirySeconds > 0 && c.Redis.LockExpirySeconds <= c.Search.TimeoutSeconds {
			return fmt.Errorf("redis.lock_expiry_seconds must exceed search.timeout_seconds")
		}
		if c.Redis.LockWaitSeconds < 0 {
			return fmt.Errorf("redis.lock_wait_seconds must not be negative")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be one of memory, postgres, redis")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// ConnString returns the DSN, assembling it from the discrete fields when unset.
func (d DBConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// RequestTimeout converts the API timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout converts the shutdown budget into a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
