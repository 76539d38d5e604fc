// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Storage    StorageConfig
	JobService JobServiceConfig
	Batch      BatchConfig
	Cache      CacheConfig
	Database   DatabaseConfig
	Server     ServerConfig
	Log        LogConfig
}

// StorageConfig describes the object store holding input, output and error files.
// Each location may live in its own bucket.
type StorageConfig struct {
	Backend   string // "minio", "s3" or "local"
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// UsePathStyle is required by most S3-compatible providers.
	UsePathStyle bool
	LocalRoot    string

	InputBucket  string
	OutputBucket string
	ErrorBucket  string

	InputDirectory  string
	OutputDirectory string
	ErrorDirectory  string
}

type JobServiceConfig struct {
	Endpoint         string
	APIKey           string
	APIVersion       string
	BatchEndpoint    string
	CompletionWindow string
	// ContentBaseURL is the URL prefix the service imports input files from.
	ContentBaseURL string
	RequestTimeout time.Duration
	MaxRetries     int
}

type BatchConfig struct {
	Concurrency         int
	Mode                string // "waves" or "pool"
	DownloadToLocal     bool
	LocalDownloadPath   string
	CountTokens         bool
	TokenModel          string
	ContinuousMode      bool
	EmptyPollInterval   time.Duration
	FilePollInterval    time.Duration
	JobPollInterval     time.Duration
	MaxWait             time.Duration
	ExponentialBackoff  bool
	MaxPollInterval     time.Duration
	CompensationTimeout time.Duration
	ClaimTTL            time.Duration
}

type CacheConfig struct {
	Enabled       bool
	RedisURL      string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	Channel       string
}

type DatabaseConfig struct {
	URL string
}

type ServerConfig struct {
	Port           string
	MetricsEnabled bool
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.use_path_style", false)
	v.SetDefault("storage.local_root", "./data/storage")
	v.SetDefault("storage.input_bucket", "input")
	v.SetDefault("storage.output_bucket", "processed")
	v.SetDefault("storage.error_bucket", "error")
	v.SetDefault("storage.input_directory", "batch")
	v.SetDefault("storage.output_directory", "output")
	v.SetDefault("storage.error_directory", "error")

	v.SetDefault("job_service.api_version", "2024-10-21")
	v.SetDefault("job_service.batch_endpoint", "/chat/completions")
	v.SetDefault("job_service.completion_window", "24h")
	v.SetDefault("job_service.request_timeout", 60*time.Second)
	v.SetDefault("job_service.max_retries", 3)

	v.SetDefault("batch.concurrency", 10)
	v.SetDefault("batch.mode", "waves")
	v.SetDefault("batch.download_to_local", false)
	v.SetDefault("batch.local_download_path", "./data/downloads")
	v.SetDefault("batch.count_tokens", false)
	v.SetDefault("batch.token_model", "gpt-4")
	v.SetDefault("batch.continuous_mode", false)
	v.SetDefault("batch.empty_poll_interval", 60*time.Second)
	v.SetDefault("batch.file_poll_interval", 5*time.Second)
	v.SetDefault("batch.job_poll_interval", 10*time.Second)
	v.SetDefault("batch.max_wait", time.Duration(0))
	v.SetDefault("batch.exponential_backoff", false)
	v.SetDefault("batch.max_poll_interval", 2*time.Minute)
	v.SetDefault("batch.compensation_timeout", 2*time.Minute)
	v.SetDefault("batch.claim_ttl", 48*time.Hour)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.redis_host", "127.0.0.1")
	v.SetDefault("cache.redis_port", "6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.channel", "batchflow:item_finished")

	v.SetDefault("database.url", "")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load builds the configuration from defaults, an optional config file and the
// environment, in increasing order of precedence. Environment keys are the
// upper-cased dotted keys with "." replaced by "_" (e.g. BATCH_CONCURRENCY).
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Read from environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:         strings.ToLower(v.GetString("storage.backend")),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKey:       v.GetString("storage.access_key"),
			SecretKey:       v.GetString("storage.secret_key"),
			Region:          v.GetString("storage.region"),
			UseSSL:          v.GetBool("storage.use_ssl"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
			LocalRoot:       v.GetString("storage.local_root"),
			InputBucket:     v.GetString("storage.input_bucket"),
			OutputBucket:    v.GetString("storage.output_bucket"),
			ErrorBucket:     v.GetString("storage.error_bucket"),
			InputDirectory:  v.GetString("storage.input_directory"),
			OutputDirectory: v.GetString("storage.output_directory"),
			ErrorDirectory:  v.GetString("storage.error_directory"),
		},
		JobService: JobServiceConfig{
			Endpoint:         v.GetString("job_service.endpoint"),
			APIKey:           v.GetString("job_service.api_key"),
			APIVersion:       v.GetString("job_service.api_version"),
			BatchEndpoint:    v.GetString("job_service.batch_endpoint"),
			CompletionWindow: v.GetString("job_service.completion_window"),
			ContentBaseURL:   v.GetString("job_service.content_base_url"),
			RequestTimeout:   v.GetDuration("job_service.request_timeout"),
			MaxRetries:       v.GetInt("job_service.max_retries"),
		},
		Batch: BatchConfig{
			Concurrency:         v.GetInt("batch.concurrency"),
			Mode:                strings.ToLower(v.GetString("batch.mode")),
			DownloadToLocal:     v.GetBool("batch.download_to_local"),
			LocalDownloadPath:   v.GetString("batch.local_download_path"),
			CountTokens:         v.GetBool("batch.count_tokens"),
			TokenModel:          v.GetString("batch.token_model"),
			ContinuousMode:      v.GetBool("batch.continuous_mode"),
			EmptyPollInterval:   v.GetDuration("batch.empty_poll_interval"),
			FilePollInterval:    v.GetDuration("batch.file_poll_interval"),
			JobPollInterval:     v.GetDuration("batch.job_poll_interval"),
			MaxWait:             v.GetDuration("batch.max_wait"),
			ExponentialBackoff:  v.GetBool("batch.exponential_backoff"),
			MaxPollInterval:     v.GetDuration("batch.max_poll_interval"),
			CompensationTimeout: v.GetDuration("batch.compensation_timeout"),
			ClaimTTL:            v.GetDuration("batch.claim_ttl"),
		},
		Cache: CacheConfig{
			Enabled:       v.GetBool("cache.enabled"),
			RedisURL:      v.GetString("cache.redis_url"),
			RedisHost:     v.GetString("cache.redis_host"),
			RedisPort:     v.GetString("cache.redis_port"),
			RedisPassword: v.GetString("cache.redis_password"),
			RedisDB:       v.GetInt("cache.redis_db"),
			Channel:       v.GetString("cache.channel"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			MetricsEnabled: v.GetBool("server.metrics_enabled"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalRoot == "" {
			errs = append(errs, errors.New("storage.local_root is required for the local backend"))
		}
	case "minio":
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage.endpoint is required for the minio backend"))
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			errs = append(errs, errors.New("storage credentials are required for the minio backend"))
		}
	case "s3":
		// credentials and endpoint may come from the AWS default chain
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	if c.JobService.Endpoint == "" {
		errs = append(errs, errors.New("job_service.endpoint is required"))
	}
	if c.JobService.APIKey == "" {
		errs = append(errs, errors.New("job_service.api_key is required"))
	}
	if c.JobService.ContentBaseURL == "" {
		errs = append(errs, errors.New("job_service.content_base_url is required"))
	}

	if c.Batch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("batch.concurrency must be positive, got %d", c.Batch.Concurrency))
	}
	if c.Batch.Mode != "waves" && c.Batch.Mode != "pool" {
		errs = append(errs, fmt.Errorf("batch.mode must be waves or pool, got %q", c.Batch.Mode))
	}
	if c.Batch.DownloadToLocal && c.Batch.LocalDownloadPath == "" {
		errs = append(errs, errors.New("batch.local_download_path is required when download_to_local is set"))
	}
	if c.Batch.FilePollInterval <= 0 || c.Batch.JobPollInterval <= 0 {
		errs = append(errs, errors.New("batch poll intervals must be positive"))
	}

	return errors.Join(errs...)
}
