package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Redis        RedisConfig
	JWT          JWTConfig
	OIDC         OIDCConfig
	Gateway      GatewayConfig
	RateLimit    RateLimitConfig
	Model        ModelConfig
	Search       SearchConfig
	Storage      StorageConfig
	Store        StoreConfig
	Worker       WorkerConfig
	Limits       LimitsConfig
	Orchestrator OrchestratorConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	BodyLimitMB     int
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

// OIDCConfig points at the identity provider used for JWKS verification
type OIDCConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	SubmitPerMin   int
	IdentifyPerMin int
}

// ModelConfig configures the OpenAI-compatible multimodal model
type ModelConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	Timeout      time.Duration
}

// SearchConfig configures the web search API used as the model's tool
type SearchConfig struct {
	APIKey   string
	BaseURL  string
	EngineID string
	Results  int
	Timeout  time.Duration
}

type StorageConfig struct {
	Backend  string // "r2" or "local"
	LocalDir string
	R2       R2Config
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type StoreConfig struct {
	Backend    string // "sqlite" or "redis"
	SQLitePath string
	Retention  time.Duration
}

type WorkerConfig struct {
	Queue            string // "local" or "asynq"
	Concurrency      int
	QueueBuffer      int
	MaxAttempts      int
	JobTimeout       time.Duration
	ResumeStaleAfter time.Duration
	ShutdownTimeout  time.Duration
	Backoff          BackoffConfig
}

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

type LimitsConfig struct {
	MaxBarcodes   int
	MaxImageBytes int64
}

type OrchestratorConfig struct {
	MaxToolIterations int
}

// secretKeys maps secret environment names to their config file keys.
var secretKeys = map[string]string{
	"REDIS_PASSWORD":       "redis.password",
	"JWT_SECRET":           "jwt.secret",
	"OIDC_CLIENT_ID":       "oidc.client_id",
	"MODEL_API_KEY":        "model.api_key",
	"SEARCH_API_KEY":       "search.api_key",
	"R2_ACCOUNT_ID":        "storage.r2.account_id",
	"R2_ACCESS_KEY_ID":     "storage.r2.access_key_id",
	"R2_SECRET_ACCESS_KEY": "storage.r2.secret_access_key",
}

// Load reads .env, an optional config.yaml and the environment, in that
// order of increasing precedence.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file, which must exist.
func LoadFile(path string) (*Config, error) {
	// .env is optional; real environment variables always win
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	bindEnv(v)
	setDefaults(v)

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	secrets := SecretChain{EnvSource{}, DockerSecretSource{}, NewConfigSource(v, secretKeys)}
	return build(v, secrets), nil
}

func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	bindings := map[string]string{
		"server.port":                      "SERVER_PORT",
		"server.env":                       "SERVER_ENV",
		"server.body_limit_mb":             "SERVER_BODY_LIMIT_MB",
		"server.shutdown_timeout":          "SERVER_SHUTDOWN_TIMEOUT",
		"log.level":                        "LOG_LEVEL",
		"log.format":                       "LOG_FORMAT",
		"redis.addr":                       "REDIS_ADDR",
		"redis.db":                         "REDIS_DB",
		"jwt.expiration":                   "JWT_EXPIRATION",
		"oidc.domain":                      "OIDC_DOMAIN",
		"oidc.issuer":                      "OIDC_ISSUER",
		"gateway.enabled":                  "GATEWAY_ENABLED",
		"ratelimit.submit_per_min":         "RATELIMIT_SUBMIT_PER_MIN",
		"ratelimit.identify_per_min":       "RATELIMIT_IDENTIFY_PER_MIN",
		"model.base_url":                   "MODEL_BASE_URL",
		"model.default_model":              "MODEL_DEFAULT",
		"model.max_tokens":                 "MODEL_MAX_TOKENS",
		"model.timeout":                    "MODEL_TIMEOUT",
		"search.base_url":                  "SEARCH_BASE_URL",
		"search.engine_id":                 "SEARCH_ENGINE_ID",
		"search.results":                   "SEARCH_RESULTS",
		"search.timeout":                   "SEARCH_TIMEOUT",
		"storage.backend":                  "STORAGE_BACKEND",
		"storage.local_dir":                "STORAGE_LOCAL_DIR",
		"storage.r2.bucket_name":           "R2_BUCKET_NAME",
		"storage.r2.public_url":            "R2_PUBLIC_URL",
		"store.backend":                    "STORE_BACKEND",
		"store.sqlite_path":                "STORE_SQLITE_PATH",
		"store.retention":                  "STORE_RETENTION",
		"worker.queue":                     "WORKER_QUEUE",
		"worker.concurrency":               "WORKER_CONCURRENCY",
		"worker.queue_buffer":              "WORKER_QUEUE_BUFFER",
		"worker.max_attempts":              "WORKER_MAX_ATTEMPTS",
		"worker.job_timeout":               "WORKER_JOB_TIMEOUT",
		"worker.resume_stale_after":        "WORKER_RESUME_STALE_AFTER",
		"worker.shutdown_timeout":          "WORKER_SHUTDOWN_TIMEOUT",
		"worker.backoff.initial":           "WORKER_BACKOFF_INITIAL",
		"worker.backoff.max":               "WORKER_BACKOFF_MAX",
		"worker.backoff.multiplier":        "WORKER_BACKOFF_MULTIPLIER",
		"worker.backoff.jitter":            "WORKER_BACKOFF_JITTER",
		"limits.max_barcodes":              "LIMITS_MAX_BARCODES",
		"limits.max_image_bytes":           "LIMITS_MAX_IMAGE_BYTES",
		"orchestrator.max_tool_iterations": "ORCHESTRATOR_MAX_TOOL_ITERATIONS",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.body_limit_mb", 50)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.submit_per_min", 30)
	v.SetDefault("ratelimit.identify_per_min", 10)

	// Model defaults
	v.SetDefault("model.base_url", "https://api.openai.com/v1")
	v.SetDefault("model.default_model", "gpt-4o-mini")
	v.SetDefault("model.max_tokens", 2048)
	v.SetDefault("model.timeout", 90*time.Second)

	// Search defaults
	v.SetDefault("search.base_url", "https://www.googleapis.com/customsearch/v1")
	v.SetDefault("search.results", 5)
	v.SetDefault("search.timeout", 15*time.Second)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./data/uploads")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/jobs.db")
	v.SetDefault("store.retention", 7*24*time.Hour)

	// Worker defaults
	v.SetDefault("worker.queue", "local")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_buffer", 1024)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.job_timeout", 5*time.Minute)
	v.SetDefault("worker.resume_stale_after", 0)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
	v.SetDefault("worker.backoff.initial", 2*time.Second)
	v.SetDefault("worker.backoff.max", time.Minute)
	v.SetDefault("worker.backoff.multiplier", 2.0)
	v.SetDefault("worker.backoff.jitter", 0.2)

	v.SetDefault("limits.max_barcodes", 20)
	v.SetDefault("limits.max_image_bytes", 20*1024*1024)
	v.SetDefault("orchestrator.max_tool_iterations", 5)
}

func build(v *viper.Viper, secrets SecretChain) *Config {
	return &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			Env:             v.GetString("server.env"),
			BodyLimitMB:     v.GetInt("server.body_limit_mb"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: secrets.Resolve("REDIS_PASSWORD"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     secrets.Resolve("JWT_SECRET"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Domain:   v.GetString("oidc.domain"),
			ClientID: secrets.Resolve("OIDC_CLIENT_ID"),
			Issuer:   v.GetString("oidc.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerMin:   v.GetInt("ratelimit.submit_per_min"),
			IdentifyPerMin: v.GetInt("ratelimit.identify_per_min"),
		},
		Model: ModelConfig{
			APIKey:       secrets.Resolve("MODEL_API_KEY"),
			BaseURL:      v.GetString("model.base_url"),
			DefaultModel: v.GetString("model.default_model"),
			MaxTokens:    v.GetInt("model.max_tokens"),
			Timeout:      v.GetDuration("model.timeout"),
		},
		Search: SearchConfig{
			APIKey:   secrets.Resolve("SEARCH_API_KEY"),
			BaseURL:  v.GetString("search.base_url"),
			EngineID: v.GetString("search.engine_id"),
			Results:  v.GetInt("search.results"),
			Timeout:  v.GetDuration("search.timeout"),
		},
		Storage: StorageConfig{
			Backend:  v.GetString("storage.backend"),
			LocalDir: v.GetString("storage.local_dir"),
			R2: R2Config{
				AccountID:       secrets.Resolve("R2_ACCOUNT_ID"),
				AccessKeyID:     secrets.Resolve("R2_ACCESS_KEY_ID"),
				SecretAccessKey: secrets.Resolve("R2_SECRET_ACCESS_KEY"),
				BucketName:      v.GetString("storage.r2.bucket_name"),
				PublicURL:       v.GetString("storage.r2.public_url"),
			},
		},
		Store: StoreConfig{
			Backend:    v.GetString("store.backend"),
			SQLitePath: v.GetString("store.sqlite_path"),
			Retention:  v.GetDuration("store.retention"),
		},
		Worker: WorkerConfig{
			Queue:            v.GetString("worker.queue"),
			Concurrency:      v.GetInt("worker.concurrency"),
			QueueBuffer:      v.GetInt("worker.queue_buffer"),
			MaxAttempts:      v.GetInt("worker.max_attempts"),
			JobTimeout:       v.GetDuration("worker.job_timeout"),
			ResumeStaleAfter: v.GetDuration("worker.resume_stale_after"),
			ShutdownTimeout:  v.GetDuration("worker.shutdown_timeout"),
			Backoff: BackoffConfig{
				InitialInterval: v.GetDuration("worker.backoff.initial"),
				MaxInterval:     v.GetDuration("worker.backoff.max"),
				Multiplier:      v.GetFloat64("worker.backoff.multiplier"),
				Jitter:          v.GetFloat64("worker.backoff.jitter"),
			},
		},
		Limits: LimitsConfig{
			MaxBarcodes:   v.GetInt("limits.max_barcodes"),
			MaxImageBytes: v.GetInt64("limits.max_image_bytes"),
		},
		Orchestrator: OrchestratorConfig{
			MaxToolIterations: v.GetInt("orchestrator.max_tool_iterations"),
		},
	}
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}
