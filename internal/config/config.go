package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Webhook struct {
	Secret          string        // shared HMAC secret
	SecretARN       string        // AWS Secrets Manager id, used when Secret is empty
	SecretTTL       time.Duration // cache lifetime for a fetched secret
	SignatureHeader string        // HTTP header carrying the hex signature
	ReplayWindow    time.Duration // accepted age of an event's created timestamp
	MaxBodyBytes    int64         // request body limit
}

type Queue struct {
	Concurrency      int             // worker pool size
	MaxRetries       int             // retries after the first attempt
	RetryDelay       time.Duration   // fixed delay, or initial delay for exponential backoff
	RetryMaxDelay    time.Duration   // exponential backoff ceiling
	BackoffSchedule  []time.Duration // explicit per-attempt delays, overrides RetryDelay
	JitterPercent    float64         // schedule jitter (0.0-1.0)
	ExponentialRetry bool            // use exponential backoff instead of a fixed delay
	AttemptTimeout   time.Duration   // per-attempt handler deadline
	BacklogLimit     int             // 0 = unbounded
}

type Dedupe struct {
	Mode string        // off | memory | redis
	TTL  time.Duration // how long a claimed event id is remembered
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type NSQ struct {
	NsqdTCPAddr string // e.g. nsqd:4150
	DLQTopic    string // dead letter topic
	PublishDLQ  bool   // whether exhausted tasks are published
}

type Auth struct {
	JWTPublicKey string // PEM; empty (and no JWKS URL) disables the payment API guard
	JWKSURL      string // fetched once at startup when JWTPublicKey is empty
	JWTIssuer    string
	JWTAudience  string
}

type Config struct {
	AppName        string
	Env            string // production | development
	HTTPPort       string // :3000
	StoreBackend   string // memory | postgres
	TracingEnabled bool
	Webhook        Webhook
	Queue          Queue
	DB             DB
	Dedupe         Dedupe
	Redis          Redis
	NSQ            NSQ
	Auth           Auth
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseBackoffSchedule parses a comma separated duration list. Unparseable
// entries are skipped; an empty result means no schedule.
func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return nil
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return nil
	}
	return durations
}

// Load reads .env files (missing files are ignored) and then the environment.
// Variables already set in the process environment win over .env values.
func Load(files ...string) Config {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
	return FromEnv()
}

func FromEnv() Config {
	return Config{
		AppName:        getenv("APP_NAME", "payhook"),
		Env:            getenv("APP_ENV", "production"),
		HTTPPort:       getenv("HTTP_PORT", ":3000"),
		StoreBackend:   getenv("STORE_BACKEND", "memory"),
		TracingEnabled: getenvBool("TRACING_ENABLED", false),
		Webhook: Webhook{
			Secret:          getenv("WEBHOOK_SECRET", ""),
			SecretARN:       getenv("WEBHOOK_SECRET_ARN", ""),
			SecretTTL:       getenvDuration("WEBHOOK_SECRET_TTL", 5*time.Minute),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Webhook-Signature"),
			ReplayWindow:    getenvDuration("WEBHOOK_REPLAY_WINDOW", 5*time.Minute),
			MaxBodyBytes:    getenvInt64("WEBHOOK_MAX_BODY_BYTES", 1<<20),
		},
		Queue: Queue{
			Concurrency:      getenvInt("QUEUE_CONCURRENCY", 2),
			MaxRetries:       getenvInt("QUEUE_MAX_RETRIES", 3),
			RetryDelay:       getenvDuration("QUEUE_RETRY_DELAY", time.Second),
			RetryMaxDelay:    getenvDuration("QUEUE_RETRY_MAX_DELAY", 30*time.Second),
			BackoffSchedule:  parseBackoffSchedule(getenv("QUEUE_BACKOFF_SCHEDULE", "")),
			JitterPercent:    getenvFloat("QUEUE_BACKOFF_JITTER_PCT", 0),
			ExponentialRetry: getenvBool("QUEUE_BACKOFF_EXPONENTIAL", false),
			AttemptTimeout:   getenvDuration("QUEUE_ATTEMPT_TIMEOUT", 30*time.Second),
			BacklogLimit:     getenvInt("QUEUE_BACKLOG_LIMIT", 0),
		},
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "localhost"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "payhook"),
		},
		Dedupe: Dedupe{
			Mode: getenv("EVENT_DEDUPE", "off"),
			TTL:  getenvDuration("EVENT_DEDUPE_TTL", 24*time.Hour),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		NSQ: NSQ{
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			DLQTopic:    getenv("NSQ_DLQ_TOPIC", "webhooks_dlq"),
			PublishDLQ:  getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Auth: Auth{
			JWTPublicKey: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWT_JWKS_URL", ""),
			JWTIssuer:    getenv("JWT_ISSUER", "payhook"),
			JWTAudience:  getenv("JWT_AUDIENCE", "payhook-api"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Development reports whether APP_ENV selects development mode.
func (c Config) Development() bool {
	return c.Env == "development"
}

// Validate reports configuration the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Webhook.Secret == "" && c.Webhook.SecretARN == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET or WEBHOOK_SECRET_ARN must be set"))
	}
	if c.Webhook.ReplayWindow <= 0 {
		errs = append(errs, errors.New("WEBHOOK_REPLAY_WINDOW must be positive"))
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_BODY_BYTES must be positive"))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_CONCURRENCY must be at least 1, got %d", c.Queue.Concurrency))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_RETRIES must not be negative, got %d", c.Queue.MaxRetries))
	}
	if c.Queue.BacklogLimit < 0 {
		errs = append(errs, fmt.Errorf("QUEUE_BACKLOG_LIMIT must not be negative, got %d", c.Queue.BacklogLimit))
	}
	if c.Queue.JitterPercent < 0 || c.Queue.JitterPercent > 1 {
		errs = append(errs, fmt.Errorf("QUEUE_BACKOFF_JITTER_PCT must be within 0..1, got %v", c.Queue.JitterPercent))
	}
	switch c.StoreBackend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q is not one of memory, postgres", c.StoreBackend))
	}
	switch c.Dedupe.Mode {
	case "off", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("EVENT_DEDUPE %q is not one of off, memory, redis", c.Dedupe.Mode))
	}
	return errors.Join(errs...)
}
