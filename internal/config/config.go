package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Redis struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	NsqdHTTPAddr    string // e.g. nsqd:4151, used for /stats
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	ProcessingTopic string
	DeliveryTopic   string
	DeadLetterTopic string
	Channel         string // consumer group shared by all workers
	Concurrency     int    // handlers per topic, each with one message in flight
	MsgTimeout      time.Duration
	StatsInterval   time.Duration
}

type Delivery struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	SigningSecret    string
	LeaseTTL         time.Duration // per-task lease held while an attempt runs
	WatchdogInterval time.Duration
	StaleAfter       time.Duration // in_progress older than this may be reclaimed
	DeliveredTTL     time.Duration
	RetainTTL        time.Duration // pending, in_progress, retrying, failed
}

type Circuit struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

type Evaluation struct {
	FirmDataURL  string
	EvaluatorURL string // empty applies the built-in rules
	Timeout      time.Duration
}

type Auth struct {
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

type Tracing struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
}

type FakeReceiver struct {
	Port            string        // Server listen port
	ResponseCodes   []int         // scripted status codes, last one repeats
	SigningSecret   string        // Secret for signature verification
	SigningLeeway   time.Duration // Allowed timestamp skew
	ResponseDelayMS int           // Simulated response delay in milliseconds
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Config struct {
	AppName        string
	LogLevel       string
	HTTPPort       string // ingest HTTP, :8080
	GRPCPort       string // ingest gRPC health, :50051
	WorkerHTTPPort string // worker metrics/health, :8083
	Redis          Redis
	DB             DB
	NSQ            NSQ
	Delivery       Delivery
	Circuit        Circuit
	Evaluation     Evaluation
	Auth           Auth
	Tracing        Tracing
	FakeReceiver   FakeReceiver
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

// parseResponseCodes parses "500,500,200" into a status code script
func parseResponseCodes(s string) []int {
	if s == "" {
		return []int{200}
	}
	var codes []int
	for _, part := range strings.Split(s, ",") {
		if c, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && c >= 100 && c <= 599 {
			codes = append(codes, c)
		}
	}
	if len(codes) == 0 {
		return []int{200}
	}
	return codes
}

// Load reads an optional .env file and then the process environment
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "config: ignoring unreadable .env: %v\n", err)
	}
	return FromEnv()
}

func FromEnv() Config {
	return Config{
		AppName:        getenv("APP_NAME", "claimrelay"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		HTTPPort:       getenv("HTTP_PORT", ":8080"),
		GRPCPort:       getenv("GRPC_PORT", ":50051"),
		WorkerHTTPPort: ":" + getenv("WORKER_HTTP_PORT", "8083"),
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 1),
			PoolSize: getenvInt("REDIS_POOL_SIZE", 20),
		},
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "claimrelay"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			ProcessingTopic: getenv("NSQ_PROCESSING_TOPIC", "processing"),
			DeliveryTopic:   getenv("NSQ_DELIVERY_TOPIC", "delivery"),
			DeadLetterTopic: getenv("NSQ_DEAD_LETTER_TOPIC", "dead_letter"),
			Channel:         getenv("NSQ_CHANNEL", "workers"),
			Concurrency:     getenvInt("WORKER_CONCURRENCY", 4),
			MsgTimeout:      getenvDuration("NSQ_MSG_TIMEOUT", 2*time.Minute),
			StatsInterval:   getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
		},
		Delivery: Delivery{
			MaxAttempts:      getenvInt("MAX_ATTEMPTS", 3),
			BaseDelay:        getenvDuration("RETRY_BASE_DELAY", 30*time.Second),
			ConnectTimeout:   getenvDuration("DELIVERY_CONNECT_TIMEOUT", 5*time.Second),
			ReadTimeout:      getenvDuration("DELIVERY_READ_TIMEOUT", 30*time.Second),
			SigningSecret:    getenv("WEBHOOK_SIGNING_SECRET", ""),
			LeaseTTL:         getenvDuration("DELIVERY_LEASE_TTL", 90*time.Second),
			WatchdogInterval: getenvDuration("WATCHDOG_INTERVAL", 30*time.Second),
			StaleAfter:       getenvDuration("IN_PROGRESS_STALE_AFTER", 3*time.Minute),
			DeliveredTTL:     getenvDuration("STATUS_DELIVERED_TTL", 30*time.Minute),
			RetainTTL:        getenvDuration("STATUS_RETAIN_TTL", 7*24*time.Hour),
		},
		Circuit: Circuit{
			FailureThreshold: getenvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getenvDuration("CIRCUIT_RESET_TIMEOUT", 60*time.Second),
		},
		Evaluation: Evaluation{
			FirmDataURL:  getenv("FIRM_DATA_URL", "http://firm-data:9100"),
			EvaluatorURL: getenv("EVALUATOR_URL", ""),
			Timeout:      getenvDuration("EVALUATION_TIMEOUT", 60*time.Second),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("AUTH_PUBLIC_KEY", ""),
			Issuer:       getenv("AUTH_ISSUER", "claimrelay"),
			Audience:     getenv("AUTH_AUDIENCE", "claimrelay-admin"),
		},
		Tracing: Tracing{
			Enabled:     getenvBool("TRACING_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SampleRatio: getenvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		FakeReceiver: FakeReceiver{
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ResponseCodes:   parseResponseCodes(getenv("FAKE_RECEIVER_CODES", "")),
			SigningSecret:   getenv("WEBHOOK_SIGNING_SECRET", ""),
			SigningLeeway:   getenvDuration("SIGNING_LEEWAY", 5*time.Minute),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
