package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type FHIR struct {
	BaseURL      string // REST base of the repository, e.g. https://dsf.dev/fhir
	WebsocketURL string // live channel endpoint, e.g. wss://dsf.dev/fhir/ws
	BearerToken  string // forwarded as Authorization header when set
}

type Subscriptions struct {
	SearchParams   []string      // one query string per connection, e.g. criteria=Task?status=requested&status=active
	MaxRetries     int           // retrieval retries after the first attempt, -1 for unbounded
	RetryDelay     time.Duration // fixed delay between retrieval attempts
	ReconnectDelay time.Duration // wait before restarting a failed connection
}

type Dispatch struct {
	PoolSize    int           // maximum concurrent handler invocations per connection
	IdleTimeout time.Duration // idle workers exit after this long
}

type Bookmark struct {
	Backend string // file, postgres, redis or memory
	Dir     string // directory for the file backend
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Workflow struct {
	EngineURL string // REST base of the process engine; empty selects the in-memory engine
}

type NSQ struct {
	NsqdTCPAddr  string // e.g. nsqd:4150
	NsqdHTTPAddr string // stats endpoint polled by the dlq monitor, e.g. nsqd:4151
	DLQTopic     string // dead letter topic for dropped events
	PublishDLQ   bool   // whether dropped events are published
}

type Config struct {
	AppName       string
	HTTPPort      string // :8080
	FHIR          FHIR
	Subscriptions Subscriptions
	Dispatch      Dispatch
	Bookmark      Bookmark
	DB            DB
	Redis         Redis
	Workflow      Workflow
	NSQ           NSQ
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

const defaultSearchParams = "criteria=Task?status=requested&status=active&type=websocket&payload=application/fhir+json"

// parseSearchParams splits a ';'-separated list, dropping empty entries
func parseSearchParams(raw string) []string {
	if raw == "" {
		raw = defaultSearchParams
	}

	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	if len(out) == 0 {
		return []string{defaultSearchParams}
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harborbpe"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		FHIR: FHIR{
			BaseURL:      getenv("FHIR_BASE_URL", "http://fhir:8080/fhir"),
			WebsocketURL: getenv("FHIR_WEBSOCKET_URL", "ws://fhir:8080/fhir/ws"),
			BearerToken:  getenv("FHIR_BEARER_TOKEN", ""),
		},
		Subscriptions: Subscriptions{
			SearchParams:   parseSearchParams(getenv("SUBSCRIPTION_SEARCH_PARAMS", "")),
			MaxRetries:     getenvInt("SUBSCRIPTION_MAX_RETRIES", -1),
			RetryDelay:     getenvDuration("SUBSCRIPTION_RETRY_DELAY", 5*time.Second),
			ReconnectDelay: getenvDuration("RECONNECT_DELAY", 10*time.Second),
		},
		Dispatch: Dispatch{
			PoolSize:    getenvInt("DISPATCH_POOL_SIZE", 4),
			IdleTimeout: getenvDuration("DISPATCH_IDLE_TIMEOUT", 60*time.Second),
		},
		Bookmark: Bookmark{
			Backend: getenv("BOOKMARK_BACKEND", "file"),
			Dir:     getenv("BOOKMARK_DIR", "last_event"),
		},
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harborbpe"),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Workflow: Workflow{
			EngineURL: getenv("WORKFLOW_ENGINE_URL", ""),
		},
		NSQ: NSQ{
			NsqdTCPAddr:  getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr: getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			DLQTopic:     getenv("NSQ_DLQ_TOPIC", "bpe_events_dlq"),
			PublishDLQ:   getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Validate reports configuration that cannot start a subscriber
func (c Config) Validate() error {
	if c.FHIR.BaseURL == "" {
		return fmt.Errorf("FHIR base URL is required")
	}
	if c.FHIR.WebsocketURL == "" {
		return fmt.Errorf("FHIR websocket URL is required")
	}
	if c.Dispatch.PoolSize <= 0 {
		return fmt.Errorf("dispatch pool size must be > 0, got %d", c.Dispatch.PoolSize)
	}
	if c.Subscriptions.RetryDelay < 0 || c.Subscriptions.ReconnectDelay < 0 {
		return fmt.Errorf("retry and reconnect delays must not be negative")
	}
	switch c.Bookmark.Backend {
	case "file":
		if c.Bookmark.Dir == "" {
			return fmt.Errorf("bookmark directory is required for the file backend")
		}
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("unknown bookmark backend %q", c.Bookmark.Backend)
	}
	return nil
}
