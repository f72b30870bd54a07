// Package config resolves runtime configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"

	QueueRedis  = "redis"
	QueueMemory = "memory"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Consumer  ConsumerConfig
	Workflow  WorkflowConfig
	Retention RetentionConfig
	HTTP      HTTPConfig
	Steps     StepsConfig
	Log       LogConfig
}

type DatabaseConfig struct {
	Backend    string
	URL        string
	SQLitePath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QueueConfig struct {
	Backend string
	Name    string
	Lease   time.Duration
}

type ConsumerConfig struct {
	BatchSize        int
	Wait             time.Duration
	MaxDeliveryCount int
	ReceiveBackoff   time.Duration
	// Embedded runs the consumer inside the API server process.
	Embedded bool
}

type WorkflowConfig struct {
	DefaultTimeout time.Duration
	UrgentTimeout  time.Duration
}

type RetentionConfig struct {
	Period time.Duration
}

type HTTPConfig struct {
	Port        string
	MetricsAddr string
}

type StepsConfig struct {
	ServiceURL string
	Token      string
	Timeout    time.Duration
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (Config, error) {
	cfg := Config{
		Database: DatabaseConfig{
			Backend:    GetString("STORE_BACKEND", StorePostgres),
			URL:        databaseURL(),
			SQLitePath: GetString("SQLITE_PATH", "deployq.db"),
		},
		Redis: RedisConfig{
			Addr:     GetString("REDIS_ADDR", "localhost:6379"),
			Password: GetString("REDIS_PASSWORD", ""),
			DB:       GetInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Backend: GetString("QUEUE_BACKEND", QueueRedis),
			Name:    GetString("QUEUE_NAME", "deployments"),
			Lease:   GetSeconds("QUEUE_LEASE_SECONDS", 5*time.Minute),
		},
		Consumer: ConsumerConfig{
			BatchSize:        GetInt("CONSUMER_BATCH_SIZE", 5),
			Wait:             GetSeconds("CONSUMER_WAIT_SECONDS", 30*time.Second),
			MaxDeliveryCount: GetInt("CONSUMER_MAX_DELIVERY", 3),
			ReceiveBackoff:   GetSeconds("CONSUMER_RECEIVE_BACKOFF_SECONDS", time.Second),
			Embedded:         GetBool("CONSUMER_EMBEDDED", false),
		},
		Workflow: WorkflowConfig{
			DefaultTimeout: GetSeconds("WORKFLOW_DEFAULT_TIMEOUT_SECONDS", 10*time.Minute),
			UrgentTimeout:  GetSeconds("WORKFLOW_URGENT_TIMEOUT_SECONDS", 5*time.Minute),
		},
		Retention: RetentionConfig{
			Period: time.Duration(GetInt("RETENTION_DAYS", 14)) * 24 * time.Hour,
		},
		HTTP: HTTPConfig{
			Port:        GetString("PORT", "8080"),
			MetricsAddr: GetString("METRICS_ADDR", ":9090"),
		},
		Steps: StepsConfig{
			ServiceURL: GetString("STEP_SERVICE_URL", ""),
			Token:      GetString("STEP_SERVICE_TOKEN", ""),
			Timeout:    GetSeconds("STEP_SERVICE_TIMEOUT_SECONDS", 0),
		},
		Log: LogConfig{
			Level:  GetString("LOG_LEVEL", "info"),
			Pretty: GetBool("LOG_PRETTY", false),
		},
	}
	return cfg, cfg.Validate()
}

// databaseURL prefers DATABASE_URL and otherwise assembles one from the
// DB_* variables.
func databaseURL() string {
	if dsn := GetString("DATABASE_URL", ""); dsn != "" {
		return dsn
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(GetString("DB_USER", "postgres"), GetString("DB_PASSWORD", "password")),
		Host:     fmt.Sprintf("%s:%s", GetString("DB_HOST", "localhost"), GetString("DB_PORT", "5432")),
		Path:     "/" + GetString("DB_NAME", "deployq"),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (c Config) Validate() error {
	switch c.Database.Backend {
	case StorePostgres, StoreSQLite, StoreMemory:
	default:
		return errors.Errorf("unknown STORE_BACKEND %q", c.Database.Backend)
	}
	switch c.Queue.Backend {
	case QueueRedis, QueueMemory:
	default:
		return errors.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend)
	}
	if c.Queue.Name == "" {
		return errors.New("QUEUE_NAME must not be empty")
	}
	if c.Queue.Lease <= 0 {
		return errors.New("QUEUE_LEASE_SECONDS must be positive")
	}
	if c.Consumer.BatchSize <= 0 {
		return errors.New("CONSUMER_BATCH_SIZE must be positive")
	}
	if c.Consumer.MaxDeliveryCount <= 0 {
		return errors.New("CONSUMER_MAX_DELIVERY must be positive")
	}
	if c.Workflow.DefaultTimeout <= 0 || c.Workflow.UrgentTimeout <= 0 {
		return errors.New("workflow timeouts must be positive")
	}
	if floor := c.minLease(); c.Queue.Lease < floor {
		return errors.Errorf("QUEUE_LEASE_SECONDS must be at least %s for the configured workflow timeouts", floor)
	}
	if c.Retention.Period < 0 {
		return errors.New("RETENTION_DAYS must not be negative")
	}
	return nil
}

// Leases are renewed at a third of their length while a run is in progress,
// and must be at least a tenth of the longest workflow timeout.
const minQueueLease = 30 * time.Second

func (c Config) minLease() time.Duration {
	longest := c.Workflow.DefaultTimeout
	if c.Workflow.UrgentTimeout > longest {
		longest = c.Workflow.UrgentTimeout
	}
	if longest/10 > minQueueLease {
		return longest / 10
	}
	return minQueueLease
}

// Local reports whether the process runs without any external service, in
// which case the producer and the consumer must share one process.
func (c Config) Local() bool {
	return c.Queue.Backend == QueueMemory
}
