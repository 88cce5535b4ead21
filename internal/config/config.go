package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"link-crawler/common"
)

// Queue backends.
const (
	BackendRabbitMQ = "rabbitmq"
	BackendKafka    = "kafka"
)

// Dedup backends.
const (
	DedupFile     = "file"
	DedupRedis    = "redis"
	DedupSQLite   = "sqlite"
	DedupPostgres = "postgres"
)

// Fetch failure policies.
const (
	PolicyAck   = "ack"
	PolicyRetry = "retry"
	PolicyDLQ   = "dlq"
)

// QueueConfig describes the broker connection and the crawl queue.
type QueueConfig struct {
	Backend      string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	Prefetch     int
	ReconnectMax int
	KafkaBroker  string
	KafkaGroupID string
}

// AMQPURL builds the amqp:// URL for the configured RabbitMQ broker.
func (q QueueConfig) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(q.User, q.Password),
		Host:   net.JoinHostPort(q.Host, strconv.Itoa(q.Port)),
		Path:   "/",
	}
	return u.String()
}

// Addr is the broker address without credentials, safe to log.
func (q QueueConfig) Addr() string {
	if q.Backend == BackendKafka {
		return q.KafkaBroker
	}
	return net.JoinHostPort(q.Host, strconv.Itoa(q.Port))
}

// FetchConfig controls page fetching.
type FetchConfig struct {
	Timeout      time.Duration
	UserAgent    string
	ProxyURL     string
	MaxBodyBytes int64
}

// DedupConfig selects and configures the processed-links store.
type DedupConfig struct {
	Backend     string
	File        string
	RedisAddr   string
	RedisKey    string
	SQLitePath  string
	PostgresDSN string
}

// WorkerConfig controls the per-message pipeline.
type WorkerConfig struct {
	FailurePolicy   string
	RetryMax        int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	DLQName         string
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// GraphConfig enables the optional Neo4j link graph when URI is set.
type GraphConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// Config is the full worker configuration.
type Config struct {
	Queue       QueueConfig
	Fetch       FetchConfig
	Dedup       DedupConfig
	Worker      WorkerConfig
	Log         LogConfig
	Graph       GraphConfig
	MetricsAddr string
}

// Load reads an optional .env file (ENV_FILE, default ".env") and then the
// process environment. Variables already set in the environment win.
func Load() (Config, error) {
	envFile := common.GetEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables, applying defaults.
func FromEnv() Config {
	queueName := common.GetEnv("QUEUE_NAME", "links_queue")
	return Config{
		Queue: QueueConfig{
			Backend:      strings.ToLower(common.GetEnv("QUEUE_BACKEND", BackendRabbitMQ)),
			Host:         common.GetEnv("RABBITMQ_HOST", "localhost"),
			Port:         common.ParseInt(common.GetEnv("RABBITMQ_PORT", "5672"), 5672),
			User:         common.GetEnv("RABBITMQ_USER", "guest"),
			Password:     common.GetEnv("RABBITMQ_PASSWORD", "guest"),
			Name:         queueName,
			Prefetch:     common.ParseInt(common.GetEnv("PREFETCH_COUNT", "1"), 1),
			ReconnectMax: common.ParseInt(common.GetEnv("QUEUE_RECONNECT_MAX", "5"), 5),
			KafkaBroker:  common.GetEnv("KAFKA_BROKER", "localhost:9092"),
			KafkaGroupID: common.GetEnv("KAFKA_GROUP_ID", "link-crawler"),
		},
		Fetch: FetchConfig{
			Timeout:      common.ParseSeconds(common.GetEnv("TIMEOUT", "10"), 10*time.Second),
			UserAgent:    common.GetEnv("USER_AGENT", ""),
			ProxyURL:     common.GetEnv("PROXY_URL", ""),
			MaxBodyBytes: int64(common.ParseInt(common.GetEnv("FETCH_MAX_BODY_BYTES", "10485760"), 10<<20)),
		},
		Dedup: DedupConfig{
			Backend:     strings.ToLower(common.GetEnv("DEDUP_BACKEND", DedupFile)),
			File:        common.GetEnv("DEDUP_FILE", "processed_links.txt"),
			RedisAddr:   common.GetEnv("REDIS_ADDR", "localhost:6379"),
			RedisKey:    common.GetEnv("DEDUP_REDIS_KEY", "crawler:processed_links"),
			SQLitePath:  common.GetEnv("SQLITE_PATH", "processed_links.db"),
			PostgresDSN: common.GetEnv("POSTGRES_DSN", ""),
		},
		Worker: WorkerConfig{
			FailurePolicy:   strings.ToLower(common.GetEnv("FETCH_FAILURE_POLICY", PolicyAck)),
			RetryMax:        common.ParseInt(common.GetEnv("RETRY_MAX", "0"), 0),
			RetryBaseDelay:  common.ParseDuration(common.GetEnv("RETRY_BASE_DELAY", "200ms"), 200*time.Millisecond),
			RetryMaxDelay:   common.ParseDuration(common.GetEnv("RETRY_MAX_DELAY", "2s"), 2*time.Second),
			DLQName:         common.GetEnv("DLQ_NAME", queueName+".dlq"),
			JobTimeout:      common.ParseDuration(common.GetEnv("JOB_TIMEOUT", "5m"), 5*time.Minute),
			ShutdownTimeout: common.ParseDuration(common.GetEnv("SHUTDOWN_TIMEOUT", "30s"), 30*time.Second),
		},
		Log: LogConfig{
			Level:  common.GetEnv("LOG_LEVEL", "info"),
			Format: strings.ToLower(common.GetEnv("LOG_FORMAT", "text")),
			File:   common.GetEnv("LOG_FILE", "app.log"),
		},
		Graph: GraphConfig{
			URI:      common.GetEnv("NEO4J_URI", ""),
			User:     common.GetEnv("NEO4J_USER", "neo4j"),
			Password: common.GetEnv("NEO4J_PASSWORD", "neo4j"),
			Database: common.GetEnv("NEO4J_DATABASE", ""),
		},
		MetricsAddr: common.GetEnv("METRICS_ADDR", ":9090"),
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error

	switch c.Queue.Backend {
	case BackendRabbitMQ:
		if c.Queue.Host == "" {
			err = multierror.Append(err, fmt.Errorf("RABBITMQ_HOST must not be empty"))
		}
		if c.Queue.Port <= 0 || c.Queue.Port > 65535 {
			err = multierror.Append(err, fmt.Errorf("invalid RABBITMQ_PORT %d", c.Queue.Port))
		}
	case BackendKafka:
		if c.Queue.KafkaBroker == "" {
			err = multierror.Append(err, fmt.Errorf("KAFKA_BROKER must not be empty"))
		}
	default:
		err = multierror.Append(err, fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend))
	}
	if c.Queue.Name == "" {
		err = multierror.Append(err, fmt.Errorf("QUEUE_NAME must not be empty"))
	}
	if c.Queue.Prefetch < 1 {
		err = multierror.Append(err, fmt.Errorf("PREFETCH_COUNT must be >= 1, got %d", c.Queue.Prefetch))
	}

	if c.Fetch.Timeout <= 0 {
		err = multierror.Append(err, fmt.Errorf("TIMEOUT must be positive"))
	}
	if c.Fetch.ProxyURL != "" {
		if _, perr := url.Parse(c.Fetch.ProxyURL); perr != nil {
			err = multierror.Append(err, fmt.Errorf("invalid PROXY_URL: %w", perr))
		}
	}

	switch c.Dedup.Backend {
	case DedupFile:
		if c.Dedup.File == "" {
			err = multierror.Append(err, fmt.Errorf("DEDUP_FILE must not be empty"))
		}
	case DedupRedis:
		if c.Dedup.RedisAddr == "" || c.Dedup.RedisKey == "" {
			err = multierror.Append(err, fmt.Errorf("REDIS_ADDR and DEDUP_REDIS_KEY are required for the redis dedup backend"))
		}
	case DedupSQLite:
		if c.Dedup.SQLitePath == "" {
			err = multierror.Append(err, fmt.Errorf("SQLITE_PATH must not be empty"))
		}
	case DedupPostgres:
		if c.Dedup.PostgresDSN == "" {
			err = multierror.Append(err, fmt.Errorf("POSTGRES_DSN is required for the postgres dedup backend"))
		}
	default:
		err = multierror.Append(err, fmt.Errorf("unknown DEDUP_BACKEND %q", c.Dedup.Backend))
	}

	switch c.Worker.FailurePolicy {
	case PolicyAck, PolicyRetry:
	case PolicyDLQ:
		if c.Worker.DLQName == "" || c.Worker.DLQName == c.Queue.Name {
			err = multierror.Append(err, fmt.Errorf("DLQ_NAME must be set and differ from QUEUE_NAME"))
		}
	default:
		err = multierror.Append(err, fmt.Errorf("unknown FETCH_FAILURE_POLICY %q", c.Worker.FailurePolicy))
	}
	if c.Worker.RetryMax < 0 {
		err = multierror.Append(err, fmt.Errorf("RETRY_MAX must be >= 0"))
	}
	if c.Worker.JobTimeout <= 0 {
		err = multierror.Append(err, fmt.Errorf("JOB_TIMEOUT must be positive"))
	}
	if c.Worker.ShutdownTimeout <= 0 {
		err = multierror.Append(err, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive"))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		err = multierror.Append(err, fmt.Errorf("unknown LOG_FORMAT %q", c.Log.Format))
	}

	return err
}
