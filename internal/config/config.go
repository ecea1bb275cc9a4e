package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	RabbitMQ RabbitMQConfig
	Queues   QueueConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Host string
	Port string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RabbitMQConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	VHost    string
}

// QueueConfig names the broker plumbing: the source queue carrying domain
// events from the core backend, and the delivery exchange/queue carrying
// scheduled delivery tasks.
type QueueConfig struct {
	SourceQueue        string
	DeliveryExchange   string
	DeliveryRoutingKey string
	DeliveryQueue      string
	PrefetchCount      int
}

// EngineConfig holds the delivery engine defaults. Timeout and MaxRetries
// can be overridden per subscription.
type EngineConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	InitialDelay        time.Duration
	BackoffMultiplier   float64
	MaxDelay            time.Duration
	RotationGracePeriod time.Duration
	PollInterval        time.Duration
	MaxResponseBody     int
}

func Load() (*Config, error) {
	var missing []string

	get := func(key string) string {
		val := os.Getenv(key)
		if val == "" {
			missing = append(missing, key)
		}
		return val
	}

	// A full RABBITMQ_URL stands in for the individual broker fields; they
	// are only required when no URL is given.
	rmq := RabbitMQConfig{URL: os.Getenv("RABBITMQ_URL")}
	if rmq.URL != "" {
		rmq.Host = os.Getenv("RABBITMQ_HOST")
		rmq.Port = os.Getenv("RABBITMQ_PORT")
		rmq.User = os.Getenv("RABBITMQ_USER")
		rmq.Password = os.Getenv("RABBITMQ_PASSWORD")
		rmq.VHost = os.Getenv("RABBITMQ_VHOST")
	} else {
		rmq.Host = get("RABBITMQ_HOST")
		rmq.Port = get("RABBITMQ_PORT")
		rmq.User = get("RABBITMQ_USER")
		rmq.Password = get("RABBITMQ_PASSWORD")
		rmq.VHost = get("RABBITMQ_VHOST")
	}

	config := &Config{
		Server: ServerConfig{
			Host: get("SERVER_HOST"),
			Port: get("SERVER_PORT"),
		},
		Database: DatabaseConfig{
			Host:     get("DB_HOST"),
			Port:     get("DB_PORT"),
			User:     get("DB_USER"),
			Password: get("DB_PASSWORD"),
			DBName:   get("DB_NAME"),
			SSLMode:  get("DB_SSLMODE"),
		},
		RabbitMQ: rmq,
		Queues: QueueConfig{
			SourceQueue:        get("SOURCE_QUEUE"),
			DeliveryExchange:   get("DELIVERY_EXCHANGE"),
			DeliveryRoutingKey: get("DELIVERY_ROUTING_KEY"),
			DeliveryQueue:      get("DELIVERY_QUEUE"),
			PrefetchCount:      getInt("PREFETCH_COUNT", 16),
		},
		Engine: EngineConfig{
			Timeout:             getSeconds("WEBHOOK_TIMEOUT_SECONDS", 30),
			MaxRetries:          getInt("WEBHOOK_MAX_RETRIES", 3),
			InitialDelay:        getSeconds("WEBHOOK_INITIAL_DELAY_SECONDS", 60),
			BackoffMultiplier:   getFloat("WEBHOOK_BACKOFF_MULTIPLIER", 2),
			MaxDelay:            getSeconds("WEBHOOK_MAX_DELAY_SECONDS", 3600),
			RotationGracePeriod: time.Duration(getInt("WEBHOOK_ROTATION_GRACE_DAYS", 7)) * 24 * time.Hour,
			PollInterval:        getSeconds("SCHEDULER_POLL_INTERVAL_SECONDS", 15),
			MaxResponseBody:     getInt("MAX_RESPONSE_BODY_BYTES", 2048),
		},
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return config, nil
}

// getInt reads an integer env var, falling back to def when unset or invalid.
func getInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func getSeconds(key string, def int) time.Duration {
	return time.Duration(getInt(key, def)) * time.Second
}

// ConnectionString returns the Postgres DSN for GORM.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.DBName, c.Port, c.SSLMode)
}

// MigrationURL returns the URL form of the DSN used by golang-migrate.
func (c *DatabaseConfig) MigrationURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

func (c *RabbitMQConfig) ConnectionURL() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s%s",
		c.User, c.Password, c.Host, c.Port, c.VHost)
}
