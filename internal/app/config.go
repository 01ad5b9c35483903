package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (ORDERING_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (ORDERING_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	AMQPURL     string `usage:"RabbitMQ connection URL (ORDERING_AMQP_URL or AMQP_URL)" flag:"amqp-url"`
	Queues      QueueConfig
	Publisher   PublisherConfig
	Graceful    GracefulConfig
}

// QueueConfig names the broker queues the service publishes to and consumes
// from.
type QueueConfig struct {
	Outbound string `default:"ordering.events"  usage:"Queue for outgoing integration events" flag:"outbound-queue"`
	Inbound  string `default:"ordering.inbound" usage:"Queue for incoming integration events" flag:"inbound-queue"`
}

// PublisherConfig controls the outbox relay loop.
type PublisherConfig struct {
	Interval time.Duration `default:"1s" usage:"Delay between outbox publishing passes" flag:"publish-interval"`
	Batch    int           `default:"32" usage:"Max outbox entries claimed per pass" flag:"publish-batch"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ORDERING",
		Files:     []string{"config.yaml", "/etc/ordering/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set ORDERING_DATABASE_URL or DATABASE_URL")
	}
	if cfg.AMQPURL == "" {
		return nil, errors.New("AMQP URL is required: set ORDERING_AMQP_URL or AMQP_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the application's
// ORDERING_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.AMQPURL == "" {
		if v := os.Getenv("AMQP_URL"); v != "" {
			c.AMQPURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
