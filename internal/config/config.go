package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

// ConnString builds a postgres URL usable by both pgxpool and lib/pq.
func (d Database) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type Webhook struct {
	SigningSecret      string `mapstructure:"signing-secret"`
	SignatureHeader    string `mapstructure:"signature-header"`
	ToleranceSec       int    `mapstructure:"tolerance-sec"`
	HandlerTimeoutMs   int    `mapstructure:"handler-timeout-ms"`
	MaxBodyBytes       int64  `mapstructure:"max-body-bytes"`
	StaleProcessingSec int    `mapstructure:"stale-processing-sec"`
}

func (w Webhook) Tolerance() time.Duration {
	return time.Duration(w.ToleranceSec) * time.Second
}

func (w Webhook) HandlerTimeout() time.Duration {
	return time.Duration(w.HandlerTimeoutMs) * time.Millisecond
}

func (w Webhook) StaleProcessing() time.Duration {
	return time.Duration(w.StaleProcessingSec) * time.Second
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	OrderEvents string `mapstructure:"order-events"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type NotifySender struct {
	URL       string `mapstructure:"url"`
	TimeoutMs int    `mapstructure:"timeout-ms"`
}

type Notify struct {
	Parallelism int          `mapstructure:"parallelism"`
	TimeoutMs   int          `mapstructure:"timeout-ms"`
	Sender      NotifySender `mapstructure:"sender"`
}

type Sweep struct {
	FetchSize      int `mapstructure:"fetch-size"`
	MinAgeSec      int `mapstructure:"min-age-sec"`
	OrphanBatch    int `mapstructure:"orphan-batch"`
	EventTimeoutMs int `mapstructure:"event-timeout-ms"`
	// IntervalMs > 0 makes serve run the sweep in the background.
	IntervalMs int `mapstructure:"interval-ms"`
}

func (s Sweep) MinAge() time.Duration {
	return time.Duration(s.MinAgeSec) * time.Second
}

func (s Sweep) EventTimeout() time.Duration {
	return time.Duration(s.EventTimeoutMs) * time.Millisecond
}

func (s Sweep) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level"`
}

type Config struct {
	Database Database `mapstructure:"database"`
	Webhook  Webhook  `mapstructure:"webhook"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Notify   Notify   `mapstructure:"notify"`
	Sweep    Sweep    `mapstructure:"sweep"`
	Server   Server   `mapstructure:"server"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Logs     Logs     `mapstructure:"logs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")

	v.SetDefault("webhook.signature-header", "Stripe-Signature")
	v.SetDefault("webhook.tolerance-sec", 300)
	v.SetDefault("webhook.handler-timeout-ms", 10_000)
	v.SetDefault("webhook.max-body-bytes", 1<<20)
	v.SetDefault("webhook.stale-processing-sec", 60)

	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)
	v.SetDefault("kafka.topic.order-events", "order-events")

	v.SetDefault("notify.parallelism", 100)
	v.SetDefault("notify.timeout-ms", 5_000)
	v.SetDefault("notify.sender.timeout-ms", 10_000)

	v.SetDefault("sweep.fetch-size", 200)
	v.SetDefault("sweep.min-age-sec", 300)
	v.SetDefault("sweep.orphan-batch", 200)
	v.SetDefault("sweep.event-timeout-ms", 10_000)
	v.SetDefault("sweep.interval-ms", 0)

	v.SetDefault("server.port", "8080")
	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("logs.level", "info")

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"database.user", "database.password", "database.name", "database.host",
		"webhook.signing-secret", "kafka.broker.url", "notify.sender.url",
		"metrics.url", "metrics.common-labels", "logs.url",
	} {
		v.SetDefault(key, "")
	}
}

// LoadConfig reads config.yaml from path. Every key can be overridden from the
// environment, e.g. WEBHOOK_SIGNING_SECRET or DATABASE_HOST. A .env file in the
// working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var missing []string
	if c.Webhook.SigningSecret == "" {
		missing = append(missing, "webhook.signing-secret")
	}
	if c.Database.Host == "" {
		missing = append(missing, "database.host")
	}
	if c.Database.Name == "" {
		missing = append(missing, "database.name")
	}
	if c.Database.User == "" {
		missing = append(missing, "database.user")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.Webhook.ToleranceSec <= 0 {
		return fmt.Errorf("webhook.tolerance-sec must be positive, got %d", c.Webhook.ToleranceSec)
	}
	return nil
}
