package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Scan     ScanConfig     `yaml:"scan"`
	LogLevel string         `yaml:"log_level"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

type FetchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// ProxyURL routes feed fetches through a forward proxy. On proxy
	// failure the fetcher falls back once to a direct connection.
	ProxyURL string `yaml:"proxy_url"`
}

type ScanConfig struct {
	Interval time.Duration `yaml:"interval"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 10 * time.Second
	}
	if c.Fetch.ProxyURL == "" {
		c.Fetch.ProxyURL = os.Getenv("FEED_PROXY_URL")
	}
	if c.Scan.Interval == 0 {
		c.Scan.Interval = 30 * time.Minute
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "feed_scanner"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "items"
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "ingested_items"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
