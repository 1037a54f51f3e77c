// Package config loads settings for both binaries. Values come from an
// optional YAML file (CONFIG_FILE), then from the environment, which may be
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		Name     string `yaml:"name"`
		Port     string `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	Postgres struct {
		Host            string        `yaml:"host"`
		Port            string        `yaml:"port"`
		User            string        `yaml:"user"`
		Password        string        `yaml:"password"`
		DBName          string        `yaml:"dbname"`
		SSLMode         string        `yaml:"sslmode"`
		Schema          string        `yaml:"schema"`
		MaxConns        int32         `yaml:"max_conns"`
		MinConns        int32         `yaml:"min_conns"`
		MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	} `yaml:"postgres"`

	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	} `yaml:"auth"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		Group   string   `yaml:"group"`
	} `yaml:"kafka"`

	Redis struct {
		Addr string `yaml:"addr"`
	} `yaml:"redis"`

	Client struct {
		APIBaseURL   string        `yaml:"api_base_url"`
		PollInterval time.Duration `yaml:"poll_interval"`
		HTTPTimeout  time.Duration `yaml:"http_timeout"`
		Username     string        `yaml:"username"`
		Password     string        `yaml:"password"`
		DeviceID     string        `yaml:"device_id"`
		PushToken    string        `yaml:"push_token"`
		Platform     string        `yaml:"platform"`
	} `yaml:"client"`
}

func defaults() *Config {
	cfg := &Config{}
	cfg.App.Port = "8080"
	cfg.App.LogLevel = "info"

	cfg.Postgres.Port = "5432"
	cfg.Postgres.SSLMode = "disable"
	cfg.Postgres.Schema = "public"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2
	cfg.Postgres.MaxConnLifetime = time.Hour

	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 30 * 24 * time.Hour

	cfg.Kafka.Topic = "store-events"

	cfg.Client.PollInterval = 5 * time.Second
	cfg.Client.HTTPTimeout = 15 * time.Second
	cfg.Client.Platform = "linux"
	return cfg
}

// Load reads envPath (when non-empty and present), the YAML file named by
// CONFIG_FILE, and the environment. Environment values win.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load %s: %w", envPath, err)
		}
	}

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.readYAML(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readYAML(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: failed to open config file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(c); err != nil {
		return fmt.Errorf("config: invalid config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.App.Name, "APP_NAME")
	setString(&c.App.Port, "APP_PORT")
	setString(&c.App.LogLevel, "LOG_LEVEL")

	setString(&c.Postgres.Host, "DB_HOST")
	setString(&c.Postgres.Port, "DB_PORT")
	setString(&c.Postgres.User, "DB_USER")
	setString(&c.Postgres.Password, "DB_PASSWORD")
	setString(&c.Postgres.DBName, "DB_NAME")
	setString(&c.Postgres.SSLMode, "DB_SSLMODE")
	setString(&c.Postgres.Schema, "DB_SCHEMA")

	setString(&c.Auth.JWTSecret, "JWT_SECRET")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	setString(&c.Kafka.Topic, "KAFKA_TOPIC")
	setString(&c.Kafka.Group, "KAFKA_GROUP")

	setString(&c.Redis.Addr, "REDIS_ADDR")

	setString(&c.Client.APIBaseURL, "API_BASE_URL")
	setString(&c.Client.Username, "STORE_MANAGER_USERNAME")
	setString(&c.Client.Password, "STORE_MANAGER_PASSWORD")
	setString(&c.Client.DeviceID, "DEVICE_ID")
	setString(&c.Client.PushToken, "PUSH_TOKEN")
	setString(&c.Client.Platform, "DEVICE_PLATFORM")

	return errors.Join(
		setInt32(&c.Postgres.MaxConns, "DB_MAX_CONNS"),
		setInt32(&c.Postgres.MinConns, "DB_MIN_CONNS"),
		setDuration(&c.Postgres.MaxConnLifetime, "DB_MAX_CONN_LIFETIME"),
		setDuration(&c.Auth.AccessTokenTTL, "ACCESS_TOKEN_TTL"),
		setDuration(&c.Auth.RefreshTokenTTL, "REFRESH_TOKEN_TTL"),
		setDuration(&c.Client.PollInterval, "POLL_INTERVAL"),
		setDuration(&c.Client.HTTPTimeout, "HTTP_TIMEOUT"),
	)
}

// ValidateServer checks what the API binary needs.
func (c *Config) ValidateServer() error {
	var missing []string
	for key, v := range map[string]string{
		"DB_HOST":     c.Postgres.Host,
		"DB_USER":     c.Postgres.User,
		"DB_PASSWORD": c.Postgres.Password,
		"DB_NAME":     c.Postgres.DBName,
		"JWT_SECRET":  c.Auth.JWTSecret,
	} {
		if v == "" {
			missing = append(missing, key)
		}
	}
	if err := requireKeys(missing); err != nil {
		return err
	}
	if c.Postgres.MinConns > c.Postgres.MaxConns {
		return fmt.Errorf("config: DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.Postgres.MinConns, c.Postgres.MaxConns)
	}
	return nil
}

// ValidateClient checks what the store client needs.
func (c *Config) ValidateClient() error {
	var missing []string
	if c.Client.APIBaseURL == "" {
		missing = append(missing, "API_BASE_URL")
	}
	if err := requireKeys(missing); err != nil {
		return err
	}
	if _, err := url.ParseRequestURI(c.Client.APIBaseURL); err != nil {
		return fmt.Errorf("config: invalid API_BASE_URL: %w", err)
	}
	if c.Client.PollInterval <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL must be positive, got %s", c.Client.PollInterval)
	}
	return nil
}

func requireKeys(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
}

// DatabaseURL is the pgx connection string.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:   c.Postgres.Host + ":" + c.Postgres.Port,
		Path:   "/" + c.Postgres.DBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.Postgres.SSLMode)
	if c.Postgres.Schema != "" {
		q.Set("search_path", c.Postgres.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// String renders the configuration with secrets masked.
func (c Config) String() string {
	c.Postgres.Password = mask(c.Postgres.Password)
	c.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	c.Client.Password = mask(c.Client.Password)
	c.Client.PushToken = mask(c.Client.PushToken)

	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(b)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt32(dst *int32, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = int32(n)
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
