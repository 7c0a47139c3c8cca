package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Model       ModelConfig       `mapstructure:"model"`
	Store       StoreConfig       `mapstructure:"store"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectstore"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Report      ReportConfig      `mapstructure:"report"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	AllowOrigins   []string      `mapstructure:"allow_origins"`
}

// ModelConfig points at the model artifact. BaseURL wins over Dir when both are set.
type ModelConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Dir               string        `mapstructure:"dir"`
	SharedLibraryPath string        `mapstructure:"shared_library_path"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type ObjectStoreConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Bucket     string `mapstructure:"bucket"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	PublicBase string `mapstructure:"public_base"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type ReportConfig struct {
	FontDir      string        `mapstructure:"font_dir"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.allow_origins", []string{"*"})

	// Keys without a meaningful default are still registered so that
	// Unmarshal picks up their environment overrides.
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.shared_library_path", "")
	v.SetDefault("model.dir", "models")
	v.SetDefault("model.fetch_timeout", 60*time.Second)

	v.SetDefault("store.path", "data/leafdoc.db")

	v.SetDefault("objectstore.endpoint", "127.0.0.1:9000")
	v.SetDefault("objectstore.access_key", "")
	v.SetDefault("objectstore.secret_key", "")
	v.SetDefault("objectstore.use_ssl", false)
	v.SetDefault("objectstore.bucket", "leafdoc")
	v.SetDefault("objectstore.public_base", "http://127.0.0.1:9000")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "leafdoc")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("report.font_dir", "")
	v.SetDefault("report.fetch_timeout", 15*time.Second)
	v.SetDefault("report.cache_ttl", 10*time.Minute)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "leafdoc")
	v.SetDefault("mqtt.topic_prefix", "leafdoc")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("ratelimit.requests_per_second", 20)
	v.SetDefault("ratelimit.burst", 40)
}

// Load reads .env, then an optional config file, then LEAFDOC_* environment
// variables. configPath may be empty to search ./config.yaml and ./config/config.yaml.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configName := "config"
		if name := os.Getenv("CONFIG_NAME"); name != "" {
			configName = name
		}
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	v.SetEnvPrefix("LEAFDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no safe default.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Model.BaseURL == "" && c.Model.Dir == "" {
		return fmt.Errorf("model.base_url or model.dir is required")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
