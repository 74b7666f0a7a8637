package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	API       APIConfig       `mapstructure:"api"`
	User      UserConfig      `mapstructure:"user"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Assistant AssistantConfig `mapstructure:"assistant"`
}

type ServerConfig struct {
	Addr             string        `mapstructure:"addr" validate:"required"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
	CORSCredentials  bool          `mapstructure:"cors_credentials"`
	EnableTLS        bool          `mapstructure:"enable_tls"`
	TLSCertPath      string        `mapstructure:"tls_cert_path" validate:"required_with=TLSKeyPath"`
	TLSKeyPath       string        `mapstructure:"tls_key_path" validate:"required_with=TLSCertPath"`
	AllowSelfSigned  bool          `mapstructure:"tls_self_signed"`
	Env              string        `mapstructure:"env" validate:"oneof=development production"`
	ShutdownDeadline time.Duration `mapstructure:"shutdown_deadline"`
}

// APIConfig points at the chat backend.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url" validate:"required,url"`
	SocketURL string        `mapstructure:"socket_url" validate:"required,url"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RPS       float64       `mapstructure:"rps" validate:"gte=0"`
	Burst     int           `mapstructure:"burst" validate:"gte=0"`
}

type UserConfig struct {
	ID          string `mapstructure:"id" validate:"required"`
	DisplayName string `mapstructure:"display_name"`
}

type SyncConfig struct {
	PageSize        int           `mapstructure:"page_size" validate:"gte=1,lte=100"`
	TypingExpiry    time.Duration `mapstructure:"typing_expiry" validate:"gt=0"`
	ReadDebounce    time.Duration `mapstructure:"read_debounce" validate:"gt=0"`
	BottomTolerance float64       `mapstructure:"bottom_tolerance" validate:"gte=0"`
	NearTop         float64       `mapstructure:"near_top" validate:"gte=0"`
}

// AssistantConfig enables the assistant when Model is set.
type AssistantConfig struct {
	Model       string  `mapstructure:"model"`
	Token       string  `mapstructure:"token" validate:"required_with=Model"`
	BaseURL     string  `mapstructure:"base_url" validate:"omitempty,url"`
	UserID      string  `mapstructure:"user_id" validate:"required_with=Model"`
	System      string  `mapstructure:"system"`
	Temperature float64 `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

func (a AssistantConfig) Enabled() bool {
	return a.Model != ""
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.env", "development")
	v.SetDefault("server.tls_self_signed", true)
	v.SetDefault("server.shutdown_deadline", 5*time.Second)

	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("api.rps", 10)
	v.SetDefault("api.burst", 20)

	v.SetDefault("sync.page_size", 15)
	v.SetDefault("sync.typing_expiry", 5*time.Second)
	v.SetDefault("sync.read_debounce", 300*time.Millisecond)
	v.SetDefault("sync.bottom_tolerance", 32)
	v.SetDefault("sync.near_top", 120)

	v.SetDefault("assistant.temperature", 0.7)

	// Every key needs a default or AutomaticEnv cannot see it on Unmarshal.
	v.SetDefault("server.cors_credentials", false)
	v.SetDefault("server.enable_tls", false)
	for _, k := range []string{
		"server.tls_cert_path", "server.tls_key_path",
		"api.base_url", "api.socket_url", "api.token",
		"user.id", "user.display_name",
		"assistant.model", "assistant.token", "assistant.base_url", "assistant.user_id", "assistant.system",
	} {
		v.SetDefault(k, "")
	}
}

// Load reads .env, then chatsync.yaml from dir (optional), then CHATSYNC_*
// environment variables, which win.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	v := viper.New()
	v.SetConfigName("chatsync")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("chatsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first failing field.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			first := vErrs[0]
			return fmt.Errorf("config field [%s] failed rule [%s]", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Server.Env == "production" && !cfg.Server.EnableTLS {
		return errors.New("TLS must be enabled in production")
	}
	return nil
}
