// Package config loads the gateway configuration from a yaml file and the
// environment, with a predictable precedence: explicit --config flag, then
// CONFIG_PATH, then a config.yaml in the working directory, then environment
// variables alone.
package config

import (
	"net"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
)

// Config is the root configuration of the session gateway.
type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	API     APIConfig     `yaml:"api"`
	HTTP    HTTPConfig    `yaml:"http"`
	Session SessionConfig `yaml:"session"`
}

// APIConfig locates the remote platform API.
type APIConfig struct {
	BaseURL string `yaml:"base_url" env:"API_BASE_URL" validate:"required,url"`
}

// HTTPConfig is the local listen address of the gateway.
type HTTPConfig struct {
	Host string `yaml:"host" env:"HTTP_HOST" env-default:"127.0.0.1"`
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8085"`
}

// Addr returns the address in host:port form.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, h.Port)
}

// SessionConfig tunes the session lifecycle components.
type SessionConfig struct {
	StorePath       string        `yaml:"store_path" env:"SESSION_STORE_PATH" env-default:".parish-session.json"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"SESSION_REFRESH_INTERVAL" env-default:"4m" validate:"gt=0"`
	IdleThreshold   time.Duration `yaml:"idle_threshold" env:"SESSION_IDLE_THRESHOLD" env-default:"10m" validate:"gt=0"`
	IdleCountdown   time.Duration `yaml:"idle_countdown" env:"SESSION_IDLE_COUNTDOWN" env-default:"60s" validate:"gt=0"`
	PortalOnly      bool          `yaml:"portal_only" env:"SESSION_PORTAL_ONLY" env-default:"false"`
	PortalHost      string        `yaml:"portal_host" env:"SESSION_PORTAL_HOST"`
}

// Load reads the configuration. path may be empty, in which case CONFIG_PATH
// and then ./config.yaml are tried before falling back to environment
// variables only.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}

	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, errors.Wrapf(err, "[config.Load] failed to read config file %s", path)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, errors.Wrap(err, "[config.Load] failed to read environment")
		}
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, "[config.Load] invalid configuration")
	}
	return &cfg, nil
}
