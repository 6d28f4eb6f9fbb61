package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adwski/proximity-chat/model"
	"github.com/spf13/viper"
)

// Config captures the registry runtime parameters.
type Config struct {
	WSListenAddr        string        `mapstructure:"ws_listen_addr"`
	APIListenAddr       string        `mapstructure:"api_listen_addr"`
	ServiceName         string        `mapstructure:"service_name"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	CallbackTimeout     time.Duration `mapstructure:"callback_timeout"`
	ShutdownWhenEmpty   bool          `mapstructure:"shutdown_when_empty"`
}

const (
	defaultWSListenAddr        = ":12345"
	defaultAPIListenAddr       = ":8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultCallbackTimeout     = time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with PROXICHAT_ and can
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROXICHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("ws_listen_addr", defaultWSListenAddr)
	v.SetDefault("api_listen_addr", defaultAPIListenAddr)
	v.SetDefault("service_name", model.DefaultServiceName)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("callback_timeout", defaultCallbackTimeout.String())
	v.SetDefault("shutdown_when_empty", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"callback_timeout", &cfg.CallbackTimeout, defaultCallbackTimeout},
	} {
		if !v.IsSet(d.key) {
			*d.dst = d.def
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.WSListenAddr == "" {
		cfg.WSListenAddr = defaultWSListenAddr
	}
	if cfg.APIListenAddr == "" {
		cfg.APIListenAddr = defaultAPIListenAddr
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = model.DefaultServiceName
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	return cfg, nil
}
