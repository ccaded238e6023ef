package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/callsync/internal/app/callsession"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Relay struct {
	URL          string        `mapstructure:"url"`
	Token        string        `mapstructure:"token"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	JoinTimeout  time.Duration `mapstructure:"join_timeout"`
}

type ICE struct {
	Servers       []string      `mapstructure:"servers"`
	CheckingGrace time.Duration `mapstructure:"checking_grace"`
}

type Reconnect struct {
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type Quality struct {
	Interval time.Duration `mapstructure:"interval"`
}

type Handshake struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	OfferTimeout time.Duration `mapstructure:"offer_timeout"`
}

type API struct {
	StartLimit    int           `mapstructure:"start_limit"`
	StartInterval time.Duration `mapstructure:"start_interval"`
}

type Config struct {
	Mode      string    `mapstructure:"mode"`
	Port      int       `mapstructure:"port"`
	LogLevel  string    `mapstructure:"log_level"`
	Secret    string    `mapstructure:"secret"`
	Relay     Relay     `mapstructure:"relay"`
	ICE       ICE       `mapstructure:"ice"`
	Reconnect Reconnect `mapstructure:"reconnect"`
	Quality   Quality   `mapstructure:"quality"`
	Handshake Handshake `mapstructure:"handshake"`
	API       API       `mapstructure:"api"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")

	v.SetDefault("relay.url", "ws://localhost:3000/ws")
	v.SetDefault("relay.token", "")
	v.SetDefault("relay.read_limit", 65536)
	v.SetDefault("relay.ping_period", "20s")
	v.SetDefault("relay.write_timeout", "5s")
	v.SetDefault("relay.join_timeout", "10s")

	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.checking_grace", "10s")

	v.SetDefault("reconnect.initial_delay", "1s")
	v.SetDefault("reconnect.backoff_factor", 2.0)
	v.SetDefault("reconnect.max_delay", "30s")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.attempt_timeout", "15s")

	v.SetDefault("quality.interval", "5s")
	v.SetDefault("handshake.timeout", "30s")
	v.SetDefault("handshake.offer_timeout", "15s")

	v.SetDefault("api.start_limit", 5)
	v.SetDefault("api.start_interval", "1m")
}

// Load reads config/config.<CONFIG_ENV>.yaml (default dev). Every key can be
// overridden from the environment as CALLSYNC_<KEY>, e.g. CALLSYNC_RELAY_URL.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. A missing file falls back to defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("callsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Session().Validate(); err != nil {
		return nil, fmt.Errorf("invalid session settings: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("relay", cfg.Relay.URL).Msg("config ready")
	return &cfg, nil
}

// Session converts the loaded settings to the controller configuration.
func (c *Config) Session() callsession.Config {
	s := callsession.DefaultConfig()
	s.Reconnect = callsession.ReconnectConfig{
		InitialDelay:   c.Reconnect.InitialDelay,
		BackoffFactor:  c.Reconnect.BackoffFactor,
		MaxDelay:       c.Reconnect.MaxDelay,
		MaxAttempts:    c.Reconnect.MaxAttempts,
		AttemptTimeout: c.Reconnect.AttemptTimeout,
	}
	s.ICECheckingGrace = c.ICE.CheckingGrace
	s.QualityInterval = c.Quality.Interval
	s.HandshakeTimeout = c.Handshake.Timeout
	s.OfferTimeout = c.Handshake.OfferTimeout
	s.JoinTimeout = c.Relay.JoinTimeout
	return s
}
