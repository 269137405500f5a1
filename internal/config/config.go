package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	APIURL string `mapstructure:"api_url"`
	WSURL  string `mapstructure:"ws_url"`
	Token  string `mapstructure:"token"`
	UserID uint   `mapstructure:"user_id"`

	StunServers []string `mapstructure:"stun_servers"`

	RingTimeout      time.Duration `mapstructure:"ring_timeout"`
	IceGatherTimeout time.Duration `mapstructure:"ice_gather_timeout"`
	MidMapTimeout    time.Duration `mapstructure:"mid_map_timeout"`
	ReconnectBase    time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	QueueLimit       int           `mapstructure:"queue_limit"`

	// hub (development signaling server)
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("api_url", "http://localhost:8080/api")
	v.SetDefault("ws_url", "ws://localhost:8080/api/ws")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("ice_gather_timeout", "5s")
	v.SetDefault("mid_map_timeout", "3s")
	v.SetDefault("reconnect_base", "500ms")
	v.SetDefault("reconnect_max", "30s")
	v.SetDefault("queue_limit", 256)
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
