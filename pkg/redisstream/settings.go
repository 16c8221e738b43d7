package redisstream

import (
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false" yaml:"enabled"`
	Addr     string `env:"ADDR" envDefault:"localhost:6379" yaml:"addr"`
	Password string `env:"PASSWORD" yaml:"-"`
	DB       int    `env:"DB" envDefault:"0" yaml:"db"`
	Group    string `env:"GROUP" envDefault:"chat-ui" yaml:"group"`
	Consumer string `env:"CONSUMER" envDefault:"ui-1" yaml:"consumer"`
}

const EnvPrefix = "CHATSHELL_REDIS_"

// SettingsFromEnv reads CHATSHELL_REDIS_* variables over the defaults.
func SettingsFromEnv() (Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return Settings{}, errors.Wrap(err, "parse redis settings from environment")
	}
	return s, nil
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Addr == "" {
		return errors.New("redis addr is required when redis is enabled")
	}
	if s.Group == "" || s.Consumer == "" {
		return errors.New("redis group and consumer are required when redis is enabled")
	}
	return nil
}
