package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Match    MatchConfig    `mapstructure:"match"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Expire int    `mapstructure:"expire"` // hours
}

type MatchConfig struct {
	QueueTimeoutSec   int `mapstructure:"queueTimeoutSec"`   // staleness expiry for queue entries
	ConfirmTimeoutSec int `mapstructure:"confirmTimeoutSec"` // pending-match confirmation window
	SweepIntervalMs   int `mapstructure:"sweepIntervalMs"`
}

type RealtimeConfig struct {
	HeartbeatTimeoutSec int `mapstructure:"heartbeatTimeoutSec"`
	SweepIntervalSec    int `mapstructure:"sweepIntervalSec"`
}

func (m MatchConfig) QueueTimeout() time.Duration {
	if m.QueueTimeoutSec <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(m.QueueTimeoutSec) * time.Second
}

func (m MatchConfig) ConfirmTimeout() time.Duration {
	if m.ConfirmTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.ConfirmTimeoutSec) * time.Second
}

func (m MatchConfig) SweepInterval() time.Duration {
	if m.SweepIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.SweepIntervalMs) * time.Millisecond
}

func (r RealtimeConfig) HeartbeatTimeout() time.Duration {
	if r.HeartbeatTimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(r.HeartbeatTimeoutSec) * time.Second
}

func (r RealtimeConfig) SweepInterval() time.Duration {
	if r.SweepIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.SweepIntervalSec) * time.Second
}

var GlobalConfig *Config

func LoadConfig(path string) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}
	GlobalConfig = &cfg
}
