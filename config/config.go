package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Lobby    LobbyConfig    `mapstructure:"lobby"`
	Matching MatchingConfig `mapstructure:"matching"`
	Database DatabaseConfig `mapstructure:"database"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Modes    []ModeOverride `mapstructure:"modes"`
}

type LobbyConfig struct {
	Address           string        `mapstructure:"address"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type MatchingConfig struct {
	// RecoveryDelay is how long a failed session waits before it is
	// returned to idle automatically.
	RecoveryDelay time.Duration `mapstructure:"recovery_delay"`
	// RoomOpTimeout bounds room create/join operations; matching itself
	// uses the per-mode timeout.
	RoomOpTimeout time.Duration `mapstructure:"room_op_timeout"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	// Driver picks the implementation: "gorm" (default) or "pq" for the
	// raw database/sql one.
	Driver string `mapstructure:"driver"`
}

type MonitorConfig struct {
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
}

// ModeOverride adjusts a built-in game mode from config. Zero-valued
// fields leave the built-in value untouched.
type ModeOverride struct {
	ID             string        `mapstructure:"id"`
	EnergyCost     int           `mapstructure:"energy_cost"`
	MinPlayerLevel int           `mapstructure:"min_player_level"`
	MaxPlayers     int           `mapstructure:"max_players"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func LoadConfig(path string) (config *Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("lobby.address", "ws://localhost:8080/ws")
	viper.SetDefault("lobby.heartbeat_interval", 30*time.Second)
	viper.SetDefault("matching.recovery_delay", 3*time.Second)
	viper.SetDefault("matching.room_op_timeout", 5*time.Second)
	viper.SetDefault("database.postgres.driver", "gorm")
	viper.SetDefault("monitor.address", ":9100")
	viper.SetDefault("monitor.namespace", "dicematch")

	viper.AutomaticEnv()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
