package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type RoomConfig struct {
	ID               string        `mapstructure:"id"`
	CreatorID        string        `mapstructure:"creator_id"`
	Capacity         int           `mapstructure:"capacity"`
	RecordingEnabled bool          `mapstructure:"recording_enabled"`
	ConsentExitDelay time.Duration `mapstructure:"consent_exit_delay"`
}

type BusConfig struct {
	URL             string        `mapstructure:"url"`
	PublishLimit    int           `mapstructure:"publish_limit"`
	PublishInterval time.Duration `mapstructure:"publish_interval"`
}

type UserConfig struct {
	ID            string `mapstructure:"id"`
	DisplayName   string `mapstructure:"display_name"`
	CharacterName string `mapstructure:"character_name"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Room       RoomConfig `mapstructure:"room"`
	Bus        BusConfig  `mapstructure:"bus"`
	User       UserConfig `mapstructure:"user"`
	RoomSvcURL string     `mapstructure:"room_svc_url"`
	STUNServer []string   `mapstructure:"stun_servers"`
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
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("room.capacity", 4)
	v.SetDefault("room.recording_enabled", false)
	v.SetDefault("room.consent_exit_delay", "10s")
	v.SetDefault("bus.url", "ws://localhost:9000/bus")
	v.SetDefault("bus.publish_limit", 30)
	v.SetDefault("bus.publish_interval", "1s")
	v.SetDefault("room_svc_url", "http://localhost:9000")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Room: %s\n", cfg.Mode, cfg.Port, cfg.Room.ID)
	return &cfg, nil
}
