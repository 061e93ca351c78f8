package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/mkorolev/huddle/internal/app/media"
)

type Config struct {
	Mode        string             `mapstructure:"mode"`
	Port        int                `mapstructure:"port"`
	StaticPath  string             `mapstructure:"static_path"`
	ReadLimit   int64              `mapstructure:"read_limit"`
	PingPeriod  time.Duration      `mapstructure:"ping_period"`
	Secret      string             `mapstructure:"secret"`
	Media       string             `mapstructure:"media"` // "mesh" or "sfu"
	STUNServers []string           `mapstructure:"stun_servers"`
	Audio       media.CodecProfile `mapstructure:"audio"`
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

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("media", "mesh")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("audio.mime_type", "audio/opus")
	v.SetDefault("audio.clock_rate", 48000)
	v.SetDefault("audio.channels", 2)
}
