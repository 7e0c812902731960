package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds everything the mixer node needs at startup.
type Config struct {
	AppName  string `env:"MIXER_APP_NAME" envDefault:"avsim-mixer"`
	ClientID string `env:"MIXER_CLIENT_ID"`

	Broker BrokerConfig
	Audio  AudioConfig

	ResourceDir string   `env:"MIXER_RESOURCE_DIR" envDefault:"./sound"`
	Extensions  []string `env:"MIXER_EXTENSIONS" envDefault:".mp3" envSeparator:","`
	AlertSound  string   `env:"MIXER_ALERT_SOUND" envDefault:"collision_alert_1.mp3"`
	MailboxSize int      `env:"MIXER_MAILBOX_SIZE" envDefault:"64"`

	LogLevel     string `env:"MIXER_LOG_LEVEL" envDefault:"info"`
	HealthAddr   string `env:"MIXER_HEALTH_ADDR"`
	OTelEndpoint string `env:"MIXER_OTEL_ENDPOINT"`
}

// BrokerConfig describes the MQTT broker connection.
type BrokerConfig struct {
	Host string `env:"MIXER_BROKER_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"MIXER_BROKER_PORT" envDefault:"1883"`
}

// AudioConfig selects and tunes the playback backend.
type AudioConfig struct {
	Backend         string  `env:"MIXER_BACKEND" envDefault:"portaudio"`
	SampleRate      float64 `env:"MIXER_SAMPLE_RATE" envDefault:"44100"`
	FramesPerBuffer int     `env:"MIXER_FRAMES_PER_BUFFER" envDefault:"1024"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BrokerURL returns the paho broker address.
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Broker.Host, c.Broker.Port)
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AppName) == "" {
		return errors.New("MIXER_APP_NAME must not be empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("MIXER_BROKER_PORT out of range: %d", c.Broker.Port)
	}
	switch c.Audio.Backend {
	case "portaudio", "beep":
	default:
		return fmt.Errorf("unknown MIXER_BACKEND %q", c.Audio.Backend)
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("MIXER_MAILBOX_SIZE must be positive: %d", c.MailboxSize)
	}
	if len(c.Extensions) == 0 {
		return errors.New("MIXER_EXTENSIONS must list at least one extension")
	}
	return nil
}
