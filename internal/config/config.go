package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Client
	BackendURL         string        `envconfig:"CHATSYNC_BACKEND_URL" default:"http://127.0.0.1:8000" validate:"required,url"`
	Identity           string        `envconfig:"CHATSYNC_IDENTITY"`
	Channel            string        `envconfig:"CHATSYNC_CHANNEL"`
	PollInterval       time.Duration `envconfig:"CHATSYNC_POLL_INTERVAL" default:"2s" validate:"gt=0"`
	FetchTimeout       time.Duration `envconfig:"CHATSYNC_FETCH_TIMEOUT" default:"5s" validate:"gt=0"`
	SendTimeout        time.Duration `envconfig:"CHATSYNC_SEND_TIMEOUT" default:"5s" validate:"gt=0"`
	MatchWindow        time.Duration `envconfig:"CHATSYNC_MATCH_WINDOW" default:"5s" validate:"gt=0"`
	MaxUnmatchedCycles int           `envconfig:"CHATSYNC_MAX_UNMATCHED_CYCLES" default:"5" validate:"min=1"`
	APIPort            int           `envconfig:"CHATSYNC_API_PORT" default:"0" validate:"min=0,max=65535"`

	// Relay
	RelayPort    int      `envconfig:"CHATSYNC_RELAY_PORT" default:"8000" validate:"min=1,max=65535"`
	Channels     []string `envconfig:"CHATSYNC_CHANNELS" default:"general,random,tech"`
	ChannelsFile string   `envconfig:"CHATSYNC_CHANNELS_FILE"`
	HistoryLimit int      `envconfig:"CHATSYNC_HISTORY_LIMIT" default:"200" validate:"min=1"`
	SendRPS      float64  `envconfig:"CHATSYNC_SEND_RPS" default:"5" validate:"gt=0"`
	SendBurst    int      `envconfig:"CHATSYNC_SEND_BURST" default:"10" validate:"min=1"`
	DatabaseURL  string   `envconfig:"DATABASE_URL"`

	// Shared
	NatsURL   string `envconfig:"NATS_URL"`
	NatsToken string `envconfig:"NATS_TOKEN"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
}

var validate = validator.New()

// Load reads the configuration from the environment, after loading a .env
// file from the working directory if one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
