package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr    string `env:"LISTEN_ADDR, default=0.0.0.0:6880"`
	DBPath        string `env:"DB_PATH, default=treadle.db"`
	Owner         string `env:"OWNER, required"`
	WebhookSecret string `env:"WEBHOOK_SECRET, required"`
	Dev           bool   `env:"DEV, default=false"`
}

type Pipelines struct {
	DefaultImage    string `env:"DEFAULT_IMAGE, default=docker.io/library/debian:bookworm"`
	WorkflowTimeout string `env:"WORKFLOW_TIMEOUT, default=5m"`
	LogDir          string `env:"LOG_DIR, default=/var/log/treadle"`
	QueueSize       int    `env:"QUEUE_SIZE, default=100"`
	Workers         int    `env:"WORKERS, default=2"`
}

type Cache struct {
	Dir     string `env:"DIR, default=/var/cache/treadle"`
	MaxSize string `env:"MAX_SIZE, default=5GiB"`
}

type Config struct {
	Server    Server    `env:",prefix=TREADLE_SERVER_"`
	Pipelines Pipelines `env:",prefix=TREADLE_PIPELINES_"`
	Cache     Cache     `env:",prefix=TREADLE_CACHE_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
