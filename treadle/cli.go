package treadle

import (
	"context"

	"github.com/urfave/cli/v3"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "run the treadle server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return Run(ctx)
		},
		Description: `
Environment variables:
	TREADLE_SERVER_OWNER            (required)
	TREADLE_SERVER_WEBHOOK_SECRET   (required)
	TREADLE_SERVER_LISTEN_ADDR      (default: 0.0.0.0:6880)
	TREADLE_SERVER_DB_PATH          (default: treadle.db)
	TREADLE_SERVER_DEV              (default: false)
	TREADLE_PIPELINES_DEFAULT_IMAGE (default: docker.io/library/debian:bookworm)
	TREADLE_PIPELINES_WORKFLOW_TIMEOUT (default: 5m)
	TREADLE_PIPELINES_LOG_DIR       (default: /var/log/treadle)
	TREADLE_PIPELINES_QUEUE_SIZE    (default: 100)
	TREADLE_PIPELINES_WORKERS       (default: 2)
	TREADLE_CACHE_DIR               (default: /var/cache/treadle)
	TREADLE_CACHE_MAX_SIZE          (default: 5GiB)
`,
	}
}
