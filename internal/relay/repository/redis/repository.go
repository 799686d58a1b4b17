package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type repo struct {
	rc     *redis.Client
	exp    time.Duration
	logger *slog.Logger
}

func NewRepo(rc *redis.Client, exp time.Duration, logger *slog.Logger) *repo {
	return &repo{
		rc:     rc,
		exp:    exp,
		logger: logger,
	}
}

func (r repo) executePipe(ctx context.Context, pipe redis.Pipeliner) error {
	_, err := pipe.Exec(ctx)
	return err
}
