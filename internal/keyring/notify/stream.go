package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// streamMaxLen caps the mailer stream. Trimming is approximate.
const streamMaxLen = 640

type StreamConfig struct {
	Stream string
	Rate   float64 // requests per second
	Burst  int
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{Stream: "mailer", Rate: 50, Burst: 100}
}

// RedisStream appends requests to a Redis stream consumed by the mailer.
type RedisStream struct {
	templates
	rdb     *redis.Client
	stream  string
	limiter *rate.Limiter
}

func NewRedisStream(rdb *redis.Client, cfg StreamConfig) *RedisStream {
	r := &RedisStream{
		rdb:     rdb,
		stream:  cfg.Stream,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
	}
	r.templates = templates{s: r}
	return r
}

func (r *RedisStream) send(ctx context.Context, req Request) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: throttle: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"request": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("notify: xadd %s: %w", r.stream, err)
	}
	return nil
}
