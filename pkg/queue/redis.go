package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/retry"
)

// DefaultRedisStream is the stream key descriptors are appended to
const DefaultRedisStream = "vidcoord:jobs"

// RedisOptions configures a RedisPublisher
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64 // approximate stream cap, 0 disables trimming
}

// RedisPublisher appends descriptors to a Redis stream. Workers read it
// through a consumer group.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher connects to Redis and verifies the connection
func NewRedisPublisher(opts RedisOptions) (*RedisPublisher, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	err := retry.Do(context.Background(), retry.DialPolicy(), func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisPublisher(client, opts), nil
}

func newRedisPublisher(client *redis.Client, opts RedisOptions) *RedisPublisher {
	stream := opts.Stream
	if stream == "" {
		stream = DefaultRedisStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: opts.MaxLen}
}

// Publish appends one stream entry per descriptor
func (p *RedisPublisher) Publish(ctx context.Context, d *models.JobDescriptor) error {
	body, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"job_id":   d.JobID,
			"job_type": string(d.JobType),
			"priority": strconv.Itoa(d.Priority),
			"payload":  string(body),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return apperr.Unavailable(err, "redis publish failed")
	}
	return nil
}

// HealthCheck pings the server
func (p *RedisPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
