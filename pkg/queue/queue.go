// Package queue publishes job descriptors to the dispatch queue consumed by
// the worker pool. Publish only guarantees that the broker accepted the
// message; delivery is at-least-once and workers must tolerate duplicates.
package queue

import (
	"context"
	"fmt"

	"github.com/psantana5/vidcoord/pkg/models"
)

// Publisher hands job descriptors to a durable queue
type Publisher interface {
	Publish(ctx context.Context, d *models.JobDescriptor) error
	Close() error
}

// HealthChecker is implemented by publishers that can report broker reachability
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and configures a queue backend
type Config struct {
	Backend string // "memory", "amqp", "redis" or "pubsub"

	AMQPURL   string
	AMQPQueue string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisMaxLen   int64

	PubSubProject string
	PubSubTopic   string
}

// New builds the publisher named by cfg.Backend
func New(ctx context.Context, cfg Config) (Publisher, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryQueue(), nil
	case "amqp", "rabbitmq":
		return asPublisher(NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue))
	case "redis":
		return asPublisher(NewRedisPublisher(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			MaxLen:   cfg.RedisMaxLen,
		}))
	case "pubsub", "gcp":
		return asPublisher(NewPubSubPublisher(ctx, cfg.PubSubProject, cfg.PubSubTopic))
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}

// asPublisher drops the typed nil a failed constructor returns
func asPublisher[P Publisher](p P, err error) (Publisher, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}
