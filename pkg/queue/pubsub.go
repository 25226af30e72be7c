package queue

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/models"
)

// PubSubPublisher publishes descriptors to a Google Cloud Pub/Sub topic.
// Set PUBSUB_EMULATOR_HOST to target the emulator.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher opens a client for project and binds topicID
func NewPubSubPublisher(ctx context.Context, project, topicID string) (*PubSubPublisher, error) {
	if project == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = false
	return &PubSubPublisher{client: client, topic: topic}, nil
}

// Publish blocks until the server assigns a message id
func (p *PubSubPublisher) Publish(ctx context.Context, d *models.JobDescriptor) error {
	body, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"job_id":   d.JobID,
			"video_id": d.VideoID,
			"job_type": string(d.JobType),
			"priority": strconv.Itoa(d.Priority),
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return apperr.Unavailable(err, "pubsub publish failed")
	}
	return nil
}

// HealthCheck verifies the topic exists
func (p *PubSubPublisher) HealthCheck(ctx context.Context) error {
	ok, err := p.topic.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pubsub topic %s does not exist", p.topic.ID())
	}
	return nil
}

// Close flushes pending publishes and closes the client
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
