// Package pubsub publishes analysis requests to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// Publisher publishes to a single topic. The outbox subject and message id
// travel as attributes so subscribers can route and deduplicate.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPublisher creates a publisher for projectID/topicID
func NewPublisher(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(topicID)}, nil
}

// Message builds the Pub/Sub message for one outbox entry
func Message(subject string, payload []byte, msgID string) *pubsub.Message {
	return &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"subject": subject,
			"msg_id":  msgID,
		},
	}
}

// Publish publishes and waits for the server ack
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	res := p.topic.Publish(ctx, Message(subject, payload, msgID))
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the client
func (p *Publisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
