// Package pubsub implements pipeline.Publisher on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
)

// Attributer is implemented by payloads that carry message attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Publisher publishes JSON payloads, keeping one topic publisher per topic.
type Publisher struct {
	client    *pubsub.Client
	projectID string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Pub/Sub client using Application Default Credentials.
func New(ctx context.Context, projectID string) (*Publisher, error) {
	if projectID == "" {
		return nil, fmt.Errorf("pubsub project id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewWithClient(client, projectID), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *pubsub.Client, projectID string) *Publisher {
	return &Publisher{
		client:     client,
		projectID:  projectID,
		publishers: make(map[string]*pubsub.Publisher),
	}
}

// TopicName returns the fully qualified name of a topic ID.
func TopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// VerifyTopic checks that the topic exists and is active.
func (p *Publisher) VerifyTopic(ctx context.Context, topicID string) error {
	topic, err := p.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
		Topic: TopicName(p.projectID, topicID),
	})
	if err != nil {
		return fmt.Errorf("get pubsub topic %q: %w", topicID, err)
	}
	if topic.GetState() != pubsubpb.Topic_ACTIVE {
		return fmt.Errorf("pubsub topic %q is not active in project %q", topicID, p.projectID)
	}
	return nil
}

// Publish marshals payload to JSON and waits for the server to acknowledge it.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := Message(payload)
	if err != nil {
		return "", err
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Message builds the Pub/Sub message for a payload.
func Message(payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	if a, ok := payload.(Attributer); ok {
		for k, v := range a.Attributes() {
			msg.Attributes[k] = v
		}
	}
	return msg, nil
}

// Close flushes every topic publisher and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
	p.publishers = map[string]*pubsub.Publisher{}
	p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) topic(topicID string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topicID]
	if !ok {
		pub = p.client.Publisher(topicID)
		p.publishers[topicID] = pub
	}
	return pub
}
