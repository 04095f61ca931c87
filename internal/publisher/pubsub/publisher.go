// Package pubsub publishes batch completion events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// Publisher marshals payloads to JSON and publishes them to named topics.
type Publisher struct {
	client *pubsub.Client
	owned  bool
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New wraps an existing client. The caller keeps ownership of the client.
func New(client *pubsub.Client, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		logger: logger.Named("pubsub_publisher"),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Open dials Pub/Sub with Application Default Credentials and checks that
// topicID exists before returning.
func Open(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*Publisher, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	exists, err := client.Topic(topicID).Exists(ctx)
	if err == nil && !exists {
		err = fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	if err != nil {
		return nil, errors.Join(fmt.Errorf("check topic: %w", err), client.Close())
	}
	p, err := New(client, logger)
	if err != nil {
		return nil, errors.Join(err, client.Close())
	}
	p.owned = true
	return p, nil
}

// Publish marshals the payload to JSON, publishes it to topic and waits for
// the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	p.logger.Debug("message published", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

// Close flushes pending publishes and closes the client when the publisher owns it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()
	if !p.owned {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}
