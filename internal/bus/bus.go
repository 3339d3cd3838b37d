// Package bus is the asynchronous backbone: domain events and queued jobs
// ride Watermill topics. An in-process gochannel backend serves tests and
// single-node deployments; Redis streams with consumer groups serve
// multi-worker deployments.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/lithammer/shortuuid/v3"
	"github.com/redis/go-redis/v9"

	"chatroute/internal/model"
)

const (
	MetadataCorrelationID = "correlation_id"
	MetadataPartitionKey  = "partition_key"
)

type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	logger     watermill.LoggerAdapter
}

// NewInProcess wires a gochannel pub/sub; published messages are only seen
// by subscribers registered before Run.
func NewInProcess(logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	return &Bus{publisher: pubsub, subscriber: pubsub, router: router, logger: logger}, nil
}

// NewRedisStream wires Redis-stream pub/sub with a consumer group, so jobs
// are delivered at-least-once across a fleet of workers.
func NewRedisStream(rdb redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: rdb}, logger)
	if err != nil {
		return nil, fmt.Errorf("create redis publisher: %w", err)
	}
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        rdb,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create redis subscriber: %w", err)
	}
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	return &Bus{publisher: publisher, subscriber: subscriber, router: router, logger: logger}, nil
}

// Publish marshals the payload as JSON and stamps a correlation id plus the
// partition key used to serialize per-conversation work.
func (b *Bus) Publish(topic, partitionKey string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), encoded)
	msg.Metadata.Set(MetadataCorrelationID, shortuuid.New())
	if partitionKey != "" {
		msg.Metadata.Set(MetadataPartitionKey, partitionKey)
	}
	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// PublishEvent publishes a domain event on the topic named by the event.
func (b *Bus) PublishEvent(event model.DomainEvent) error {
	return b.Publish(event.Event, event.EntityID, event)
}

type Handler func(ctx context.Context, payload []byte) error

// Subscribe registers a handler for a topic. Delivery is at-least-once;
// handlers must re-check preconditions before acting.
func (b *Bus) Subscribe(name, topic string, handler Handler) {
	b.router.AddNoPublisherHandler(name, topic, b.subscriber, func(msg *message.Message) error {
		return handler(msg.Context(), msg.Payload)
	})
}

// Run blocks consuming subscriptions until the context is canceled.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once subscriptions are consuming.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	return b.router.Close()
}
