// Package stream carries session events from the per-session aggregator to the
// connection that asked the question, over a Watermill bus.
package stream

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/askq/pkg/redisstream"
)

// Message metadata keys.
const (
	MetadataSessionID = "session_id"
	MetadataType      = "event_type"
	MetadataModel     = "model"
)

// TopicForConnection is the bus topic all events for one connection go to.
func TopicForConnection(connID string) string {
	return "askq.conn." + connID
}

// Backend wraps transport setup (in-memory or redis) and builds per-connection subscribers.
type Backend interface {
	Publisher() message.Publisher
	// BuildSubscriber returns a subscriber for the connection's topic. The bool
	// reports whether the subscriber is dedicated and must be closed by the caller.
	BuildSubscriber(ctx context.Context, connID string) (message.Subscriber, bool, error)
	// Release drops transport state of a closed connection.
	Release(ctx context.Context, connID string)
	Close() error
}

type memoryBackend struct {
	pubsub *gochannel.GoChannel
}

// NewMemoryBackend builds an in-process bus. Publish blocks until the subscriber
// acked the previous message, so events of one producer arrive in order.
func NewMemoryBackend(logger watermill.LoggerAdapter) Backend {
	return &memoryBackend{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, logger),
	}
}

func (b *memoryBackend) Publisher() message.Publisher { return b.pubsub }

func (b *memoryBackend) BuildSubscriber(_ context.Context, connID string) (message.Subscriber, bool, error) {
	if connID == "" {
		return nil, false, errors.New("connID is empty")
	}
	return b.pubsub, false, nil
}

func (b *memoryBackend) Release(context.Context, string) {}

func (b *memoryBackend) Close() error { return b.pubsub.Close() }

// redisBackend gives the publisher and every subscriber their own client; the
// watermill redisstream types close the client they were built with.
type redisBackend struct {
	control   *redis.Client
	publisher message.Publisher
	settings  redisstream.Settings
	logger    watermill.LoggerAdapter
}

// NewBackend picks the redis backend when enabled in s, the memory one otherwise.
func NewBackend(ctx context.Context, s redisstream.Settings, logger watermill.LoggerAdapter) (Backend, error) {
	if !s.Enabled {
		return NewMemoryBackend(logger), nil
	}
	control, err := redisstream.NewClient(ctx, s)
	if err != nil {
		return nil, err
	}
	pubClient, err := redisstream.NewClient(ctx, s)
	if err != nil {
		_ = control.Close()
		return nil, err
	}
	pub, err := redisstream.NewPublisher(pubClient, logger)
	if err != nil {
		_ = pubClient.Close()
		_ = control.Close()
		return nil, err
	}
	log.Info().Str("component", "stream").Str("addr", s.Addr).Msg("using redis streams event bus")
	return &redisBackend{control: control, publisher: pub, settings: s, logger: logger}, nil
}

func (b *redisBackend) Publisher() message.Publisher { return b.publisher }

func (b *redisBackend) BuildSubscriber(ctx context.Context, connID string) (message.Subscriber, bool, error) {
	if connID == "" {
		return nil, false, errors.New("connID is empty")
	}
	if err := redisstream.EnsureGroupAtTail(ctx, b.control, TopicForConnection(connID), b.settings.Group); err != nil {
		return nil, false, err
	}
	client, err := redisstream.NewClient(ctx, b.settings)
	if err != nil {
		return nil, false, err
	}
	sub, err := redisstream.BuildGroupSubscriber(client, b.settings.Group, b.settings.Consumer+":"+connID, b.logger)
	if err != nil {
		_ = client.Close()
		return nil, false, err
	}
	return sub, true, nil
}

func (b *redisBackend) Release(ctx context.Context, connID string) {
	if err := redisstream.DeleteStream(ctx, b.control, TopicForConnection(connID)); err != nil {
		log.Warn().Err(err).Str("component", "stream").Str("conn_id", connID).Msg("failed to delete connection stream")
	}
}

func (b *redisBackend) Close() error {
	err := b.publisher.Close()
	if cerr := b.control.Close(); err == nil {
		err = cerr
	}
	return err
}
