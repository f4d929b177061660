package queue

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"whatrix/internal/errors"
)

// Transport provides the publisher and subscriber pair a Runtime runs
// on. The Redis Streams transport gives durable, consumer-group backed
// queues; the in-memory transport backs tests and single-process mode.
type Transport interface {
	Publisher() message.Publisher
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	Close() error
}

type redisTransport struct {
	client   redis.UniversalClient
	group    string
	pub      message.Publisher
	sub      message.Subscriber
	ownsConn bool
}

// NewRedisTransport builds a durable transport over Redis Streams. Each
// topic becomes a stream consumed through the given consumer group, so
// jobs survive restarts and are load-balanced across instances.
func NewRedisTransport(client redis.UniversalClient, group, consumer string, logger *logrus.Logger) (Transport, error) {
	wmLogger := newWatermillLogger(logger)
	marshaller := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaller,
	}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeQueue, "failed to create stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaller,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeQueue, "failed to create stream subscriber")
	}

	return &redisTransport{
		client: client,
		group:  group,
		pub:    pub,
		sub:    sub,
	}, nil
}

func (t *redisTransport) Publisher() message.Publisher { return t.pub }

func (t *redisTransport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	// Create the group at the stream tail up front so a fresh deploy
	// does not replay the stream's full history.
	if err := t.client.XGroupCreateMkStream(ctx, topic, t.group, "$").Err(); err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, errors.Wrap(err, errors.ErrCodeQueue, "failed to create consumer group")
		}
	}
	return t.sub.Subscribe(ctx, topic)
}

func (t *redisTransport) Close() error {
	if err := t.pub.Close(); err != nil {
		return err
	}
	return t.sub.Close()
}

type memoryTransport struct {
	pubsub *gochannel.GoChannel
}

// NewMemoryTransport builds an in-process transport. Messages are not
// durable; it exists for tests and for running without Redis.
func NewMemoryTransport(logger *logrus.Logger) Transport {
	return &memoryTransport{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, newWatermillLogger(logger)),
	}
}

func (t *memoryTransport) Publisher() message.Publisher { return t.pubsub }

func (t *memoryTransport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return t.pubsub.Subscribe(ctx, topic)
}

func (t *memoryTransport) Close() error {
	return t.pubsub.Close()
}
