package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"whatrix/internal/cache"
	"whatrix/internal/errors"
	"whatrix/internal/models"
)

// Queue topics. Each topic maps to one Redis stream (or one in-memory
// channel) with its own worker pool.
const (
	TopicInboundRelay  = "inbound-relay"
	TopicOutboundRelay = "outbound-relay"
	TopicChannelSend   = "channel-send"
	TopicCrmSend       = "crm-send"
	TopicCompletions   = "job-completions"
)

// Message metadata keys.
const (
	MetaEnqueuedAt = "enqueued_at"
	MetaQueue      = "queue"
)

// enqueue dedup markers outlive the relay dedup TTL so a webhook replay
// hours later still collapses onto the original job
const enqueueDedupTTL = 24 * time.Hour

// Enqueuer publishes jobs onto the four pipeline queues. The two relay
// queues deduplicate at enqueue time, keyed by the upstream message id:
// publishing the same message twice is a silent no-op. The send queues
// carry synthetic ids and never deduplicate, a retry of a send must be
// allowed through.
type Enqueuer struct {
	pub    message.Publisher
	dedup  cache.Store
	logger *logrus.Logger
}

func NewEnqueuer(pub message.Publisher, dedup cache.Store, logger *logrus.Logger) *Enqueuer {
	return &Enqueuer{pub: pub, dedup: dedup, logger: logger}
}

// EnqueueInbound queues a channel message for relay into the CRM.
func (e *Enqueuer) EnqueueInbound(ctx context.Context, job models.InboundRelayJob) error {
	return e.publishDeduped(ctx, TopicInboundRelay, job.MessageID, job)
}

// EnqueueOutbound queues a CRM operator message for relay to the channel.
func (e *Enqueuer) EnqueueOutbound(ctx context.Context, job models.OutboundRelayJob) error {
	return e.publishDeduped(ctx, TopicOutboundRelay, job.MessageID, job)
}

// EnqueueChannelSend queues a delivery to the messaging channel.
func (e *Enqueuer) EnqueueChannelSend(ctx context.Context, job models.ChannelSendJob) error {
	return e.publish(ctx, TopicChannelSend, uuid.NewString(), job)
}

// EnqueueCrmSend queues a delivery into a CRM dialog.
func (e *Enqueuer) EnqueueCrmSend(ctx context.Context, job models.CrmSendJob) error {
	return e.publish(ctx, TopicCrmSend, uuid.NewString(), job)
}

func (e *Enqueuer) publishDeduped(ctx context.Context, topic, messageID string, job interface{}) error {
	if messageID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "job is missing a message id")
	}

	acquired, err := e.dedup.SetNX(ctx, "queue:job:"+topic+":"+messageID, []byte("1"), enqueueDedupTTL)
	if err != nil {
		// Dedup store trouble must not drop messages; the worker-side
		// processed marker still protects against double relay.
		e.logger.WithError(err).WithField("queue", topic).Warn("Enqueue dedup check failed, publishing anyway")
	} else if !acquired {
		e.logger.WithFields(logrus.Fields{
			"queue":     topic,
			"messageId": messageID,
		}).Debug("Duplicate job ignored at enqueue")
		return nil
	}

	return e.publish(ctx, topic, messageID, job)
}

func (e *Enqueuer) publish(ctx context.Context, topic, id string, job interface{}) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeQueue, "failed to encode job")
	}

	msg := message.NewMessage(id, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetaQueue, topic)
	msg.Metadata.Set(MetaEnqueuedAt, time.Now().UTC().Format(time.RFC3339Nano))

	if err := e.pub.Publish(topic, msg); err != nil {
		// Transport trouble is transient; the caller's retry budget must
		// get another shot at the publish.
		return errors.WrapRetryable(err, errors.ErrCodeQueue, "failed to publish job")
	}

	e.logger.WithFields(logrus.Fields{
		"queue": topic,
		"jobId": id,
	}).Debug("Job enqueued")
	return nil
}
