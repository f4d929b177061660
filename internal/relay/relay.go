package relay

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"whatrix/internal/cache"
	"whatrix/internal/errors"
	"whatrix/internal/mapper"
	"whatrix/internal/models"
	"whatrix/internal/queue"
	"whatrix/internal/retry"
	"whatrix/pkg/bitrix"
)

// CrmClient is the CRM surface the relay needs.
type CrmClient interface {
	CreateContact(ctx context.Context, name, phone string) (int64, error)
	CreateChat(ctx context.Context, entityID, title string) (int64, error)
	SendMessage(ctx context.Context, dialogID, body string, system bool) (int64, error)
	FindContactByPhone(ctx context.Context, phone string) (*bitrix.Contact, error)
}

// ChannelClient is the messaging-channel surface the relay needs.
type ChannelClient interface {
	SendText(ctx context.Context, to, body string) (string, error)
	MarkAsRead(ctx context.Context, messageID string) error
}

// Enqueuer hands finished relay decisions to the send queues.
type Enqueuer interface {
	EnqueueChannelSend(ctx context.Context, job models.ChannelSendJob) error
	EnqueueCrmSend(ctx context.Context, job models.CrmSendJob) error
}

// Service implements the four queue handlers of the relay pipeline.
type Service struct {
	mapper   *mapper.Mapper
	dedup    *cache.DedupStore
	crm      CrmClient
	channel  ChannelClient
	enqueuer Enqueuer
	logger   *logrus.Logger
}

func NewService(m *mapper.Mapper, dedup *cache.DedupStore, crm CrmClient, channel ChannelClient, enq Enqueuer, logger *logrus.Logger) *Service {
	return &Service{
		mapper:   m,
		dedup:    dedup,
		crm:      crm,
		channel:  channel,
		enqueuer: enq,
		logger:   logger,
	}
}

// Register wires the service's handlers and their concurrency and retry
// policies onto the queue runtime.
func (s *Service) Register(rt *queue.Runtime, cfg models.QueueConfig) {
	relayBackoff := backoffConfig(cfg, cfg.RelayMaxAttempts)
	sendBackoff := backoffConfig(cfg, cfg.SendMaxAttempts)

	rt.Register(queue.TopicInboundRelay, cfg.InboundConcurrency, relayBackoff, s.HandleInbound)
	rt.Register(queue.TopicOutboundRelay, cfg.OutboundConcurrency, relayBackoff, s.HandleOutbound)
	rt.Register(queue.TopicChannelSend, cfg.SendConcurrency, sendBackoff, s.HandleChannelSend)
	rt.Register(queue.TopicCrmSend, cfg.SendConcurrency, sendBackoff, s.HandleCrmSend)
}

func backoffConfig(cfg models.QueueConfig, maxAttempts int) retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  maxAttempts,
		Jitter:       true,
	}
}

var dialogIDPattern = regexp.MustCompile(`^chat(\d+)$`)

// ParseDialogID extracts the numeric chat id from a CRM dialog id of the
// form "chat<digits>".
func ParseDialogID(dialogID string) (int64, error) {
	m := dialogIDPattern.FindStringSubmatch(dialogID)
	if m == nil {
		return 0, errors.NewMalformedWebhookError("dialog id does not match chat<N>: " + dialogID)
	}
	chatID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, errors.NewMalformedWebhookError("dialog id out of range: " + dialogID)
	}
	return chatID, nil
}

// DialogID renders the CRM dialog id for a chat.
func DialogID(chatID int64) string {
	return "chat" + strconv.FormatInt(chatID, 10)
}
