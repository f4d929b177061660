package relay

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"

	"whatrix/internal/constants"
	"whatrix/internal/errors"
	"whatrix/internal/models"
)

// HandleOutbound relays one CRM operator message back to the channel.
// Messages authored by the CRM system user are the bridge's own relays
// echoed back through the webhook; they are discarded to break the loop.
func (s *Service) HandleOutbound(ctx context.Context, msg *message.Message) (*models.JobResult, error) {
	var job models.OutboundRelayJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMalformedWebhook, "undecodable outbound job")
	}

	log := s.logger.WithFields(logrus.Fields{
		"messageId": job.MessageID,
		"crmChatId": job.CrmChatID,
	})

	// A missing user id is system-authored too; the CRM omits it on
	// connector echoes of our own relays.
	if job.FromUserID == constants.CrmSystemUserID || job.FromUserID == "" {
		log.Debug("Discarding system-authored message")
		return &models.JobResult{Success: true, Reason: "system_echo"}, nil
	}

	processed, err := s.dedup.IsProcessed(ctx, job.MessageID)
	if err != nil {
		log.WithError(err).Warn("Dedup check failed, continuing")
	} else if processed {
		log.Debug("Skipping already processed message")
		return &models.JobResult{Success: true, Reason: "duplicate"}, nil
	}

	mapping, err := s.mapper.FindByCrmChatID(ctx, job.CrmChatID)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		log.Warn("No conversation mapping for CRM chat, dropping message")
		return &models.JobResult{
			Success: false,
			Reason:  string(errors.ErrCodeMappingNotFound),
			Error:   "no conversation mapping for chat",
		}, nil
	}

	if err := s.enqueuer.EnqueueChannelSend(ctx, models.ChannelSendJob{
		To:   mapping.ChannelIdentity,
		Body: job.Body,
	}); err != nil {
		return nil, err
	}

	s.mapper.Touch(ctx, mapping.ChannelIdentity)

	if err := s.dedup.MarkProcessed(ctx, job.MessageID); err != nil {
		log.WithError(err).Warn("Failed to set processed marker")
	}

	log.Info("Outbound message relayed")
	return &models.JobResult{Success: true}, nil
}
