package relay

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"

	"whatrix/internal/errors"
	"whatrix/internal/models"
)

// HandleInbound relays one channel message into the CRM. It resolves or
// creates the conversation mapping, then hands the delivery to the
// crm-send queue. The processed marker is set only after the full chain
// succeeds, so a retried job repeats the whole sequence against
// idempotent steps.
func (s *Service) HandleInbound(ctx context.Context, msg *message.Message) (*models.JobResult, error) {
	var job models.InboundRelayJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMalformedWebhook, "undecodable inbound job")
	}

	log := s.logger.WithFields(logrus.Fields{
		"messageId": job.MessageID,
		"from":      job.From,
	})

	processed, err := s.dedup.IsProcessed(ctx, job.MessageID)
	if err != nil {
		log.WithError(err).Warn("Dedup check failed, continuing")
	} else if processed {
		log.Debug("Skipping already processed message")
		return &models.JobResult{Success: true, Reason: "duplicate"}, nil
	}

	// Read receipt is cosmetic; never block the relay on it.
	if err := s.channel.MarkAsRead(ctx, job.MessageID); err != nil {
		log.WithError(err).Debug("Mark-as-read failed")
	}

	mapping, err := s.mapper.FindByChannelIdentity(ctx, job.From)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		mapping, err = s.createConversation(ctx, job)
		if err != nil {
			return nil, err
		}
	} else {
		s.mapper.Touch(ctx, job.From)
	}

	if err := s.enqueuer.EnqueueCrmSend(ctx, models.CrmSendJob{
		DialogID: DialogID(mapping.CrmChatID),
		Body:     displayBody(job),
	}); err != nil {
		return nil, err
	}

	if err := s.dedup.MarkProcessed(ctx, job.MessageID); err != nil {
		log.WithError(err).Warn("Failed to set processed marker")
	}

	log.WithField("crmChatId", mapping.CrmChatID).Info("Inbound message relayed")
	return &models.JobResult{Success: true}, nil
}

// createConversation provisions the CRM side of a first-contact message:
// contact lookup or creation, chat creation, then the mapping row. The
// whole sequence runs under a short per-identity lock so concurrent
// first messages from one identity produce exactly one mapping. A job
// that loses the lock fails retryably and finds the mapping on its next
// attempt.
func (s *Service) createConversation(ctx context.Context, job models.InboundRelayJob) (*models.ConversationMapping, error) {
	acquired, err := s.dedup.AcquireCreateLock(ctx, job.From)
	if err != nil {
		return nil, errors.WrapRetryable(err, errors.ErrCodeQueue, "create lock unavailable")
	}
	if !acquired {
		busy := errors.New(errors.ErrCodeConflict, "conversation creation already in progress")
		busy.Retryable = true
		return nil, busy.WithContext("identity", job.From)
	}
	defer func() {
		if err := s.dedup.ReleaseCreateLock(ctx, job.From); err != nil {
			s.logger.WithError(err).Warn("Failed to release create lock")
		}
	}()

	// Another worker may have finished creation between our lookup and
	// the lock grant.
	if mapping, err := s.mapper.FindByChannelIdentity(ctx, job.From); err != nil {
		return nil, err
	} else if mapping != nil {
		return mapping, nil
	}

	name := job.ContactName
	if name == "" {
		name = job.From
	}

	var contactID int64
	if existing, err := s.crm.FindContactByPhone(ctx, job.From); err == nil && existing != nil {
		contactID = int64(existing.ID)
		s.logger.WithFields(logrus.Fields{
			"from":         job.From,
			"crmContactId": contactID,
		}).Info("Reusing existing CRM contact")
	} else {
		contactID, err = s.crm.CreateContact(ctx, name, job.From)
		if err != nil {
			return nil, err
		}
	}

	chatID, err := s.crm.CreateChat(ctx, job.From, name)
	if err != nil {
		return nil, err
	}

	mapping, err := s.mapper.Create(ctx, job.From, contactID, chatID, name)
	if err != nil {
		// A concurrent creation on another instance can still slip past
		// the lock. The surviving row wins.
		if errors.HasCode(err, errors.ErrCodeConflict) {
			return s.existingAfterConflict(ctx, job.From)
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"from":         job.From,
		"crmContactId": contactID,
		"crmChatId":    chatID,
	}).Info("Conversation mapping created")
	return mapping, nil
}

func (s *Service) existingAfterConflict(ctx context.Context, identity string) (*models.ConversationMapping, error) {
	mapping, err := s.mapper.FindByChannelIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, errors.NewMappingNotFoundError(identity)
	}
	return mapping, nil
}

// displayBody renders the relayed text, substituting a placeholder for
// message types the bridge does not carry.
func displayBody(job models.InboundRelayJob) string {
	if job.Body != "" {
		return job.Body
	}
	if job.MessageType != "" && job.MessageType != "text" {
		return "[unsupported message type: " + job.MessageType + "]"
	}
	return ""
}
