package relay

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"

	"whatrix/internal/errors"
	"whatrix/internal/models"
)

// HandleChannelSend delivers one message to the channel API. Delivery
// failures are returned as errors so the queue retries them with its
// larger send-attempt budget.
func (s *Service) HandleChannelSend(ctx context.Context, msg *message.Message) (*models.JobResult, error) {
	var job models.ChannelSendJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "undecodable channel send job")
	}

	channelMsgID, err := s.channel.SendText(ctx, job.To, job.Body)
	if err != nil {
		return nil, err
	}

	s.logger.WithField("channelMessageId", channelMsgID).Debug("Delivered to channel")
	return &models.JobResult{Success: true}, nil
}

// HandleCrmSend delivers one message into an existing CRM dialog.
func (s *Service) HandleCrmSend(ctx context.Context, msg *message.Message) (*models.JobResult, error) {
	var job models.CrmSendJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "undecodable crm send job")
	}

	crmMsgID, err := s.crm.SendMessage(ctx, job.DialogID, job.Body, false)
	if err != nil {
		return nil, err
	}

	s.logger.WithField("crmMessageId", crmMsgID).Debug("Delivered to CRM dialog")
	return &models.JobResult{Success: true}, nil
}
