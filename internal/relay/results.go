package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"

	"whatrix/internal/models"
	"whatrix/internal/queue"
	"whatrix/internal/retry"
)

// CompletionRecorder receives per-job outcomes for the metrics registry.
type CompletionRecorder interface {
	RecordJobCompletion(queueName string, success bool, duration time.Duration)
}

// ResultsConsumer drains the job-completions topic into metrics and the
// structured log, giving one place to watch pipeline health.
type ResultsConsumer struct {
	recorder CompletionRecorder
	logger   *logrus.Logger
}

func NewResultsConsumer(recorder CompletionRecorder, logger *logrus.Logger) *ResultsConsumer {
	return &ResultsConsumer{recorder: recorder, logger: logger}
}

// Register attaches the consumer to the runtime with a single worker;
// completion volume is low and ordering keeps the log readable.
func (c *ResultsConsumer) Register(rt *queue.Runtime) {
	rt.Register(queue.TopicCompletions, 1, retry.BackoffConfig{MaxAttempts: 1}, c.Handle)
}

func (c *ResultsConsumer) Handle(ctx context.Context, msg *message.Message) (*models.JobResult, error) {
	var completion queue.Completion
	if err := json.Unmarshal(msg.Payload, &completion); err != nil {
		c.logger.WithError(err).Warn("Undecodable job completion record")
		return &models.JobResult{Success: true}, nil
	}

	c.recorder.RecordJobCompletion(completion.Queue, completion.Success, time.Duration(completion.DurationMs)*time.Millisecond)

	entry := c.logger.WithFields(logrus.Fields{
		"queue":      completion.Queue,
		"jobId":      completion.JobID,
		"attempts":   completion.Attempts,
		"durationMs": completion.DurationMs,
	})
	if completion.Success {
		entry.Debug("Job completion recorded")
	} else {
		entry.WithFields(logrus.Fields{
			"reason": completion.Reason,
			"error":  completion.Error,
		}).Warn("Job failure recorded")
	}

	return &models.JobResult{Success: true}, nil
}
