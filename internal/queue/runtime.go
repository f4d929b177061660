package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"whatrix/internal/errors"
	"whatrix/internal/models"
	"whatrix/internal/retry"
	"whatrix/internal/tracing"
)

// Handler processes one job. Returning an error marks the attempt as
// failed; the runtime retries retryable errors with exponential backoff
// up to the queue's attempt budget. Returning a JobResult with
// Success=false records a terminal, non-retried failure.
type Handler func(ctx context.Context, msg *message.Message) (*models.JobResult, error)

// Completion is the per-job outcome record published to the
// job-completions topic once a job leaves its queue.
type Completion struct {
	Queue       string    `json:"queue"`
	JobID       string    `json:"jobId"`
	Success     bool      `json:"success"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	DurationMs  int64     `json:"durationMs"`
	CompletedAt time.Time `json:"completedAt"`
}

type handlerSpec struct {
	topic       string
	concurrency int
	backoff     *retry.Backoff
	handle      Handler
}

// Runtime runs a fixed worker pool per registered queue over a
// Transport. Each worker takes a rate-limit token, runs the handler
// with in-worker backoff, publishes a completion record and acks. A job
// is never left in flight: after the retry budget is spent the failure
// is recorded and the message acked, mirroring the send queues' "retry
// then surface" policy.
type Runtime struct {
	transport Transport
	logger    *logrus.Logger
	rate      int
	specs     []handlerSpec

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	limiters []*rateLimiter
}

func NewRuntime(transport Transport, ratePerSecond int, logger *logrus.Logger) *Runtime {
	return &Runtime{
		transport: transport,
		logger:    logger,
		rate:      ratePerSecond,
	}
}

// Register binds a handler to a topic with its own worker count and
// backoff policy. Must be called before Start.
func (rt *Runtime) Register(topic string, concurrency int, backoff retry.BackoffConfig, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	rt.specs = append(rt.specs, handlerSpec{
		topic:       topic,
		concurrency: concurrency,
		backoff:     retry.NewBackoff(backoff),
		handle:      h,
	})
}

// Start subscribes every registered queue and launches its workers. It
// returns once all subscriptions are established; workers run until
// Stop or context cancellation.
func (rt *Runtime) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	rt.mu.Lock()
	rt.cancel = cancel
	rt.mu.Unlock()

	for _, spec := range rt.specs {
		msgs, err := rt.transport.Subscribe(runCtx, spec.topic)
		if err != nil {
			cancel()
			return errors.Wrap(err, errors.ErrCodeQueue, "failed to subscribe to "+spec.topic)
		}

		limiter := newRateLimiter(rt.rate)
		rt.mu.Lock()
		rt.limiters = append(rt.limiters, limiter)
		rt.mu.Unlock()

		for i := 0; i < spec.concurrency; i++ {
			rt.wg.Add(1)
			go rt.worker(runCtx, spec, limiter, msgs)
		}

		rt.logger.WithFields(logrus.Fields{
			"queue":   spec.topic,
			"workers": spec.concurrency,
		}).Info("Queue workers started")
	}

	return nil
}

// Stop cancels all workers and waits for in-flight jobs to finish.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if rt.cancel != nil {
		rt.cancel()
	}
	limiters := rt.limiters
	rt.mu.Unlock()

	rt.wg.Wait()
	for _, l := range limiters {
		l.Close()
	}
}

func (rt *Runtime) worker(ctx context.Context, spec handlerSpec, limiter *rateLimiter, msgs <-chan *message.Message) {
	defer rt.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := limiter.Wait(ctx); err != nil {
				msg.Nack()
				return
			}
			rt.process(ctx, spec, msg)
		}
	}
}

func (rt *Runtime) process(ctx context.Context, spec handlerSpec, msg *message.Message) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "queue_process",
		attribute.String("queue.name", spec.topic),
		attribute.String("job.id", msg.UUID),
	)
	defer span.End()

	log := rt.logger.WithFields(logrus.Fields{
		"queue": spec.topic,
		"jobId": msg.UUID,
	})

	var result *models.JobResult
	attempts, err := spec.backoff.Do(ctx, func() error {
		res, herr := spec.handle(ctx, msg)
		if herr != nil {
			return herr
		}
		result = res
		return nil
	}, errors.IsRetryable)

	span.SetAttributes(attribute.Int("job.attempts", attempts))

	if err != nil {
		tracing.RecordError(ctx, err)
		result = &models.JobResult{
			Success: false,
			Reason:  string(errors.GetCode(err)),
			Error:   err.Error(),
		}
		log.WithError(err).WithField("attempts", attempts).Error("Job failed")
	} else {
		if result == nil {
			result = &models.JobResult{Success: true}
		}
		if result.Success {
			log.WithField("attempts", attempts).Debug("Job completed")
		} else {
			log.WithFields(logrus.Fields{
				"reason": result.Reason,
				"error":  result.Error,
			}).Warn("Job rejected without retry")
		}
	}

	if spec.topic == TopicCompletions {
		msg.Ack()
		return
	}

	rt.publishCompletion(Completion{
		Queue:       spec.topic,
		JobID:       msg.UUID,
		Success:     result.Success,
		Reason:      result.Reason,
		Error:       result.Error,
		Attempts:    attempts,
		DurationMs:  time.Since(start).Milliseconds(),
		CompletedAt: time.Now().UTC(),
	})

	msg.Ack()
}

func (rt *Runtime) publishCompletion(c Completion) {
	payload, err := json.Marshal(c)
	if err != nil {
		return
	}
	msg := message.NewMessage(c.JobID, payload)
	msg.Metadata.Set(MetaQueue, c.Queue)
	if err := rt.transport.Publisher().Publish(TopicCompletions, msg); err != nil {
		rt.logger.WithError(err).Warn("Failed to publish job completion")
	}
}

// rateLimiter is a token bucket refilled on a fixed interval. Capacity
// equals the per-second rate so short bursts drain the bucket and then
// settle at the configured ceiling.
type rateLimiter struct {
	tokens chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newRateLimiter(perSecond int) *rateLimiter {
	if perSecond < 1 {
		perSecond = 1
	}
	rl := &rateLimiter{
		tokens: make(chan struct{}, perSecond),
		done:   make(chan struct{}),
	}
	for i := 0; i < perSecond; i++ {
		rl.tokens <- struct{}{}
	}

	interval := time.Second / time.Duration(perSecond)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rl.done:
				return
			case <-ticker.C:
				select {
				case rl.tokens <- struct{}{}:
				default:
				}
			}
		}
	}()

	return rl
}

func (rl *rateLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rl.tokens:
		return nil
	}
}

func (rl *rateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}
