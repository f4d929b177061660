package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatrix/internal/queue"
)

type recordedCompletion struct {
	queue    string
	success  bool
	duration time.Duration
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recordedCompletion
}

func (r *fakeRecorder) RecordJobCompletion(queueName string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedCompletion{queueName, success, duration})
}

func TestResultsConsumerRecordsCompletion(t *testing.T) {
	recorder := &fakeRecorder{}
	consumer := NewResultsConsumer(recorder, quietLogger())

	payload, err := json.Marshal(queue.Completion{
		Queue:      queue.TopicInboundRelay,
		JobID:      "wamid.1",
		Success:    true,
		Attempts:   1,
		DurationMs: 25,
	})
	require.NoError(t, err)

	result, err := consumer.Handle(context.Background(), message.NewMessage("wamid.1", payload))
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, recorder.records, 1)
	assert.Equal(t, queue.TopicInboundRelay, recorder.records[0].queue)
	assert.True(t, recorder.records[0].success)
	assert.Equal(t, 25*time.Millisecond, recorder.records[0].duration)
}

func TestResultsConsumerToleratesGarbage(t *testing.T) {
	recorder := &fakeRecorder{}
	consumer := NewResultsConsumer(recorder, quietLogger())

	result, err := consumer.Handle(context.Background(), message.NewMessage("x", []byte("{broken")))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, recorder.records)
}
