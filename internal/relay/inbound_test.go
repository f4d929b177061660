package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatrix/internal/errors"
	"whatrix/internal/models"
	"whatrix/pkg/bitrix"
)

func inboundMessage(t *testing.T, job models.InboundRelayJob) *message.Message {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return message.NewMessage(job.MessageID, payload)
}

func TestHandleInboundNewContact(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	job := models.InboundRelayJob{
		MessageID:   "wamid.1",
		From:        "5511999990000",
		ContactName: "Maria",
		Body:        "hello",
		MessageType: "text",
	}

	result, err := f.service.HandleInbound(ctx, inboundMessage(t, job))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)

	// Contact and chat were provisioned exactly once
	assert.Equal(t, 1, f.crm.contactCalls)
	assert.Equal(t, 1, f.crm.chatCalls)

	// The mapping is persisted and findable both ways
	mapping, err := f.store.GetMappingByChannelIdentity(ctx, "5511999990000")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, int64(501), mapping.CrmContactID)
	assert.Equal(t, int64(42), mapping.CrmChatID)
	assert.Equal(t, "Maria", mapping.DisplayName)

	// Delivery was handed to the crm-send queue with the rendered dialog id
	require.Len(t, f.enqueuer.crmJobs, 1)
	assert.Equal(t, "chat42", f.enqueuer.crmJobs[0].DialogID)
	assert.Equal(t, "hello", f.enqueuer.crmJobs[0].Body)

	// The processed marker is set
	processed, err := f.dedup.IsProcessed(ctx, "wamid.1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestHandleInboundExistingMapping(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	require.NoError(t, f.store.SaveMapping(ctx, &models.ConversationMapping{
		ChannelIdentity: "5511999990000",
		CrmContactID:    501,
		CrmChatID:       42,
		DisplayName:     "Maria",
	}))

	job := models.InboundRelayJob{
		MessageID:   "wamid.2",
		From:        "5511999990000",
		Body:        "second message",
		MessageType: "text",
	}

	result, err := f.service.HandleInbound(ctx, inboundMessage(t, job))
	require.NoError(t, err)
	assert.True(t, result.Success)

	// No new CRM entities
	assert.Equal(t, 0, f.crm.contactCalls)
	assert.Equal(t, 0, f.crm.chatCalls)

	require.Len(t, f.enqueuer.crmJobs, 1)
	assert.Equal(t, "chat42", f.enqueuer.crmJobs[0].DialogID)
}

func TestHandleInboundDuplicateSkipped(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	job := models.InboundRelayJob{
		MessageID:   "wamid.dup",
		From:        "5511999990000",
		Body:        "hello",
		MessageType: "text",
	}

	_, err := f.service.HandleInbound(ctx, inboundMessage(t, job))
	require.NoError(t, err)

	result, err := f.service.HandleInbound(ctx, inboundMessage(t, job))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "duplicate", result.Reason)

	// Only the first pass delivered
	assert.Len(t, f.enqueuer.crmJobs, 1)
	assert.Equal(t, 1, f.crm.chatCalls)
}

func TestHandleInboundReusesExistingCrmContact(t *testing.T) {
	f := newServiceFixture()
	f.crm.foundContact = &bitrix.Contact{ID: 777, Name: "Maria"}
	ctx := context.Background()

	job := models.InboundRelayJob{
		MessageID:   "wamid.3",
		From:        "5511999990000",
		ContactName: "Maria",
		Body:        "hello",
		MessageType: "text",
	}

	_, err := f.service.HandleInbound(ctx, inboundMessage(t, job))
	require.NoError(t, err)

	assert.Equal(t, 0, f.crm.contactCalls, "existing contact must not be recreated")

	mapping, err := f.store.GetMappingByChannelIdentity(ctx, "5511999990000")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, int64(777), mapping.CrmContactID)
}

func TestHandleInboundCreateLockContention(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	acquired, err := f.dedup.AcquireCreateLock(ctx, "5511999990000")
	require.NoError(t, err)
	require.True(t, acquired)

	job := models.InboundRelayJob{
		MessageID:   "wamid.4",
		From:        "5511999990000",
		Body:        "hello",
		MessageType: "text",
	}

	_, err = f.service.HandleInbound(ctx, inboundMessage(t, job))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err), "losing the create lock must surface as retryable")
	assert.Empty(t, f.enqueuer.crmJobs)
}

func TestHandleInboundMappingConflictFallsBackToSurvivor(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	// A concurrent instance slips its row in between our lookups and our
	// save: the save fails with a conflict and the winner's row appears.
	f.store.saveErr = errors.NewConflictError("channel_identity", "5511999990000")
	f.store.onConflict = &models.ConversationMapping{
		ID:              7,
		ChannelIdentity: "5511999990000",
		CrmContactID:    600,
		CrmChatID:       43,
	}

	job := models.InboundRelayJob{
		MessageID:   "wamid.5",
		From:        "5511999990000",
		Body:        "hello",
		MessageType: "text",
	}

	result, err := f.service.HandleInbound(ctx, inboundMessage(t, job))
	require.NoError(t, err)
	assert.True(t, result.Success)

	// The message lands in the surviving conversation
	require.Len(t, f.enqueuer.crmJobs, 1)
	assert.Equal(t, "chat43", f.enqueuer.crmJobs[0].DialogID)
}

func TestHandleInboundUnsupportedType(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	job := models.InboundRelayJob{
		MessageID:   "wamid.6",
		From:        "5511999990000",
		MessageType: "image",
	}

	result, err := f.service.HandleInbound(ctx, inboundMessage(t, job))
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, f.enqueuer.crmJobs, 1)
	assert.Equal(t, "[unsupported message type: image]", f.enqueuer.crmJobs[0].Body)
}

func TestHandleInboundUndecodablePayload(t *testing.T) {
	f := newServiceFixture()

	_, err := f.service.HandleInbound(context.Background(), message.NewMessage("bad", []byte("{not json")))
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
}
