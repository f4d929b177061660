package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatrix/internal/models"
)

func TestMemoryStoreSetGetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Set(ctx, "key", []byte("value"), time.Minute))

	got, err = store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	require.NoError(t, store.Delete(ctx, "key"))

	got, err = store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("1"), 20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	got, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreSetNX(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lock", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must lose")

	require.NoError(t, store.Delete(ctx, "lock"))

	ok, err = store.SetNX(ctx, "lock", []byte("1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMappingCacheRoundTrip(t *testing.T) {
	mc := NewMappingCache(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	mapping := &models.ConversationMapping{
		ID:              1,
		ChannelIdentity: "5511999990000",
		CrmContactID:    501,
		CrmChatID:       42,
		DisplayName:     "Maria",
	}
	require.NoError(t, mc.Set(ctx, mapping))

	byIdentity, err := mc.GetByChannelIdentity(ctx, "5511999990000")
	require.NoError(t, err)
	require.NotNil(t, byIdentity)
	assert.Equal(t, int64(42), byIdentity.CrmChatID)

	byChat, err := mc.GetByCrmChatID(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, byChat)
	assert.Equal(t, "5511999990000", byChat.ChannelIdentity)
}

func TestMappingCacheMissReturnsNil(t *testing.T) {
	mc := NewMappingCache(NewMemoryStore(), time.Hour)

	mapping, err := mc.GetByChannelIdentity(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, mapping)
}

func TestMappingCacheDeleteInvalidatesBothKeys(t *testing.T) {
	mc := NewMappingCache(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	mapping := &models.ConversationMapping{ChannelIdentity: "5511999990000", CrmChatID: 42}
	require.NoError(t, mc.Set(ctx, mapping))
	require.NoError(t, mc.Delete(ctx, "5511999990000", 42))

	byIdentity, err := mc.GetByChannelIdentity(ctx, "5511999990000")
	require.NoError(t, err)
	assert.Nil(t, byIdentity)

	byChat, err := mc.GetByCrmChatID(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, byChat)
}

func TestDedupStoreMarkAndCheck(t *testing.T) {
	dedup := NewDedupStore(NewMemoryStore(), time.Minute, time.Minute)
	ctx := context.Background()

	processed, err := dedup.IsProcessed(ctx, "wamid.1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, dedup.MarkProcessed(ctx, "wamid.1"))

	processed, err = dedup.IsProcessed(ctx, "wamid.1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestDedupStoreMarkerExpires(t *testing.T) {
	dedup := NewDedupStore(NewMemoryStore(), 20*time.Millisecond, time.Minute)
	ctx := context.Background()

	require.NoError(t, dedup.MarkProcessed(ctx, "wamid.1"))
	time.Sleep(50 * time.Millisecond)

	processed, err := dedup.IsProcessed(ctx, "wamid.1")
	require.NoError(t, err)
	assert.False(t, processed, "the dedup guarantee is a rolling window")
}

func TestCreateLock(t *testing.T) {
	dedup := NewDedupStore(NewMemoryStore(), time.Minute, time.Minute)
	ctx := context.Background()

	acquired, err := dedup.AcquireCreateLock(ctx, "5511999990000")
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = dedup.AcquireCreateLock(ctx, "5511999990000")
	require.NoError(t, err)
	assert.False(t, acquired)

	// Locks are per identity
	acquired, err = dedup.AcquireCreateLock(ctx, "5511888880000")
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, dedup.ReleaseCreateLock(ctx, "5511999990000"))

	acquired, err = dedup.AcquireCreateLock(ctx, "5511999990000")
	require.NoError(t, err)
	assert.True(t, acquired)
}
