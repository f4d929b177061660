package mapper

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatrix/internal/cache"
	"whatrix/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	byIdent map[string]*models.ConversationMapping
	byChat  map[int64]*models.ConversationMapping
	nextID  int64

	identLookups int
	chatLookups  int
}

func newMemStore() *memStore {
	return &memStore{
		byIdent: make(map[string]*models.ConversationMapping),
		byChat:  make(map[int64]*models.ConversationMapping),
	}
}

func (s *memStore) SaveMapping(ctx context.Context, mapping *models.ConversationMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	mapping.ID = s.nextID
	copied := *mapping
	s.byIdent[mapping.ChannelIdentity] = &copied
	s.byChat[mapping.CrmChatID] = &copied
	return nil
}

func (s *memStore) GetMappingByChannelIdentity(ctx context.Context, identity string) (*models.ConversationMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identLookups++
	if m, ok := s.byIdent[identity]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) GetMappingByCrmChatID(ctx context.Context, chatID int64) (*models.ConversationMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatLookups++
	if m, ok := s.byChat[chatID]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) TouchMapping(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byIdent[identity]; ok {
		m.LastMessageAt = time.Now()
	}
	return nil
}

func (s *memStore) DeleteMapping(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byIdent[identity]; ok {
		delete(s.byChat, m.CrmChatID)
		delete(s.byIdent, identity)
	}
	return nil
}

func newTestMapper() (*Mapper, *memStore) {
	store := newMemStore()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(store, cache.NewMappingCache(cache.NewMemoryStore(), time.Hour), logger), store
}

func TestCreateThenFindBothDirections(t *testing.T) {
	m, _ := newTestMapper()
	ctx := context.Background()

	created, err := m.Create(ctx, "5511999990000", 501, 42, "Maria")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.NotZero(t, created.ID)

	byIdentity, err := m.FindByChannelIdentity(ctx, "5511999990000")
	require.NoError(t, err)
	require.NotNil(t, byIdentity)
	assert.Equal(t, int64(42), byIdentity.CrmChatID)

	byChat, err := m.FindByCrmChatID(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, byChat)
	assert.Equal(t, "5511999990000", byChat.ChannelIdentity)
}

func TestFindAbsentReturnsNil(t *testing.T) {
	m, _ := newTestMapper()
	ctx := context.Background()

	mapping, err := m.FindByChannelIdentity(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, mapping)

	mapping, err = m.FindByCrmChatID(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, mapping)
}

func TestCreatePopulatesCacheForBothKeys(t *testing.T) {
	m, store := newTestMapper()
	ctx := context.Background()

	_, err := m.Create(ctx, "5511999990000", 501, 42, "Maria")
	require.NoError(t, err)

	// Both lookups serve from cache without touching the store
	_, err = m.FindByChannelIdentity(ctx, "5511999990000")
	require.NoError(t, err)
	_, err = m.FindByCrmChatID(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, 0, store.identLookups)
	assert.Equal(t, 0, store.chatLookups)
}

func TestStoreHitRepopulatesCache(t *testing.T) {
	m, store := newTestMapper()
	ctx := context.Background()

	// Row exists in the store but not the cache
	require.NoError(t, store.SaveMapping(ctx, &models.ConversationMapping{
		ChannelIdentity: "5511999990000",
		CrmChatID:       42,
	}))

	_, err := m.FindByChannelIdentity(ctx, "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, 1, store.identLookups)

	// Second lookup on either key is a cache hit
	_, err = m.FindByChannelIdentity(ctx, "5511999990000")
	require.NoError(t, err)
	_, err = m.FindByCrmChatID(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, 1, store.identLookups)
	assert.Equal(t, 0, store.chatLookups)
}

func TestDeleteRemovesStoreAndCache(t *testing.T) {
	m, store := newTestMapper()
	ctx := context.Background()

	_, err := m.Create(ctx, "5511999990000", 501, 42, "Maria")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "5511999990000"))

	mapping, err := m.FindByChannelIdentity(ctx, "5511999990000")
	require.NoError(t, err)
	assert.Nil(t, mapping)

	mapping, err = m.FindByCrmChatID(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, mapping)

	store.mu.Lock()
	assert.Empty(t, store.byIdent)
	store.mu.Unlock()
}

func TestDeleteAbsentMapping(t *testing.T) {
	m, _ := newTestMapper()

	err := m.Delete(context.Background(), "nobody")
	require.Error(t, err)
}
