package mapper

import (
	"context"

	"whatrix/internal/cache"
	"whatrix/internal/errors"
	"whatrix/internal/models"

	"github.com/sirupsen/logrus"
)

// Store is the authoritative mapping persistence the mapper sits in front
// of.
type Store interface {
	SaveMapping(ctx context.Context, mapping *models.ConversationMapping) error
	GetMappingByChannelIdentity(ctx context.Context, identity string) (*models.ConversationMapping, error)
	GetMappingByCrmChatID(ctx context.Context, chatID int64) (*models.ConversationMapping, error)
	TouchMapping(ctx context.Context, identity string) error
	DeleteMapping(ctx context.Context, identity string) error
}

// Mapper is the only component allowed to read or write conversation
// mappings. Lookups go cache-then-store, store hits repopulate the cache
// under both keys, and cache failures never fail the caller: the store is
// authoritative, the cache is best effort.
type Mapper struct {
	store  Store
	cache  *cache.MappingCache
	logger *logrus.Logger
}

func New(store Store, mappingCache *cache.MappingCache, logger *logrus.Logger) *Mapper {
	return &Mapper{
		store:  store,
		cache:  mappingCache,
		logger: logger,
	}
}

// FindByChannelIdentity returns the mapping for a channel identity, or nil
// when none exists. Absent is an expected outcome, not an error.
func (m *Mapper) FindByChannelIdentity(ctx context.Context, identity string) (*models.ConversationMapping, error) {
	if cached, err := m.cache.GetByChannelIdentity(ctx, identity); err != nil {
		m.logger.WithError(err).WithField("channelIdentity", identity).
			Warn("Mapping cache lookup failed, falling back to store")
	} else if cached != nil {
		m.logger.WithField("channelIdentity", identity).Debug("Mapping cache hit")
		return cached, nil
	}

	mapping, err := m.store.GetMappingByChannelIdentity(ctx, identity)
	if err != nil {
		return nil, errors.NewDatabaseError("mapping lookup", err)
	}
	if mapping == nil {
		return nil, nil
	}

	m.populateCache(ctx, mapping)
	return mapping, nil
}

// FindByCrmChatID is the reverse lookup, symmetric to
// FindByChannelIdentity.
func (m *Mapper) FindByCrmChatID(ctx context.Context, chatID int64) (*models.ConversationMapping, error) {
	if cached, err := m.cache.GetByCrmChatID(ctx, chatID); err != nil {
		m.logger.WithError(err).WithField("crmChatId", chatID).
			Warn("Mapping cache lookup failed, falling back to store")
	} else if cached != nil {
		m.logger.WithField("crmChatId", chatID).Debug("Mapping cache hit")
		return cached, nil
	}

	mapping, err := m.store.GetMappingByCrmChatID(ctx, chatID)
	if err != nil {
		return nil, errors.NewDatabaseError("mapping reverse lookup", err)
	}
	if mapping == nil {
		return nil, nil
	}

	m.populateCache(ctx, mapping)
	return mapping, nil
}

// Create persists a new mapping and populates the cache under both keys.
// Fails with a conflict error when either key already exists; callers are
// expected to have checked FindByChannelIdentity first, but the store's
// unique constraints are the real guard.
func (m *Mapper) Create(ctx context.Context, identity string, crmContactID, crmChatID int64, displayName string) (*models.ConversationMapping, error) {
	mapping := &models.ConversationMapping{
		ChannelIdentity: identity,
		CrmContactID:    crmContactID,
		CrmChatID:       crmChatID,
		DisplayName:     displayName,
	}

	if err := m.store.SaveMapping(ctx, mapping); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"channelIdentity": identity,
		"crmContactId":    crmContactID,
		"crmChatId":       crmChatID,
	}).Info("Conversation mapping created")

	m.populateCache(ctx, mapping)
	return mapping, nil
}

// Touch updates last_message_at. Fire-and-forget: failures are logged and
// never propagated into the relay's critical path.
func (m *Mapper) Touch(ctx context.Context, identity string) {
	if err := m.store.TouchMapping(ctx, identity); err != nil {
		m.logger.WithError(err).WithField("channelIdentity", identity).
			Warn("Failed to update last message timestamp")
	}
}

// Delete removes a mapping from store and cache. The CRM chat id is
// resolved first so the reverse cache key can be invalidated; the cache has
// no secondary index.
func (m *Mapper) Delete(ctx context.Context, identity string) error {
	mapping, err := m.FindByChannelIdentity(ctx, identity)
	if err != nil {
		return err
	}
	if mapping == nil {
		return errors.NewMappingNotFoundError(identity)
	}

	if err := m.store.DeleteMapping(ctx, identity); err != nil {
		return errors.NewDatabaseError("mapping delete", err)
	}

	if err := m.cache.Delete(ctx, identity, mapping.CrmChatID); err != nil {
		m.logger.WithError(err).WithField("channelIdentity", identity).
			Warn("Failed to invalidate mapping cache")
	}

	m.logger.WithField("channelIdentity", identity).Info("Conversation mapping deleted")
	return nil
}

func (m *Mapper) populateCache(ctx context.Context, mapping *models.ConversationMapping) {
	if err := m.cache.Set(ctx, mapping); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"channelIdentity": mapping.ChannelIdentity,
			"crmChatId":       mapping.CrmChatID,
		}).Warn("Failed to populate mapping cache")
	}
}
