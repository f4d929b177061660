package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"whatrix/internal/models"
)

const (
	channelKeyPrefix = "mapping:channel:"
	crmKeyPrefix     = "mapping:crm:"
)

// MappingCache is the write-through cache in front of the mapping store,
// indexed under both lookup keys. It is best effort: the store stays
// authoritative and every cache error degrades to a miss.
type MappingCache struct {
	store Store
	ttl   time.Duration
}

func NewMappingCache(store Store, ttl time.Duration) *MappingCache {
	return &MappingCache{store: store, ttl: ttl}
}

// Set populates the cache under both the channel identity and the CRM chat
// id so either direction of the relay hits.
func (c *MappingCache) Set(ctx context.Context, mapping *models.ConversationMapping) error {
	payload, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}

	if err := c.store.Set(ctx, channelKey(mapping.ChannelIdentity), payload, c.ttl); err != nil {
		return fmt.Errorf("cache mapping by channel identity: %w", err)
	}
	if err := c.store.Set(ctx, crmKey(mapping.CrmChatID), payload, c.ttl); err != nil {
		return fmt.Errorf("cache mapping by crm chat id: %w", err)
	}
	return nil
}

// GetByChannelIdentity returns the cached mapping or nil on miss.
func (c *MappingCache) GetByChannelIdentity(ctx context.Context, identity string) (*models.ConversationMapping, error) {
	return c.get(ctx, channelKey(identity))
}

// GetByCrmChatID returns the cached mapping or nil on miss.
func (c *MappingCache) GetByCrmChatID(ctx context.Context, chatID int64) (*models.ConversationMapping, error) {
	return c.get(ctx, crmKey(chatID))
}

func (c *MappingCache) get(ctx context.Context, key string) (*models.ConversationMapping, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load mapping from cache: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var mapping models.ConversationMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("decode cached mapping: %w", err)
	}
	return &mapping, nil
}

// Delete invalidates both keys.
func (c *MappingCache) Delete(ctx context.Context, identity string, chatID int64) error {
	if err := c.store.Delete(ctx, channelKey(identity)); err != nil {
		return fmt.Errorf("invalidate channel key: %w", err)
	}
	if err := c.store.Delete(ctx, crmKey(chatID)); err != nil {
		return fmt.Errorf("invalidate crm key: %w", err)
	}
	return nil
}

func channelKey(identity string) string {
	return channelKeyPrefix + identity
}

func crmKey(chatID int64) string {
	return crmKeyPrefix + strconv.FormatInt(chatID, 10)
}
