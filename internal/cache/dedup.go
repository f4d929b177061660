package cache

import (
	"context"
	"time"
)

const (
	processedKeyPrefix  = "msg:processed:"
	createLockKeyPrefix = "mapping:create-lock:"
)

// DedupStore keeps short-TTL presence markers for processed message ids.
// The TTL bounds memory but also bounds the guarantee to a rolling window:
// a redelivery older than the window may be reprocessed.
type DedupStore struct {
	store   Store
	ttl     time.Duration
	lockTTL time.Duration
}

func NewDedupStore(store Store, ttl, lockTTL time.Duration) *DedupStore {
	return &DedupStore{store: store, ttl: ttl, lockTTL: lockTTL}
}

// IsProcessed reports whether the message id was marked within the window.
func (d *DedupStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	data, err := d.store.Get(ctx, processedKeyPrefix+messageID)
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// MarkProcessed records the message id. Idempotent.
func (d *DedupStore) MarkProcessed(ctx context.Context, messageID string) error {
	return d.store.Set(ctx, processedKeyPrefix+messageID, []byte("1"), d.ttl)
}

// AcquireCreateLock takes the short-lived per-identity lock that serializes
// first-contact mapping creation. Returns false when another worker holds
// it; the loser should fail retryable and observe the winner's mapping on
// the next attempt.
func (d *DedupStore) AcquireCreateLock(ctx context.Context, identity string) (bool, error) {
	return d.store.SetNX(ctx, createLockKeyPrefix+identity, []byte("1"), d.lockTTL)
}

// ReleaseCreateLock drops the lock early; the TTL is the backstop.
func (d *DedupStore) ReleaseCreateLock(ctx context.Context, identity string) error {
	return d.store.Delete(ctx, createLockKeyPrefix+identity)
}
