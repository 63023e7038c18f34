package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CacheStore persists profile snapshots in the cache so that evicted or
// restarted shards can warm customers back up.
type CacheStore struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewCacheStore creates a snapshot store on top of cache.
func NewCacheStore(cache domain.Cache, ttl time.Duration) *CacheStore {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &CacheStore{cache: cache, ttl: ttl}
}

func snapshotKey(customerID string) string {
	return "profile:" + customerID
}

// LoadProfile implements SnapshotLoader.
func (c *CacheStore) LoadProfile(ctx context.Context, customerID string) (*Snapshot, error) {
	data, err := c.cache.Get(ctx, snapshotKey(customerID))
	if err != nil || data == nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode profile snapshot %s: %w", customerID, err)
	}
	return &snap, nil
}

// SaveProfile writes a snapshot.
func (c *CacheStore) SaveProfile(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode profile snapshot %s: %w", snap.CustomerID, err)
	}
	return c.cache.Set(ctx, snapshotKey(snap.CustomerID), data, c.ttl)
}
