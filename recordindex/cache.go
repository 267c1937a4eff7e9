package recordindex

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/platform"
)

// SnapshotCache stores serialised snapshots between instances. It is never the source of truth.
type SnapshotCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// RedisSnapshotCache keeps snapshots in the shared redis connection.
type RedisSnapshotCache struct{}

func (RedisSnapshotCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	return config.GetRedisObject(ctx, key, dest)
}

func (RedisSnapshotCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return config.SetRedisObject(ctx, key, value, ttl)
}

type cachedSnapshot struct {
	LoadedAt map[models.RecordKind]time.Time `json:"loaded_at"`
	Entries  []models.RecordIndexEntry       `json:"entries"`
}

func cacheKey(session platform.Session) string {
	return fmt.Sprintf("recordindex:%d:%s", session.UserId, session.BusinessId)
}

func (r *Registry) fromCache(ctx context.Context, session platform.Session, kinds []models.RecordKind, now time.Time) (*Snapshot, bool) {
	if r.opts.Cache == nil {
		return nil, false
	}
	var cached cachedSnapshot
	ok, err := r.opts.Cache.Get(ctx, cacheKey(session), &cached)
	if err != nil {
		config.LogError(config.GetLogger(), "recordindex", "fromCache", "Get", cacheKey(session), err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	snap := newSnapshot(session.UserId, cached.Entries, cached.LoadedAt, nil)
	if !snap.Covers(kinds, now, r.opts.MaxAge) {
		return nil, false
	}
	return snap, true
}

func (r *Registry) toCache(ctx context.Context, session platform.Session, snap *Snapshot) {
	if r.opts.Cache == nil {
		return
	}
	payload := cachedSnapshot{LoadedAt: snap.loadedAt, Entries: snap.entries}
	if err := r.opts.Cache.Set(ctx, cacheKey(session), payload, r.opts.CacheTTL); err != nil {
		config.LogError(config.GetLogger(), "recordindex", "toCache", "Set", cacheKey(session), err)
	}
}
