package store

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/AndreLimaSa/locals/internal/cache/keys"
	"github.com/AndreLimaSa/locals/internal/core/model"
)

// KV is the subset of redisstore.Client used for snapshots.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type snapshotDoc struct {
	SavedAt time.Time              `json:"saved_at"`
	Records []model.LocationRecord `json:"records"`
}

// RedisSnapshotter keeps the last good fetch for one API base URL.
type RedisSnapshotter struct {
	kv  KV
	key string
	ttl time.Duration
}

func NewRedisSnapshotter(kv KV, apiBase string, ttl time.Duration) *RedisSnapshotter {
	return &RedisSnapshotter{kv: kv, key: keys.Snapshot(apiBase), ttl: ttl}
}

func (r *RedisSnapshotter) Load(ctx context.Context) ([]model.LocationRecord, bool, error) {
	b, found, err := r.kv.Get(ctx, r.key)
	if err != nil || !found {
		return nil, false, err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc.Records, true, nil
}

func (r *RedisSnapshotter) Save(ctx context.Context, records []model.LocationRecord) error {
	b, err := json.Marshal(snapshotDoc{SavedAt: time.Now().UTC(), Records: records})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return r.kv.Set(ctx, r.key, b, r.ttl)
}
