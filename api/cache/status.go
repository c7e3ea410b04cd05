package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"subtitlepipe/api/models"
)

const (
	statusKeyPrefix = "media:status:"
	statusTTL       = 10 * time.Minute
)

// Entry is the hot-path view of a media item's state, good enough for
// status polling without touching postgres.
type Entry struct {
	Status   models.MediaStatus `json:"status"`
	Progress int                `json:"progress"`
}

type StatusCache struct {
	client *redis.Client
}

func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client}
}

// Keys are scoped by owner so a cache hit never leaks another owner's state.
func statusKey(ownerID, mediaID string) string {
	return fmt.Sprintf("%s%s:%s", statusKeyPrefix, ownerID, mediaID)
}

func (sc *StatusCache) Get(ctx context.Context, ownerID, mediaID string) (*Entry, error) {
	data, err := sc.client.Get(ctx, statusKey(ownerID, mediaID)).Result()
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (sc *StatusCache) Set(ctx context.Context, ownerID, mediaID string, status models.MediaStatus, progress int) error {
	data, err := json.Marshal(Entry{Status: status, Progress: progress})
	if err != nil {
		return err
	}
	return sc.client.Set(ctx, statusKey(ownerID, mediaID), data, statusTTL).Err()
}

func (sc *StatusCache) Delete(ctx context.Context, ownerID, mediaID string) error {
	return sc.client.Del(ctx, statusKey(ownerID, mediaID)).Err()
}
