package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"audioscribe/internal/models"
	"audioscribe/internal/redis"
)

const jobCachePrefix = "audioscribe:job:"

// JobCache holds rendered views of finished jobs; *redis.Client satisfies it.
type JobCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

func (h *Handler) cachedJob(ctx context.Context, id string) ([]byte, bool) {
	if h.deps.Cache == nil {
		return nil, false
	}
	body, err := h.deps.Cache.Get(ctx, jobCachePrefix+id)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("[api] read job cache for %s: %v", id, err)
		}
		return nil, false
	}
	return []byte(body), true
}

// renderJob marshals the job and caches it once it can no longer change.
func (h *Handler) renderJob(ctx context.Context, job *models.Job) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if h.deps.Cache != nil && job.Status.Terminal() && h.deps.CacheTTL > 0 {
		if err := h.deps.Cache.Set(ctx, jobCachePrefix+job.ID, string(body), h.deps.CacheTTL); err != nil {
			log.Printf("[api] cache job %s: %v", job.ID, err)
		}
	}
	return body, nil
}

func (h *Handler) evictJob(ctx context.Context, id string) {
	if h.deps.Cache == nil {
		return
	}
	if err := h.deps.Cache.Del(ctx, jobCachePrefix+id); err != nil {
		log.Printf("[api] evict job %s: %v", id, err)
	}
}
