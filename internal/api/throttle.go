package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Throttle caps how many uploads are being received at once. Each slot is
// keyed by an upload ID that later becomes the job's UploadID.
type Throttle struct {
	mu     sync.Mutex
	limit  int
	active map[string]time.Time
}

func NewThrottle(limit int) *Throttle {
	if limit <= 0 {
		limit = 1
	}
	return &Throttle{limit: limit, active: make(map[string]time.Time)}
}

// Acquire reserves a slot. It never blocks; ok is false when every slot is taken.
func (t *Throttle) Acquire() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.active) >= t.limit {
		return "", false
	}
	id := uuid.NewString()
	t.active[id] = time.Now()
	return id, true
}

// Release frees the slot held by id. Unknown IDs are ignored.
func (t *Throttle) Release(id string) {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
}

func (t *Throttle) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *Throttle) Limit() int {
	return t.limit
}

// Wait blocks until no upload is in flight or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if t.InFlight() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
