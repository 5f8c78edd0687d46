package jobs

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// EventsChannel is the pub/sub channel job events are broadcast on.
const EventsChannel = "audioscribe:jobs"

const (
	publishTimeout = 2 * time.Second
	publishBacklog = 512
)

type publisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

type eventMessage struct {
	Type       EventType `json:"type"`
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Progress   string    `json:"progress,omitempty"`
	RetryCount int       `json:"retry_count"`
	ErrorCode  string    `json:"error_code,omitempty"`
	At         time.Time `json:"at"`
}

// RedisObserver broadcasts job events so other processes can follow progress.
// Publishing happens on its own goroutine; when Redis falls behind, events
// beyond the backlog are dropped. Transcript text is never published.
type RedisObserver struct {
	client  publisher
	pending chan Event
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewRedisObserver(client publisher) *RedisObserver {
	o := &RedisObserver{
		client:  client,
		pending: make(chan Event, publishBacklog),
		done:    make(chan struct{}),
	}
	go o.loop()
	return o
}

// OnJobEvent queues ev for publishing without waiting on Redis.
func (o *RedisObserver) OnJobEvent(ev Event) {
	if o == nil || o.client == nil || ev.Job == nil {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.pending <- ev:
	default:
		log.Printf("[jobs] publish backlog full, dropped %s event for %s", ev.Type, ev.Job.ID)
	}
}

// Close publishes what is already queued and stops the loop.
func (o *RedisObserver) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.pending)
	}
	o.mu.Unlock()
	<-o.done
}

func (o *RedisObserver) loop() {
	defer close(o.done)
	for ev := range o.pending {
		o.publish(ev)
	}
}

func (o *RedisObserver) publish(ev Event) {
	msg := eventMessage{
		Type:       ev.Type,
		JobID:      ev.Job.ID,
		Status:     string(ev.Job.Status),
		Progress:   ev.Job.Progress,
		RetryCount: ev.Job.Retries,
		At:         ev.At,
	}
	if ev.Job.Failure != nil {
		msg.ErrorCode = ev.Job.Failure.Code
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[jobs] event marshal failed: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := o.client.Publish(ctx, EventsChannel, payload); err != nil {
		log.Printf("[jobs] publish %s event for %s failed: %v", ev.Type, ev.Job.ID, err)
	}
}
