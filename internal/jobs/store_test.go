package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"audioscribe/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	s := newStore(clock.Now)
	t.Cleanup(s.Close)
	return s, clock
}

func TestLifecycleToCompleted(t *testing.T) {
	s, _ := newTestStore(t)
	job, err := s.Create("upload-1")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if job.Status != models.JobStatusPending || job.ID == "" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if _, err := s.StartProcessing(job.ID, "/tmp/a.wav", "a.wav", 320000); err != nil {
		t.Fatalf("StartProcessing error: %v", err)
	}
	if err := s.Annotate(job.ID, "transcribing"); err != nil {
		t.Fatalf("Annotate error: %v", err)
	}
	if err := s.SetRetryCount(job.ID, 1); err != nil {
		t.Fatalf("SetRetryCount error: %v", err)
	}
	done, err := s.Complete(job.ID, models.JobResult{Text: "hello", RetryCount: 1})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if done.Status != models.JobStatusCompleted || done.Result == nil || done.Result.Text != "hello" {
		t.Fatalf("unexpected completed job: %+v", done)
	}
	if done.Failure != nil || done.FileSize != 320000 || done.Retries != 1 {
		t.Fatalf("unexpected completed job: %+v", done)
	}
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	s, _ := newTestStore(t)
	job, _ := s.Create("u")

	if _, err := s.Complete(job.ID, models.JobResult{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->completed: got %v", err)
	}
	if err := s.Annotate(job.ID, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("annotate pending: got %v", err)
	}
	if _, err := s.StartProcessing(job.ID, "p", "n", 1); err != nil {
		t.Fatalf("StartProcessing error: %v", err)
	}
	if _, err := s.StartProcessing(job.ID, "p", "n", 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("processing->processing via StartProcessing: got %v", err)
	}
	if _, err := s.Fail(job.ID, models.JobFailure{Code: "TIMEOUT"}); err != nil {
		t.Fatalf("Fail error: %v", err)
	}
	if _, err := s.Complete(job.ID, models.JobResult{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed->completed: got %v", err)
	}
	if _, err := s.Fail(job.ID, models.JobFailure{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed->failed: got %v", err)
	}
	got, _ := s.Get(job.ID)
	if got.Status != models.JobStatusFailed || got.Failure.Code != "TIMEOUT" {
		t.Fatalf("terminal job was mutated: %+v", got)
	}
}

func TestPendingCanFail(t *testing.T) {
	s, _ := newTestStore(t)
	job, _ := s.Create("u")
	failed, err := s.Fail(job.ID, models.JobFailure{Code: "JOB_UPDATE_FAILED", Message: "boom"})
	if err != nil || failed.Status != models.JobStatusFailed || failed.Result != nil {
		t.Fatalf("unexpected: %+v %v", failed, err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	job, _ := s.Create("u")
	snap, _ := s.Get(job.ID)
	snap.Status = models.JobStatusCompleted
	again, _ := s.Get(job.ID)
	if again.Status != models.JobStatusPending {
		t.Fatalf("snapshot leaked into the store")
	}
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatedAtNeverMovesBackwards(t *testing.T) {
	s, clock := newTestStore(t)
	job, _ := s.Create("u")
	start := job.UpdatedAt
	clock.Set(start.Add(-time.Hour))
	moved, err := s.StartProcessing(job.ID, "p", "n", 1)
	if err != nil {
		t.Fatalf("StartProcessing error: %v", err)
	}
	if moved.UpdatedAt.Before(start) {
		t.Fatalf("UpdatedAt went backwards: %s < %s", moved.UpdatedAt, start)
	}
}

func TestSweepDropsOnlyOldTerminalJobs(t *testing.T) {
	s, clock := newTestStore(t)
	base := clock.Now()

	old, _ := s.Create("old")
	s.Fail(old.ID, models.JobFailure{Code: "X"})
	running, _ := s.Create("running")
	s.StartProcessing(running.ID, "p", "n", 1)

	clock.Set(base.Add(30 * time.Minute))
	fresh, _ := s.Create("fresh")
	s.Fail(fresh.ID, models.JobFailure{Code: "X"})

	clock.Set(base.Add(61 * time.Minute))
	dropped := s.Sweep(time.Hour)
	if len(dropped) != 1 || dropped[0].ID != old.ID {
		t.Fatalf("dropped = %+v", dropped)
	}
	if _, err := s.Get(old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old job still present")
	}
	if !s.IsLive(running.ID) {
		t.Fatalf("processing job must survive the sweep")
	}
	if st := s.Stats(); st.Total != 2 || st.Processing != 1 || st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

type chanObserver struct {
	ch chan Event
}

func (o *chanObserver) OnJobEvent(ev Event) { o.ch <- ev }

func TestObserverSeesMutationOrder(t *testing.T) {
	s, _ := newTestStore(t)
	obs := &chanObserver{ch: make(chan Event, 16)}
	s.Subscribe(obs)

	job, _ := s.Create("u")
	s.StartProcessing(job.ID, "p", "n", 1)
	s.Complete(job.ID, models.JobResult{Text: "t"})
	s.Remove(job.ID)

	want := []EventType{EventCreated, EventProcessing, EventCompleted, EventRemoved}
	for i, w := range want {
		select {
		case ev := <-obs.ch:
			if ev.Type != w || ev.Job.ID != job.ID {
				t.Fatalf("event %d = %s, want %s", i, ev.Type, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestConcurrentCreatesGetUniqueIDs(t *testing.T) {
	s, _ := newTestStore(t)
	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := s.Create("u")
			if err != nil {
				t.Errorf("Create error: %v", err)
				return
			}
			ids <- job.ID
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != 50 {
		t.Fatalf("created %d jobs", len(seen))
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := NewStore()
	s.Close()
	s.Close()
	if _, err := s.Create("u"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type fakePublisher struct {
	channel string
	payload []byte
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	p.channel = channel
	p.payload = payload.([]byte)
	return nil
}

func TestRedisObserverPublishesCompactEvent(t *testing.T) {
	pub := &fakePublisher{}
	obs := NewRedisObserver(pub)
	obs.OnJobEvent(Event{
		Type: EventFailed,
		Job: &models.Job{
			ID:      "job-1",
			Status:  models.JobStatusFailed,
			Failure: &models.JobFailure{Code: "TIMEOUT"},
			Result:  &models.JobResult{Text: "secret"},
		},
	})
	obs.Close()
	if pub.channel != EventsChannel {
		t.Fatalf("channel = %s", pub.channel)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(pub.payload, &msg); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if msg["job_id"] != "job-1" || msg["error_code"] != "TIMEOUT" || msg["status"] != "failed" {
		t.Fatalf("unexpected payload: %v", msg)
	}
	if _, ok := msg["text"]; ok {
		t.Fatalf("transcript text must not be published")
	}
}

type blockingObserver struct {
	release chan struct{}
	seen    chan EventType
}

func (o *blockingObserver) OnJobEvent(ev Event) {
	<-o.release
	o.seen <- ev.Type
}

func TestSlowObserverDoesNotStallStore(t *testing.T) {
	s, _ := newTestStore(t)
	obs := &blockingObserver{release: make(chan struct{}), seen: make(chan EventType, 2*eventBuffer)}
	s.Subscribe(obs)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventBuffer+10; i++ {
			if _, err := s.Create("u"); err != nil {
				t.Errorf("Create: %v", err)
				return
			}
		}
		s.Stats()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(obs.release)
		t.Fatalf("store blocked behind a slow observer")
	}
	if st := s.Stats(); st.Total != eventBuffer+10 {
		t.Fatalf("stats = %+v", st)
	}

	// every created event is still delivered once the observer catches up
	close(obs.release)
	for i := 0; i < eventBuffer+10; i++ {
		select {
		case typ := <-obs.seen:
			if typ != EventCreated {
				t.Fatalf("event %d = %s", i, typ)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d events delivered", i)
		}
	}
}

type stuckPublisher struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (p *stuckPublisher) Publish(ctx context.Context, channel string, payload interface{}) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	<-p.release
	return nil
}

func TestRedisObserverDropsWhenBacklogFull(t *testing.T) {
	pub := &stuckPublisher{release: make(chan struct{})}
	obs := NewRedisObserver(pub)
	job := &models.Job{ID: "job-1", Status: models.JobStatusProcessing}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < publishBacklog+50; i++ {
			obs.OnJobEvent(Event{Type: EventProgress, Job: job})
		}
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnJobEvent blocked on a stuck publisher")
	}

	close(pub.release)
	obs.Close()
	obs.OnJobEvent(Event{Type: EventProgress, Job: job})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.calls > publishBacklog+1 || pub.calls == 0 {
		t.Fatalf("published %d events, backlog is %d", pub.calls, publishBacklog)
	}
}
