package jobs

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"audioscribe/internal/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrClosed            = errors.New("job store closed")
)

const eventBuffer = 256

// EventType names the mutation that produced an Event.
type EventType string

const (
	EventCreated    EventType = "created"
	EventProcessing EventType = "processing"
	EventProgress   EventType = "progress"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventRemoved    EventType = "removed"
)

// Event carries a snapshot taken right after the mutation.
type Event struct {
	Type EventType
	Job  *models.Job
	At   time.Time
}

// Observer receives events in mutation order on a dedicated goroutine, so a
// slow observer delays later events but never the store. Progress events may
// be dropped under backpressure; state changes never are.
type Observer interface {
	OnJobEvent(ev Event)
}

// Stats counts jobs per status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Store is the in-memory job table. A single goroutine owns the map; every
// operation is a closure executed on that goroutine.
type Store struct {
	cmds   chan func()
	stop   chan struct{}
	done   chan struct{}
	events *eventQueue
	once   sync.Once

	now   func() time.Time
	newID func() string

	jobs map[string]*models.Job // owned by run

	obsMu     sync.RWMutex
	observers []Observer
}

// NewStore starts the owning goroutine. Call Close to stop it.
func NewStore() *Store {
	return newStore(time.Now)
}

func newStore(now func() time.Time) *Store {
	s := &Store{
		cmds:   make(chan func()),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		events: newEventQueue(),
		now:    now,
		newID:  uuid.NewString,
		jobs:   make(map[string]*models.Job),
	}
	go s.run()
	go s.dispatch()
	return s
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.stop:
			s.events.close()
			return
		}
	}
}

func (s *Store) dispatch() {
	for {
		ev, ok := s.events.pop()
		if !ok {
			return
		}
		s.obsMu.RLock()
		observers := append([]Observer(nil), s.observers...)
		s.obsMu.RUnlock()
		for _, o := range observers {
			o.OnJobEvent(ev)
		}
	}
}

// exec runs fn on the owning goroutine and waits for it.
func (s *Store) exec(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(finished) }:
	case <-s.stop:
		return ErrClosed
	}
	<-finished
	return nil
}

// Subscribe registers o for all subsequent events.
func (s *Store) Subscribe(o Observer) {
	if o == nil {
		return
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// emit must be called from the owning goroutine. It never waits on observers.
func (s *Store) emit(t EventType, j *models.Job) {
	ev := Event{Type: t, Job: j.Clone(), At: j.UpdatedAt}
	if !s.events.push(ev, t == EventProgress) {
		debugLog("dropped %s event for %s", t, j.ID)
	}
}

func (s *Store) touch(j *models.Job) {
	now := s.now()
	if now.Before(j.UpdatedAt) {
		now = j.UpdatedAt
	}
	j.UpdatedAt = now
}

// canTransition covers status changes; processing->processing annotations go through update.
func canTransition(from, to models.JobStatus) bool {
	switch from {
	case models.JobStatusPending:
		return to == models.JobStatusProcessing || to == models.JobStatusFailed
	case models.JobStatusProcessing:
		return to == models.JobStatusCompleted || to == models.JobStatusFailed
	default:
		return false
	}
}

// transition looks up id, checks the edge and applies mutate.
func (s *Store) transition(id string, to models.JobStatus, ev EventType, mutate func(j *models.Job)) (*models.Job, error) {
	var (
		out *models.Job
		err error
	)
	if execErr := s.exec(func() {
		j, ok := s.jobs[id]
		if !ok {
			err = ErrNotFound
			return
		}
		if !canTransition(j.Status, to) {
			err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
			return
		}
		j.Status = to
		if mutate != nil {
			mutate(j)
		}
		s.touch(j)
		s.emit(ev, j)
		out = j.Clone()
	}); execErr != nil {
		return nil, execErr
	}
	return out, err
}

// Create registers a pending job for uploadID.
func (s *Store) Create(uploadID string) (*models.Job, error) {
	var out *models.Job
	err := s.exec(func() {
		now := s.now()
		j := &models.Job{
			ID:        s.newID(),
			UploadID:  uploadID,
			Status:    models.JobStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.jobs[j.ID] = j
		s.emit(EventCreated, j)
		out = j.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartProcessing records the stored file and moves the job to processing.
func (s *Store) StartProcessing(id, path, name string, size int64) (*models.Job, error) {
	return s.transition(id, models.JobStatusProcessing, EventProcessing, func(j *models.Job) {
		j.FilePath = path
		j.FileName = name
		j.FileSize = size
		j.Progress = "queued"
	})
}

// SetEmail attaches a notification address to a job that is not yet terminal.
func (s *Store) SetEmail(id, email string) error {
	var err error
	if execErr := s.exec(func() {
		j, ok := s.jobs[id]
		if !ok {
			err = ErrNotFound
			return
		}
		if j.Status.Terminal() {
			err = fmt.Errorf("%w: %s job is immutable", ErrInvalidTransition, j.Status)
			return
		}
		j.Email = email
	}); execErr != nil {
		return execErr
	}
	return err
}

// Annotate updates the progress note of a processing job.
func (s *Store) Annotate(id, msg string) error {
	return s.update(id, func(j *models.Job) {
		j.Progress = msg
	})
}

// SetRetryCount records how many retries the transcription call has used so far.
func (s *Store) SetRetryCount(id string, n int) error {
	return s.update(id, func(j *models.Job) {
		j.Retries = n
	})
}

// update applies a processing->processing mutation.
func (s *Store) update(id string, mutate func(j *models.Job)) error {
	var err error
	if execErr := s.exec(func() {
		j, ok := s.jobs[id]
		if !ok {
			err = ErrNotFound
			return
		}
		if j.Status != models.JobStatusProcessing {
			err = fmt.Errorf("%w: cannot annotate %s job", ErrInvalidTransition, j.Status)
			return
		}
		mutate(j)
		s.touch(j)
		s.emit(EventProgress, j)
	}); execErr != nil {
		return execErr
	}
	return err
}

// Complete attaches the result. Only a processing job can complete.
func (s *Store) Complete(id string, result models.JobResult) (*models.Job, error) {
	return s.transition(id, models.JobStatusCompleted, EventCompleted, func(j *models.Job) {
		r := result
		j.Result = &r
		j.Retries = result.RetryCount
		j.Progress = "done"
	})
}

// Fail attaches the failure and keeps the last progress note. Pending and
// processing jobs can fail.
func (s *Store) Fail(id string, failure models.JobFailure) (*models.Job, error) {
	return s.transition(id, models.JobStatusFailed, EventFailed, func(j *models.Job) {
		f := failure
		j.Failure = &f
	})
}

// ClearFile forgets the stored path once the file is gone. A path that no
// longer matches is left alone.
func (s *Store) ClearFile(id, path string) error {
	var err error
	if execErr := s.exec(func() {
		j, ok := s.jobs[id]
		if !ok {
			err = ErrNotFound
			return
		}
		if j.FilePath == path {
			j.FilePath = ""
		}
	}); execErr != nil {
		return execErr
	}
	return err
}

// Get returns a snapshot copy of the job.
func (s *Store) Get(id string) (*models.Job, error) {
	var out *models.Job
	if err := s.exec(func() {
		if j, ok := s.jobs[id]; ok {
			out = j.Clone()
		}
	}); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// IsLive reports whether id exists and has not reached a terminal state.
func (s *Store) IsLive(id string) bool {
	live := false
	_ = s.exec(func() {
		if j, ok := s.jobs[id]; ok {
			live = !j.Status.Terminal()
		}
	})
	return live
}

// Remove deletes the job and returns its last snapshot.
func (s *Store) Remove(id string) (*models.Job, error) {
	var out *models.Job
	if err := s.exec(func() {
		j, ok := s.jobs[id]
		if !ok {
			return
		}
		delete(s.jobs, id)
		s.emit(EventRemoved, j)
		out = j.Clone()
	}); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// Sweep drops terminal jobs whose last update is older than retention.
func (s *Store) Sweep(retention time.Duration) []*models.Job {
	var dropped []*models.Job
	_ = s.exec(func() {
		cutoff := s.now().Add(-retention)
		for id, j := range s.jobs {
			if !j.Status.Terminal() || j.UpdatedAt.After(cutoff) {
				continue
			}
			delete(s.jobs, id)
			s.emit(EventRemoved, j)
			dropped = append(dropped, j.Clone())
		}
	})
	if len(dropped) > 0 {
		log.Printf("[jobs] swept %d expired jobs", len(dropped))
	}
	return dropped
}

// Stats counts jobs by status.
func (s *Store) Stats() Stats {
	var st Stats
	_ = s.exec(func() {
		st.Total = len(s.jobs)
		for _, j := range s.jobs {
			switch j.Status {
			case models.JobStatusPending:
				st.Pending++
			case models.JobStatusProcessing:
				st.Processing++
			case models.JobStatusCompleted:
				st.Completed++
			case models.JobStatusFailed:
				st.Failed++
			}
		}
	})
	return st
}

// Close stops the owning goroutine. Later calls return ErrClosed.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.stop)
	})
	<-s.done
}
