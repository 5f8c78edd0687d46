package worker

import "context"

// TaskType distinguishes pipeline work from control messages.
type TaskType int

const (
	TaskTranscribe TaskType = iota
	taskStop
)

func (t TaskType) String() string {
	switch t {
	case TaskTranscribe:
		return "transcribe"
	case taskStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Task is one unit of pipeline work.
type Task struct {
	Type  TaskType
	JobID string
}

// Runner executes a job end to end. It must leave the job terminal.
type Runner interface {
	Run(ctx context.Context, jobID string)
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Task
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Task),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.wg.Done()
		for task := range w.jobChannel {
			if task.Type == taskStop {
				w.pool.retire(w.jobChannel)
				debugLog("[worker-%d] stopped", w.id)
				return
			}
			debugLog("[worker-%d] run %s job %s", w.id, task.Type, task.JobID)
			w.pool.runner.Run(w.pool.ctx, task.JobID)
			if !w.pool.Release(w.jobChannel) {
				debugLog("[worker-%d] exit after job %s", w.id, task.JobID)
				return
			}
		}
	}()
}
