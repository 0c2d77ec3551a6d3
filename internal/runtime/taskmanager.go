package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

// ErrTaskRunning is returned when a task with the same name is still running.
var ErrTaskRunning = errors.New("task already running")

// TaskFunc is a function that runs as a background task
type TaskFunc func(ctx context.Context) error

// TaskInfo is a point-in-time view of one task.
type TaskInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	StartTime   time.Time  `json:"startTime"`
	Status      TaskStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
}

type task struct {
	info   TaskInfo
	cancel context.CancelFunc
}

// TaskManager supervises the gateway's long-running loops (bridge routing,
// listeners, config watcher, session monitor) and one-shot jobs such as
// scheduled credential rotations. A panicking task is recorded as failed
// instead of taking the process down.
type TaskManager struct {
	mu     sync.Mutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTaskManager(ctx context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskManager{
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs fn in its own goroutine. A name may be reused once the previous
// task with that name has finished.
func (tm *TaskManager) Start(name, description string, fn TaskFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if existing, ok := tm.tasks[name]; ok && existing.info.Status == TaskStatusRunning {
		return fmt.Errorf("%w: %s", ErrTaskRunning, name)
	}
	if err := tm.ctx.Err(); err != nil {
		return fmt.Errorf("task manager stopped: %w", err)
	}

	taskCtx, cancel := context.WithCancel(tm.ctx)
	t := &task{
		info: TaskInfo{
			Name:        name,
			Description: description,
			StartTime:   time.Now(),
			Status:      TaskStatusRunning,
		},
		cancel: cancel,
	}
	tm.tasks[name] = t

	tm.wg.Add(1)
	go tm.run(taskCtx, t, fn)
	return nil
}

func (tm *TaskManager) run(ctx context.Context, t *task, fn TaskFunc) {
	defer tm.wg.Done()
	defer t.cancel()
	entry := log.WithField("task", t.info.Name)

	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", r).Error("task panicked")
			tm.finish(t, TaskStatusFailed, fmt.Errorf("panic: %v", r))
		}
	}()

	entry.WithField("description", t.info.Description).Debug("task started")
	err := fn(ctx)

	switch {
	case err == nil:
		entry.Debug("task stopped")
		tm.finish(t, TaskStatusStopped, nil)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		tm.finish(t, TaskStatusCanceled, nil)
	default:
		entry.WithError(err).Error("task failed")
		tm.finish(t, TaskStatusFailed, err)
	}
}

func (tm *TaskManager) finish(t *task, status TaskStatus, err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t.info.Status = status
	if err != nil {
		t.info.Error = err.Error()
	}
}

// Stop cancels a running task.
func (tm *TaskManager) Stop(name string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	t, ok := tm.tasks[name]
	if !ok {
		return fmt.Errorf("task %s not found", name)
	}
	if t.info.Status != TaskStatusRunning {
		return fmt.Errorf("task %s is not running", name)
	}
	t.cancel()
	return nil
}

// StopAll cancels every task; later Start calls fail.
func (tm *TaskManager) StopAll() {
	tm.cancel()
}

// Wait blocks until every started task has returned.
func (tm *TaskManager) Wait() {
	tm.wg.Wait()
}

// List returns every known task ordered by name.
func (tm *TaskManager) List() []TaskInfo {
	tm.mu.Lock()
	out := make([]TaskInfo, 0, len(tm.tasks))
	for _, t := range tm.tasks {
		out = append(out, t.info)
	}
	tm.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
