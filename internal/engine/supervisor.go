package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bstolman1/amulet-scan-port-sub011/internal/eventbus"
)

// Task statuses tracked by the supervisor.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// ErrTaskRunning is returned when a task with the same name is already live.
var ErrTaskRunning = errors.New("engine: task already running")

// Task is the recorded state of one supervised background build.
type Task struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Supervisor runs long index builds outside the cycle deadline, one live
// instance per task name, and keeps the last outcome of each.
type Supervisor struct {
	logger *zap.Logger
	bus    *eventbus.Bus

	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

// NewSupervisor builds a supervisor. bus may be nil; task transitions are
// then only logged.
func NewSupervisor(logger *zap.Logger, bus *eventbus.Bus) *Supervisor {
	return &Supervisor{
		logger: logger.Named("supervisor"),
		bus:    bus,
		tasks:  make(map[string]*Task),
	}
}

func (s *Supervisor) publish(task Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeBuildProgress, Data: task})
}

// Start launches fn under the given task name. A second start while the
// first is live returns ErrTaskRunning.
func (s *Supervisor) Start(ctx context.Context, name string, fn func(context.Context) error) error {
	s.mu.Lock()
	if t, ok := s.tasks[name]; ok && t.Status == TaskRunning {
		s.mu.Unlock()
		return ErrTaskRunning
	}
	task := &Task{Name: name, Status: TaskRunning, StartedAt: time.Now().UTC()}
	s.tasks[name] = task
	s.mu.Unlock()
	s.publish(*task)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		err := fn(ctx)
		done := time.Now().UTC()

		s.mu.Lock()
		task.CompletedAt = &done
		if err != nil {
			task.Status = TaskFailed
			task.Error = err.Error()
		} else {
			task.Status = TaskCompleted
		}
		snapshot := *task
		s.mu.Unlock()
		s.publish(snapshot)

		buildDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			buildFailures.WithLabelValues(name).Inc()
			s.logger.Error("background task failed", zap.String("task", name), zap.Error(err))
			return
		}
		s.logger.Info("background task complete",
			zap.String("task", name), zap.Duration("took", time.Since(start)))
	}()
	return nil
}

// Snapshot returns a copy of every known task record.
func (s *Supervisor) Snapshot() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// Running reports whether the named task is live.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	return ok && t.Status == TaskRunning
}

// Wait blocks until every launched task has returned. Used in shutdown and
// tests.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
