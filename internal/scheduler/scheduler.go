package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FireFunc is called when a task comes due. It blocks until the fire is
// handled; a non-nil error is recorded on the task but never stops the
// tick loop.
type FireFunc func(ctx context.Context, task *Task) error

// Scheduler scans for due tasks on a fixed tick and fires them. All
// scheduling state lives in the store; the loop itself is stateless and
// safe to restart.
type Scheduler struct {
	logger *slog.Logger
	store  *Store
	fire   FireFunc
	tick   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. tick is the scan interval.
func New(logger *slog.Logger, store *Store, fire FireFunc, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 2 * time.Second
	}
	return &Scheduler{
		logger: logger,
		store:  store,
		fire:   fire,
		tick:   tick,
		stopCh: make(chan struct{}),
	}
}

// Start recovers interrupted fires and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	recovered, err := s.store.RecoverFiring()
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Info("recovered interrupted task fires", "count", recovered)
	}

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Debug("scheduler started", "tick", s.tick)
	return nil
}

// Stop halts the tick loop and waits for in-flight fires to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.scan(ctx, now)
		}
	}
}

// scan fires every due task sequentially. Fires run in tick order so a
// burst of overdue tasks drains oldest first.
func (s *Scheduler) scan(ctx context.Context, now time.Time) {
	due, err := s.store.Due(now)
	if err != nil {
		s.logger.Error("due scan failed", "error", err)
		return
	}

	for _, task := range due {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		s.fireTask(ctx, task, now)
	}
}

func (s *Scheduler) fireTask(ctx context.Context, task *Task, now time.Time) {
	claimed, err := s.store.MarkFiring(task.ID)
	if err != nil {
		s.logger.Error("claim task failed", "task_id", task.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	s.logger.Info("firing task",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"scheduled_for", task.NextFireAt,
	)

	var fireErr error
	if s.fire != nil {
		fireErr = s.fire(ctx, task)
	}
	if fireErr != nil {
		s.logger.Error("task fire failed", "task_id", task.ID, "error", fireErr)
	}

	if err := s.store.FinishFire(task, now, fireErr); err != nil {
		s.logger.Error("record fire outcome failed", "task_id", task.ID, "error", err)
		return
	}

	if task.State == StatePending {
		s.logger.Debug("task rescheduled", "task_id", task.ID, "next", task.NextFireAt)
	}
}

// Schedule validates and persists a new task.
func (s *Scheduler) Schedule(task *Task) error {
	if err := s.store.CreateTask(task); err != nil {
		return err
	}

	s.logger.Info("task scheduled",
		"task_id", task.ID,
		"kind", task.Schedule.Kind,
		"next", task.NextFireAt,
		"created_by", task.CreatedBy,
	)
	return nil
}

// Cancel moves a task to the terminal cancelled state.
func (s *Scheduler) Cancel(id string) error {
	if err := s.store.CancelTask(id); err != nil {
		return err
	}
	s.logger.Info("task cancelled", "task_id", id)
	return nil
}

// Get retrieves a task by ID.
func (s *Scheduler) Get(id string) (*Task, error) {
	return s.store.GetTask(id)
}

// List returns tasks, optionally filtered by state.
func (s *Scheduler) List(states ...State) ([]*Task, error) {
	return s.store.ListTasks(states...)
}
