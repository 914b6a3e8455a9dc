// Package tasks runs delayed follow-up actions for generation results: one
// live timer per (channel, message) pair, re-armed rather than stacked, with
// a durable completion check at fire time.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopilot/internal/telemetry"
	"autopilot/internal/types"
)

// DefaultTaskTimeout bounds one run of the chained action.
const DefaultTaskTimeout = 10 * time.Minute

// Spec describes a delayed task to schedule.
type Spec struct {
	ChannelID  string        `json:"channelId" validate:"required"`
	OwnerID    string        `json:"ownerId" validate:"required"`
	ScheduleID string        `json:"scheduleId,omitempty"`
	MessageRef string        `json:"messageRef" validate:"required"`
	Title      string        `json:"title,omitempty"`
	PromptText string        `json:"promptText,omitempty"`
	Delay      time.Duration `json:"delay"`
}

// Outcome is what the chained action reports.
type Outcome struct {
	Success        bool
	DestinationRef string
	Error          string
}

// DownloadPublisher is the chained action run when a task fires.
type DownloadPublisher interface {
	RunDownloadAndPublish(ctx context.Context, task types.DelayedTask) (Outcome, error)
}

// CompletionStore is the durable record of finished chained actions.
// docstore.CompletionRepository satisfies it.
type CompletionStore interface {
	IsCompleted(ctx context.Context, ownerID, channelID, messageRef string) (bool, error)
	MarkCompleted(ctx context.Context, ownerID, channelID, messageRef, destinationRef string, at time.Time) error
}

// stopper is the part of *time.Timer the scheduler needs.
type stopper interface {
	Stop() bool
}

type entry struct {
	task  types.DelayedTask
	timer stopper
}

// Scheduler holds the live task set. Pending tasks are indexed by dedup key;
// a running task leaves the index, so a new task for the same key can be
// armed while the old one finishes.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*entry
	byKey  map[string]string
	closed bool
	wg     sync.WaitGroup

	completions CompletionStore
	action      DownloadPublisher
	metrics     telemetry.Metrics
	timeout     time.Duration
	logger      *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	afterFunc func(d time.Duration, f func()) stopper
	now       func() time.Time
	newID     func() string
}

// NewScheduler creates a Scheduler. A non-positive timeout means
// DefaultTaskTimeout.
func NewScheduler(completions CompletionStore, action DownloadPublisher, metrics telemetry.Metrics, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:       make(map[string]*entry),
		byKey:       make(map[string]string),
		completions: completions,
		action:      action,
		metrics:     telemetry.OrNoop(metrics),
		timeout:     timeout,
		logger:      logger,
		baseCtx:     ctx,
		cancel:      cancel,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		now:   time.Now,
		newID: func() string { return "task_" + uuid.New().String() },
	}
}

// DedupKey identifies the upstream message a task follows.
func DedupKey(channelID, messageRef string) string {
	return channelID + "|" + messageRef
}

// Schedule arms a task and returns its id. A pending task with the same
// dedup key is cancelled first; if its timer has already elapsed, that task
// is kept and its id returned instead.
func (s *Scheduler) Schedule(spec Spec) (string, error) {
	if spec.ChannelID == "" || spec.OwnerID == "" || spec.MessageRef == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField,
			"channelId, ownerId and messageRef are required", nil)
	}
	if spec.Delay < 0 {
		spec.Delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "task scheduler is shut down", nil)
	}

	key := DedupKey(spec.ChannelID, spec.MessageRef)
	if prevID, ok := s.byKey[key]; ok {
		if !s.cancelLocked(prevID) {
			// The previous timer already elapsed and its callback is about to
			// run; it stays the one live task for the key.
			s.logger.Info("delayed task already firing, not re-armed",
				"task_id", prevID,
				"channel_id", spec.ChannelID,
				"message_ref", spec.MessageRef,
			)
			return prevID, nil
		}
		s.logger.Info("re-arming delayed task",
			"previous_task_id", prevID,
			"channel_id", spec.ChannelID,
			"message_ref", spec.MessageRef,
		)
	}

	now := s.now()
	id := s.newID()
	task := types.DelayedTask{
		ID:         id,
		ChannelID:  spec.ChannelID,
		OwnerID:    spec.OwnerID,
		ScheduleID: spec.ScheduleID,
		MessageRef: spec.MessageRef,
		Title:      spec.Title,
		PromptText: spec.PromptText,
		RunAt:      now.Add(spec.Delay),
		CreatedAt:  now,
		State:      types.TaskStatePending,
	}
	e := &entry{task: task}
	s.tasks[id] = e
	s.byKey[key] = id
	s.wg.Add(1)
	e.timer = s.afterFunc(spec.Delay, func() { s.fire(id) })

	s.logger.Info("delayed task scheduled",
		"task_id", id,
		"channel_id", spec.ChannelID,
		"schedule_id", spec.ScheduleID,
		"message_ref", spec.MessageRef,
		"run_at", task.RunAt.UTC().Format(time.RFC3339),
	)
	return id, nil
}

// Cancel stops a pending task. It returns false when the task is unknown or
// its callback has already started.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(id)
}

// CancelForSchedule cancels every pending task created by the schedule and
// returns how many were cancelled.
func (s *Scheduler) CancelForSchedule(channelID, scheduleID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.tasks {
		if e.task.ChannelID == channelID && e.task.ScheduleID == scheduleID && s.cancelLocked(id) {
			n++
		}
	}
	return n
}

func (s *Scheduler) cancelLocked(id string) bool {
	e, ok := s.tasks[id]
	if !ok || e.task.State != types.TaskStatePending {
		return false
	}
	if !e.timer.Stop() {
		// The callback is already queued; it will find the task running or gone.
		return false
	}
	delete(s.tasks, id)
	key := DedupKey(e.task.ChannelID, e.task.MessageRef)
	if s.byKey[key] == id {
		delete(s.byKey, key)
	}
	s.wg.Done()
	return true
}

// Get returns a live task by id.
func (s *Scheduler) Get(id string) (types.DelayedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return types.DelayedTask{}, false
	}
	return e.task, true
}

// List returns all live tasks ordered by RunAt.
func (s *Scheduler) List() []types.DelayedTask {
	s.mu.Lock()
	out := make([]types.DelayedTask, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.task)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out
}

// Wait blocks until every live task has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown rejects new tasks, cancels pending ones and waits for running ones.
// When ctx expires first, running tasks see their context cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cancelled := 0
	for id := range s.tasks {
		if s.cancelLocked(id) {
			cancelled++
		}
	}
	s.mu.Unlock()

	s.logger.Info("task scheduler shutting down", "cancelled_pending", cancelled)
	if err := s.Wait(ctx); err != nil {
		s.cancel()
		return fmt.Errorf("waiting for running tasks: %w", err)
	}
	s.cancel()
	return nil
}

// fire runs when a task's timer elapses. Once started it runs to completion.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok || e.task.State != types.TaskStatePending {
		s.mu.Unlock()
		s.wg.Done()
		return
	}
	e.task.State = types.TaskStateRunning
	key := DedupKey(e.task.ChannelID, e.task.MessageRef)
	if s.byKey[key] == id {
		delete(s.byKey, key)
	}
	task := e.task
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
		s.wg.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("delayed task panicked", "task_id", id, "panic", fmt.Sprint(r))
			s.metrics.RecordOutcome(context.Background(), telemetry.ComponentDelayedTask, telemetry.ResultFailed)
		}
	}()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
	defer cancel()
	s.metrics.RecordOutcome(ctx, telemetry.ComponentDelayedTask, s.run(ctx, task))
}

func (s *Scheduler) run(ctx context.Context, task types.DelayedTask) string {
	log := s.logger.With(
		"task_id", task.ID,
		"channel_id", task.ChannelID,
		"message_ref", task.MessageRef,
	)

	done, err := s.completions.IsCompleted(ctx, task.OwnerID, task.ChannelID, task.MessageRef)
	if err != nil {
		log.Warn("completion check failed, proceeding", "error", err)
	} else if done {
		log.Info("delayed task skipped, already completed")
		return telemetry.ResultSkipped
	}

	out, err := s.action.RunDownloadAndPublish(ctx, task)
	if err != nil {
		log.Error("delayed task failed", "error", err)
		return telemetry.ResultFailed
	}
	if !out.Success {
		log.Error("delayed task reported failure", "error", out.Error)
		return telemetry.ResultFailed
	}

	if err := s.completions.MarkCompleted(ctx, task.OwnerID, task.ChannelID, task.MessageRef, out.DestinationRef, s.now().UTC()); err != nil {
		log.Warn("failed to persist completion marker", "error", err)
	}
	log.Info("delayed task completed", "destination_ref", out.DestinationRef)
	return telemetry.ResultSuccess
}
