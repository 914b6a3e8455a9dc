package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"autopilot/internal/tasks"
	"autopilot/internal/telemetry"
	"autopilot/internal/types"
)

// DefaultChannelConcurrency bounds how many channels are processed at once.
const DefaultChannelConcurrency = 8

// DefaultGenerationPause separates consecutive generation calls of one firing.
const DefaultGenerationPause = time.Second

// ChannelSource lists channels with auto-send enabled and at least one
// enabled schedule.
type ChannelSource interface {
	ListAutoSend(ctx context.Context) ([]types.Channel, error)
}

// SettingsSource reads an owner's automation settings.
type SettingsSource interface {
	Get(ctx context.Context, ownerID string) (*types.AutomationSettings, error)
}

// Generator produces content for a channel and forwards it to the
// generation relay.
type Generator interface {
	GenerateAndDispatch(ctx context.Context, channelID, ownerID string) (types.GenerationResult, error)
}

// TaskSubmitter arms delayed download tasks. *tasks.Scheduler satisfies it.
type TaskSubmitter interface {
	Schedule(spec tasks.Spec) (string, error)
}

// DriverConfig tunes the tick driver.
type DriverConfig struct {
	ChannelConcurrency int
	GenerationPause    time.Duration
}

// TickReport summarises one schedule tick.
type TickReport struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Owners    int           `json:"owners"`
	Channels  int           `json:"channels"`
	// Evaluated counts enabled schedules of non-paused owners.
	Evaluated int `json:"evaluated"`
	// Paused counts enabled schedules skipped because the owner paused automation.
	Paused       int `json:"paused"`
	Fired        int `json:"fired"`
	Duplicates   int `json:"duplicates"`
	ConfigErrors int `json:"configErrors"`
	// Completed counts firings whose every generation call succeeded.
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	Generated        int `json:"generated"`
	TasksScheduled   int `json:"tasksScheduled"`
	TaskErrors       int `json:"taskErrors"`
	RecordErrors     int `json:"recordErrors"`
	Panics           int `json:"panics"`
	SettingsFailures int `json:"settingsFailures"`
}

func (r *TickReport) add(o TickReport) {
	r.Evaluated += o.Evaluated
	r.Fired += o.Fired
	r.Duplicates += o.Duplicates
	r.ConfigErrors += o.ConfigErrors
	r.Completed += o.Completed
	r.Failed += o.Failed
	r.Generated += o.Generated
	r.TasksScheduled += o.TasksScheduled
	r.TaskErrors += o.TaskErrors
	r.RecordErrors += o.RecordErrors
	r.Panics += o.Panics
}

// Counts returns the report's counters keyed by metric name.
func (r TickReport) Counts() map[string]int {
	return map[string]int{
		"channels":       r.Channels,
		"evaluated":      r.Evaluated,
		"paused":         r.Paused,
		"fired":          r.Fired,
		"duplicates":     r.Duplicates,
		"config_errors":  r.ConfigErrors,
		"completed":      r.Completed,
		"failed":         r.Failed,
		"generated":      r.Generated,
		"tasks":          r.TasksScheduled,
		"task_errors":    r.TaskErrors,
		"record_errors":  r.RecordErrors,
		"panics":         r.Panics,
		"settings_fails": r.SettingsFailures,
	}
}

// ScheduleDriver runs one evaluation pass over every auto-send schedule.
type ScheduleDriver struct {
	channels  ChannelSource
	settings  SettingsSource
	guard     *FireOnceGuard
	generator Generator
	tasks     TaskSubmitter
	delay     DelayPolicy
	metrics   telemetry.Metrics
	cfg       DriverConfig
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduleDriver wires a driver. tasks may be nil when auto-download is
// not available in this process; a nil delay means BucketDelay{}.
func NewScheduleDriver(
	channels ChannelSource,
	settings SettingsSource,
	guard *FireOnceGuard,
	generator Generator,
	submitter TaskSubmitter,
	delay DelayPolicy,
	metrics telemetry.Metrics,
	cfg DriverConfig,
	logger *slog.Logger,
) *ScheduleDriver {
	if logger == nil {
		logger = slog.Default()
	}
	if delay == nil {
		delay = BucketDelay{}
	}
	if cfg.ChannelConcurrency <= 0 {
		cfg.ChannelConcurrency = DefaultChannelConcurrency
	}
	if cfg.GenerationPause < 0 {
		cfg.GenerationPause = 0
	}
	return &ScheduleDriver{
		channels:  channels,
		settings:  settings,
		guard:     guard,
		generator: generator,
		tasks:     submitter,
		delay:     delay,
		metrics:   telemetry.OrNoop(metrics),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// RunScheduleTick evaluates every schedule against the current time.
func (d *ScheduleDriver) RunScheduleTick(ctx context.Context) (TickReport, error) {
	return d.RunScheduleTickAt(ctx, d.now().UTC())
}

// RunScheduleTickAt evaluates every schedule against now. Failures inside a
// schedule are logged and counted; the only returned error is a failure to
// list channels.
func (d *ScheduleDriver) RunScheduleTickAt(ctx context.Context, now time.Time) (TickReport, error) {
	report := TickReport{StartedAt: now}
	start := d.now()
	d.guard.Prune(now)

	channels, err := d.channels.ListAutoSend(ctx)
	if err != nil {
		return report, fmt.Errorf("listing auto-send channels: %w", err)
	}
	report.Channels = len(channels)

	byOwner := groupByOwner(channels)
	report.Owners = len(byOwner)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.ChannelConcurrency)

	for _, owner := range sortedOwners(byOwner) {
		owned := byOwner[owner]
		settings, err := d.settings.Get(ctx, owner)
		if err != nil {
			d.logger.WarnContext(ctx, "failed to read automation settings, using defaults",
				"owner_id", owner,
				"error", err,
			)
			report.SettingsFailures++
			settings = nil
		}
		if settings != nil && settings.IsAutomationPaused {
			n := 0
			for _, ch := range owned {
				n += enabledSchedules(ch)
			}
			report.Paused += n
			d.logger.InfoContext(ctx, "automation paused, skipping owner",
				"owner_id", owner,
				"channels", len(owned),
				"schedules", n,
			)
			continue
		}

		for _, ch := range owned {
			ch := ch
			g.Go(func() error {
				local := d.runChannel(ctx, ch, settings, now)
				mu.Lock()
				report.add(local)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	report.Duration = d.now().Sub(start)
	d.metrics.RecordTick(ctx, string(TickSchedules), report.Counts(), report.Duration)
	d.logger.InfoContext(ctx, "schedule tick complete",
		"channels", report.Channels,
		"evaluated", report.Evaluated,
		"fired", report.Fired,
		"duplicates", report.Duplicates,
		"paused", report.Paused,
		"failed", report.Failed,
	)
	return report, nil
}

func (d *ScheduleDriver) runChannel(ctx context.Context, ch types.Channel, settings *types.AutomationSettings, now time.Time) TickReport {
	var rep TickReport
	for _, s := range ch.Schedules {
		if !s.Enabled {
			continue
		}
		rep.Evaluated++
		d.runSchedule(ctx, &ch, s, settings, now, &rep)
	}
	return rep
}

// runSchedule evaluates and, when due, fires one schedule. Panics stop at
// this boundary.
func (d *ScheduleDriver) runSchedule(ctx context.Context, ch *types.Channel, s types.Schedule, settings *types.AutomationSettings, now time.Time, rep *TickReport) {
	log := d.logger.With("channel_id", ch.ID, "owner_id", ch.OwnerID, "schedule_id", s.ID)
	defer func() {
		if r := recover(); r != nil {
			rep.Panics++
			log.ErrorContext(ctx, "schedule evaluation panicked", "panic", fmt.Sprint(r))
		}
	}()

	due, err := Evaluate(s, ch.Timezone, now)
	if err != nil {
		rep.ConfigErrors++
		log.WarnContext(ctx, "schedule skipped, invalid configuration",
			"time", s.Time,
			"timezone", ch.Timezone,
			"error", err,
		)
		return
	}
	if !due {
		return
	}

	decision := d.guard.TryClaimFiring(ch, s, now)
	if !decision.Fire {
		rep.Duplicates++
		log.InfoContext(ctx, "schedule already fired, skipping", "reason", decision.Reason)
		return
	}
	rep.Fired++
	log.InfoContext(ctx, "schedule triggered",
		"runs", s.Runs(),
		"time", s.Time,
		"timezone", ch.Timezone,
	)

	succeeded, err := d.fire(ctx, ch, s, settings, now, rep)
	if err != nil {
		rep.Failed++
		if succeeded == 0 {
			d.guard.ReleaseClaim(ch, s, decision)
		}
		log.ErrorContext(ctx, "scheduled generation failed",
			"succeeded", succeeded,
			"runs", s.Runs(),
			"error", err,
		)
		return
	}

	rep.Completed++
	if err := d.guard.RecordFired(ctx, ch, s, now); err != nil {
		rep.RecordErrors++
		log.WarnContext(ctx, "failed to persist lastRunAt", "error", err)
	}
}

// fire issues the schedule's generation calls in order, pausing between
// them, and stops at the first failure.
func (d *ScheduleDriver) fire(ctx context.Context, ch *types.Channel, s types.Schedule, settings *types.AutomationSettings, now time.Time, rep *TickReport) (int, error) {
	runs := s.Runs()
	for i := 0; i < runs; i++ {
		if i > 0 {
			if err := d.sleep(ctx, d.cfg.GenerationPause); err != nil {
				return i, err
			}
		}
		res, err := d.generator.GenerateAndDispatch(ctx, ch.ID, ch.OwnerID)
		if err != nil {
			return i, fmt.Errorf("generation %d/%d: %w", i+1, runs, err)
		}
		rep.Generated++
		if ch.ShouldAutoDownload() {
			d.submitDownload(ctx, ch, s, settings, res, now, rep)
		}
	}
	return runs, nil
}

// submitDownload arms the delayed download for one generation result.
// Failures are logged and do not fail the firing.
func (d *ScheduleDriver) submitDownload(ctx context.Context, ch *types.Channel, s types.Schedule, settings *types.AutomationSettings, res types.GenerationResult, now time.Time, rep *TickReport) {
	if d.tasks == nil {
		return
	}
	clock, err := LocalClockAt(ch.Timezone, now)
	local := now
	if err == nil {
		local = clock.Time
	}
	delay := d.delay.DelayFor(settings, local)
	id, err := d.tasks.Schedule(tasks.Spec{
		ChannelID:  ch.ID,
		OwnerID:    ch.OwnerID,
		ScheduleID: s.ID,
		MessageRef: res.MessageRef,
		Title:      res.Title,
		PromptText: res.PromptText,
		Delay:      delay,
	})
	if err != nil {
		rep.TaskErrors++
		d.logger.ErrorContext(ctx, "failed to schedule auto-download",
			"channel_id", ch.ID,
			"schedule_id", s.ID,
			"message_ref", res.MessageRef,
			"error", err,
		)
		return
	}
	rep.TasksScheduled++
	d.logger.InfoContext(ctx, "auto-download scheduled",
		"channel_id", ch.ID,
		"task_id", id,
		"delay_minutes", int(delay/time.Minute),
	)
}

func groupByOwner(channels []types.Channel) map[string][]types.Channel {
	out := make(map[string][]types.Channel)
	for _, ch := range channels {
		out[ch.OwnerID] = append(out[ch.OwnerID], ch)
	}
	return out
}

func sortedOwners(m map[string][]types.Channel) []string {
	owners := make([]string, 0, len(m))
	for o := range m {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}

func enabledSchedules(ch types.Channel) int {
	n := 0
	for _, s := range ch.Schedules {
		if s.Enabled {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
