// Package monitor publishes video files dropped into per-channel
// directories. Each tick claims a file with a lock marker, generates its
// metadata, publishes it to every configured destination and archives it,
// so that each file is published at most once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"autopilot/internal/telemetry"
	"autopilot/internal/types"
)

// DefaultLockTTL is the age after which a lock marker is considered abandoned.
const DefaultLockTTL = 30 * time.Minute

// DefaultConcurrency bounds how many channels are scanned at once.
const DefaultConcurrency = 4

// FailureSource tags failure records written by the monitor.
const FailureSource = "file_publish"

// MaxTitleLength is the publisher's title limit.
const MaxTitleLength = 100

// ChannelSource lists channels with file publishing enabled.
type ChannelSource interface {
	ListPublishEnabled(ctx context.Context) ([]types.Channel, error)
}

// SettingsSource reads an owner's automation settings.
type SettingsSource interface {
	Get(ctx context.Context, ownerID string) (*types.AutomationSettings, error)
}

// ProcessedStore is the durable processed-file record.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, channelID, fileName string) (bool, error)
	MarkProcessed(ctx context.Context, rec types.ProcessedFileRecord) error
}

// FailureStore records failed attempts.
type FailureStore interface {
	LogFailure(ctx context.Context, rec types.FileFailureRecord) error
	RecordTerminal(ctx context.Context, rec types.FileFailureRecord) error
	TerminalFailure(ctx context.Context, channelID, fileName string) (*types.FileFailureRecord, error)
}

// MetadataGenerator produces a title and description for a file.
type MetadataGenerator interface {
	GenerateMetadata(ctx context.Context, fileName string, ch *types.Channel) (types.FileMetadata, error)
}

// PublishRequest is one publish call to one destination.
type PublishRequest struct {
	APIKey      types.SecretString
	Platform    string
	AccountID   string
	MediaURL    string
	Title       string
	Description string
}

// Publisher posts a media file to one destination and returns the post id.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (string, error)
}

// FailureNotifier announces terminal failures to operators.
type FailureNotifier interface {
	NotifyFileFailure(ctx context.Context, rec types.FileFailureRecord) error
}

// Config tunes the monitor.
type Config struct {
	LockTTL     time.Duration
	Concurrency int
	// DefaultAPIKey is used for channels without their own publisher key.
	DefaultAPIKey types.SecretString
	// Holder identifies this process in lock markers.
	Holder string
}

// Deps are the monitor's collaborators. Notifier and Metrics are optional.
type Deps struct {
	Channels  ChannelSource
	Settings  SettingsSource
	Processed ProcessedStore
	Failures  FailureStore
	Metadata  MetadataGenerator
	Publisher Publisher
	Notifier  FailureNotifier
	FS        FileSystem
	Cache     *ProcessedCache
	Metrics   telemetry.Metrics
}

// TickReport summarises one file monitor tick.
type TickReport struct {
	StartedAt        time.Time     `json:"startedAt"`
	Duration         time.Duration `json:"duration"`
	Channels         int           `json:"channels"`
	Paused           int           `json:"paused"`
	ConfigErrors     int           `json:"configErrors"`
	Candidates       int           `json:"candidates"`
	Processed        int           `json:"processed"`
	SkippedLocked    int           `json:"skippedLocked"`
	SkippedProcessed int           `json:"skippedProcessed"`
	SkippedFailed    int           `json:"skippedFailed"`
	ReclaimedLocks   int           `json:"reclaimedLocks"`
	Retryable        int           `json:"retryable"`
	Terminal         int           `json:"terminal"`
	Errors           int           `json:"errors"`
	Panics           int           `json:"panics"`
}

func (r *TickReport) add(o TickReport) {
	r.ConfigErrors += o.ConfigErrors
	r.Candidates += o.Candidates
	r.Processed += o.Processed
	r.SkippedLocked += o.SkippedLocked
	r.SkippedProcessed += o.SkippedProcessed
	r.SkippedFailed += o.SkippedFailed
	r.ReclaimedLocks += o.ReclaimedLocks
	r.Retryable += o.Retryable
	r.Terminal += o.Terminal
	r.Errors += o.Errors
	r.Panics += o.Panics
}

// Counts returns the report's counters keyed by metric name.
func (r TickReport) Counts() map[string]int {
	return map[string]int{
		"channels":          r.Channels,
		"paused":            r.Paused,
		"config_errors":     r.ConfigErrors,
		"candidates":        r.Candidates,
		"processed":         r.Processed,
		"skipped_locked":    r.SkippedLocked,
		"skipped_processed": r.SkippedProcessed,
		"skipped_failed":    r.SkippedFailed,
		"reclaimed_locks":   r.ReclaimedLocks,
		"retryable":         r.Retryable,
		"terminal":          r.Terminal,
		"errors":            r.Errors,
		"panics":            r.Panics,
	}
}

// FileMonitor runs the claim-and-process loop.
type FileMonitor struct {
	deps   Deps
	layout Layout
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewFileMonitor creates a FileMonitor.
func NewFileMonitor(deps Deps, layout Layout, cfg Config, logger *slog.Logger) *FileMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if deps.Cache == nil {
		deps.Cache = NewProcessedCache()
	}
	if deps.FS == nil {
		deps.FS = NewOSFileSystem()
	}
	deps.Metrics = telemetry.OrNoop(deps.Metrics)
	return &FileMonitor{deps: deps, layout: layout, cfg: cfg, logger: logger, now: time.Now}
}

// RunFileMonitorTick scans every publish-enabled channel once. Failures of
// one file or channel are logged and counted; the only returned error is a
// failure to list channels.
func (m *FileMonitor) RunFileMonitorTick(ctx context.Context) (TickReport, error) {
	start := m.now()
	report := TickReport{StartedAt: start.UTC()}

	channels, err := m.deps.Channels.ListPublishEnabled(ctx)
	if err != nil {
		return report, fmt.Errorf("listing publish-enabled channels: %w", err)
	}
	report.Channels = len(channels)

	byOwner := make(map[string][]types.Channel)
	for _, ch := range channels {
		byOwner[ch.OwnerID] = append(byOwner[ch.OwnerID], ch)
	}
	owners := make([]string, 0, len(byOwner))
	for o := range byOwner {
		owners = append(owners, o)
	}
	sort.Strings(owners)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Concurrency)

	for _, owner := range owners {
		if m.ownerPaused(ctx, owner) {
			report.Paused += len(byOwner[owner])
			continue
		}
		for _, ch := range byOwner[owner] {
			ch := ch
			g.Go(func() error {
				local := m.runChannel(ctx, &ch)
				mu.Lock()
				report.add(local)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	report.Duration = m.now().Sub(start)
	m.deps.Metrics.RecordTick(ctx, "file_tick", report.Counts(), report.Duration)
	m.logger.InfoContext(ctx, "file monitor tick complete",
		"channels", report.Channels,
		"candidates", report.Candidates,
		"processed", report.Processed,
		"retryable", report.Retryable,
		"terminal", report.Terminal,
	)
	return report, nil
}

// ownerPaused treats an unreadable settings document as not paused.
func (m *FileMonitor) ownerPaused(ctx context.Context, owner string) bool {
	if m.deps.Settings == nil {
		return false
	}
	settings, err := m.deps.Settings.Get(ctx, owner)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to read automation settings", "owner_id", owner, "error", err)
		return false
	}
	if settings != nil && settings.IsAutomationPaused {
		m.logger.InfoContext(ctx, "automation paused, skipping owner's channels", "owner_id", owner)
		return true
	}
	return false
}

// publishKey returns the key used for a channel, or a config error.
func (m *FileMonitor) publishKey(ch *types.Channel) (types.SecretString, error) {
	key := ch.PublishAPIKey
	if key.IsZero() {
		key = m.cfg.DefaultAPIKey
	}
	if key.IsZero() {
		return "", types.NewAppError(types.ErrCodeConfigNoAPIKey, "publisher api key is missing", nil)
	}
	if len(ch.DestinationPlatforms()) == 0 {
		return "", types.NewAppError(types.ErrCodeConfigNoDestination, "no publish destination configured", nil)
	}
	return key, nil
}

func (m *FileMonitor) runChannel(ctx context.Context, ch *types.Channel) (rep TickReport) {
	log := m.logger.With("channel_id", ch.ID, "owner_id", ch.OwnerID)
	defer func() {
		if r := recover(); r != nil {
			rep.Panics++
			log.ErrorContext(ctx, "channel scan panicked", "panic", fmt.Sprint(r))
		}
	}()

	key, err := m.publishKey(ch)
	if err != nil {
		rep.ConfigErrors++
		log.WarnContext(ctx, "file publishing enabled but misconfigured", "error", err)
		return rep
	}

	paths := m.layout.PathsFor(ch)
	for _, dir := range []string{paths.InputDir, paths.ArchiveDir} {
		if err := m.deps.FS.EnsureDir(dir); err != nil {
			rep.Errors++
			log.ErrorContext(ctx, "failed to create channel directory", "dir", dir, "error", err)
			return rep
		}
	}

	files, err := m.deps.FS.ListFiles(paths.InputDir)
	if err != nil {
		rep.Errors++
		log.ErrorContext(ctx, "failed to list channel directory", "dir", paths.InputDir, "error", err)
		return rep
	}

	for _, f := range files {
		if !IsCandidate(f.Name) {
			continue
		}
		if ctx.Err() != nil {
			return rep
		}
		rep.Candidates++
		m.processFile(ctx, ch, key, paths, f, &rep)
	}
	return rep
}

// processFile runs one candidate through the claim checks and the pipeline.
func (m *FileMonitor) processFile(ctx context.Context, ch *types.Channel, key types.SecretString, paths Paths, f FileInfo, rep *TickReport) {
	log := m.logger.With("channel_id", ch.ID, "file_name", f.Name)
	defer func() {
		if r := recover(); r != nil {
			rep.Panics++
			log.ErrorContext(ctx, "file processing panicked", "panic", fmt.Sprint(r))
		}
	}()

	now := m.now()
	lock, err := m.deps.FS.ReadLock(paths.InputDir, f.Name)
	if err != nil {
		rep.Errors++
		log.WarnContext(ctx, "failed to read lock, skipping", "error", err)
		return
	}
	if lock != nil {
		age := now.Sub(lock.StartedAt)
		if age < m.cfg.LockTTL {
			rep.SkippedLocked++
			log.InfoContext(ctx, "file is being processed, skipping", "lock_age", age.String())
			return
		}
		reclaimed, err := m.deps.FS.ReclaimLock(paths.InputDir, f.Name, *lock)
		if err != nil {
			rep.Errors++
			log.ErrorContext(ctx, "failed to remove abandoned lock", "error", err)
			return
		}
		if !reclaimed {
			rep.SkippedLocked++
			log.InfoContext(ctx, "abandoned lock was taken over by another worker, skipping")
			return
		}
		rep.ReclaimedLocks++
		log.WarnContext(ctx, "reclaimed abandoned lock",
			"lock_age", age.String(),
			"holder", lock.Holder,
		)
	}

	done, err := m.isProcessed(ctx, ch.ID, f.Name)
	if err != nil {
		rep.Errors++
		log.WarnContext(ctx, "processed check failed, skipping until next tick", "error", err)
		return
	}
	if done {
		rep.SkippedProcessed++
		return
	}

	failed, err := m.deps.Failures.TerminalFailure(ctx, ch.ID, f.Name)
	if err != nil {
		rep.Errors++
		log.WarnContext(ctx, "failure record check failed, skipping until next tick", "error", err)
		return
	}
	if failed != nil && failed.FileModTime.Equal(f.ModTime) {
		rep.SkippedFailed++
		log.DebugContext(ctx, "file failed terminally and is unchanged, skipping")
		return
	}

	marker := types.LockMarker{ChannelID: ch.ID, FileName: f.Name, StartedAt: now.UTC(), Holder: m.cfg.Holder}
	if err := m.deps.FS.WriteLock(paths.InputDir, f.Name, marker); err != nil {
		if errors.Is(err, ErrLockExists) {
			rep.SkippedLocked++
			log.InfoContext(ctx, "lost lock race, skipping")
			return
		}
		rep.Errors++
		log.ErrorContext(ctx, "failed to create lock", "error", err)
		return
	}
	defer func() {
		if err := m.deps.FS.RemoveLock(paths.InputDir, f.Name); err != nil {
			log.WarnContext(ctx, "failed to remove lock", "error", err)
		}
	}()

	// A concurrent worker may have finished the file between the checks
	// above and taking the lock.
	if m.deps.Cache.Has(ch.ID, f.Name) {
		rep.SkippedProcessed++
		return
	}

	result := m.publish(ctx, ch, key, paths, f)
	switch {
	case result.err == nil:
		rep.Processed++
		m.deps.Metrics.RecordOutcome(ctx, telemetry.ComponentFile, telemetry.ResultSuccess)
		m.complete(ctx, ch, paths, f, result.results)
	case types.IsRetryable(result.err):
		rep.Retryable++
		m.deps.Metrics.RecordOutcome(ctx, telemetry.ComponentFile, telemetry.ResultRetryable)
		m.recordFailure(ctx, ch, f, result.err, true)
	default:
		rep.Terminal++
		m.deps.Metrics.RecordOutcome(ctx, telemetry.ComponentFile, telemetry.ResultTerminal)
		m.recordFailure(ctx, ch, f, result.err, false)
	}
}

// isProcessed checks the cache first and warms it on a durable hit.
func (m *FileMonitor) isProcessed(ctx context.Context, channelID, fileName string) (bool, error) {
	if m.deps.Cache.Has(channelID, fileName) {
		return true, nil
	}
	ok, err := m.deps.Processed.IsProcessed(ctx, channelID, fileName)
	if err != nil {
		return false, err
	}
	if ok {
		m.deps.Cache.Mark(channelID, fileName, m.now())
	}
	return ok, nil
}

type publishOutcome struct {
	results []types.PublishResult
	err     error
}

// publish generates metadata and posts to every destination. It succeeds
// when at least one destination accepted the file.
func (m *FileMonitor) publish(ctx context.Context, ch *types.Channel, key types.SecretString, paths Paths, f FileInfo) publishOutcome {
	meta, err := m.deps.Metadata.GenerateMetadata(ctx, f.Name, ch)
	if err != nil {
		return publishOutcome{err: fmt.Errorf("metadata generation: %w", err)}
	}
	title := NormalizeTitle(meta.Title)
	if title == "" {
		title = NormalizeTitle(strings.TrimSuffix(f.Name, filepath.Ext(f.Name)))
	}
	mediaURL := m.layout.MediaURL(paths, f.Name)

	var (
		results   []types.PublishResult
		failures  []string
		retryable bool
		succeeded int
	)
	for _, platform := range ch.DestinationPlatforms() {
		postID, err := m.deps.Publisher.Publish(ctx, PublishRequest{
			APIKey:      key,
			Platform:    platform,
			AccountID:   ch.Destinations[platform],
			MediaURL:    mediaURL,
			Title:       title,
			Description: meta.Description,
		})
		if err != nil {
			results = append(results, types.PublishResult{Platform: platform, Error: err.Error()})
			failures = append(failures, platform+": "+err.Error())
			if types.IsRetryable(err) {
				retryable = true
			}
			continue
		}
		succeeded++
		results = append(results, types.PublishResult{Platform: platform, Success: true, PostID: postID})
	}

	if succeeded > 0 {
		return publishOutcome{results: results}
	}
	msg := "All platforms failed: " + strings.Join(failures, "; ")
	code := types.ErrCodeTerminalPublishRejected
	if retryable {
		code = types.ErrCodeUpstreamPublisher
	}
	return publishOutcome{results: results, err: types.NewAppError(code, msg, nil)}
}

// complete records a published file and archives it. Both steps only warn
// on failure: the file is already live on at least one destination.
func (m *FileMonitor) complete(ctx context.Context, ch *types.Channel, paths Paths, f FileInfo, results []types.PublishResult) {
	log := m.logger.With("channel_id", ch.ID, "file_name", f.Name)
	now := m.now().UTC()

	m.deps.Cache.Mark(ch.ID, f.Name, now)
	if err := m.deps.Processed.MarkProcessed(ctx, types.ProcessedFileRecord{
		ChannelID:   ch.ID,
		FileName:    f.Name,
		ProcessedAt: now,
	}); err != nil {
		log.WarnContext(ctx, "failed to persist processed record", "error", err)
	}

	var published, warnings []string
	for _, r := range results {
		if r.Success {
			published = append(published, r.Platform)
		} else {
			warnings = append(warnings, r.Platform+": "+r.Error)
		}
	}
	if len(warnings) > 0 {
		log.WarnContext(ctx, "some destinations failed", "warnings", warnings)
	}

	dst, err := m.deps.FS.MoveFile(paths.InputDir, f.Name, paths.ArchiveDir)
	if err != nil {
		log.WarnContext(ctx, "published but failed to archive", "error", err)
		return
	}
	log.InfoContext(ctx, "file published and archived",
		"platforms", published,
		"archived_to", dst,
	)
}

func (m *FileMonitor) recordFailure(ctx context.Context, ch *types.Channel, f FileInfo, cause error, retryable bool) {
	log := m.logger.With("channel_id", ch.ID, "file_name", f.Name)
	rec := types.FileFailureRecord{
		OwnerID:     ch.OwnerID,
		ChannelID:   ch.ID,
		Source:      FailureSource,
		FileName:    f.Name,
		Error:       failureMessage(cause),
		Retryable:   retryable,
		FileModTime: f.ModTime,
		CreatedAt:   m.now().UTC(),
	}

	if retryable {
		log.WarnContext(ctx, "file publish failed, will retry next tick", "error", cause)
		if err := m.deps.Failures.LogFailure(ctx, rec); err != nil {
			log.WarnContext(ctx, "failed to write failure log", "error", err)
		}
		return
	}

	log.ErrorContext(ctx, "file publish failed terminally", "error", cause)
	if err := m.deps.Failures.RecordTerminal(ctx, rec); err != nil {
		log.ErrorContext(ctx, "failed to record terminal failure", "error", err)
	}
	if m.deps.Notifier != nil {
		if err := m.deps.Notifier.NotifyFileFailure(ctx, rec); err != nil {
			log.WarnContext(ctx, "failed to send failure notification", "error", err)
		}
	}
}

func failureMessage(err error) string {
	if appErr, ok := err.(*types.AppError); ok {
		return appErr.Message
	}
	return err.Error()
}

// NormalizeTitle collapses whitespace and truncates to MaxTitleLength runes,
// ending a truncated title with an ellipsis.
func NormalizeTitle(title string) string {
	clean := strings.Join(strings.Fields(title), " ")
	runes := []rune(clean)
	if len(runes) <= MaxTitleLength {
		return clean
	}
	cut := strings.TrimSpace(string(runes[:MaxTitleLength-1]))
	cut = strings.TrimRight(cut, ".,;:!?-—–")
	return strings.TrimSpace(cut) + "…"
}
