package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"autopilot/internal/types"
)

// ============================================================
// ChannelRepository
// ============================================================

// ChannelRepository reads channels across all tenants and records schedule
// firings.
type ChannelRepository struct {
	store  Store
	logger *slog.Logger
}

func NewChannelRepository(store Store, logger *slog.Logger) *ChannelRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelRepository{store: store, logger: logger}
}

// ListAutoSend returns channels with auto-send enabled and at least one
// enabled schedule.
func (r *ChannelRepository) ListAutoSend(ctx context.Context) ([]types.Channel, error) {
	return r.list(ctx, func(c *types.Channel) bool {
		if !c.AutoSendEnabled {
			return false
		}
		for _, s := range c.Schedules {
			if s.Enabled {
				return true
			}
		}
		return false
	})
}

// ListPublishEnabled returns channels with file auto-publish enabled. The
// publish configuration is not validated here.
func (r *ChannelRepository) ListPublishEnabled(ctx context.Context) ([]types.Channel, error) {
	return r.list(ctx, func(c *types.Channel) bool { return c.FilePublishEnabled })
}

func (r *ChannelRepository) list(ctx context.Context, keep func(*types.Channel) bool) ([]types.Channel, error) {
	docs, err := r.store.QueryCollectionGroup(ctx, CollectionChannels)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query channels", err)
	}

	out := make([]types.Channel, 0, len(docs))
	for _, doc := range docs {
		if doc.OwnerID == "" {
			r.logger.WarnContext(ctx, "channel document outside a tenant path", "path", doc.Path)
			continue
		}
		ch, err := decodeChannel(doc)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping malformed channel document", "path", doc.Path, "error", err)
			continue
		}
		if keep(&ch) {
			out = append(out, ch)
		}
	}
	return out, nil
}

// Get returns one channel.
func (r *ChannelRepository) Get(ctx context.Context, ownerID, channelID string) (*types.Channel, error) {
	doc, err := r.store.Read(ctx, ChannelPath(ownerID, channelID))
	if errors.Is(err, ErrNotFound) {
		return nil, types.NewAppError(types.ErrCodeNotFoundDocument, "channel not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read channel", err)
	}
	ch, err := decodeChannel(doc)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "malformed channel document", err)
	}
	return &ch, nil
}

// UpdateScheduleLastRun sets lastRunAt of one schedule. Sibling schedules
// and every other channel field are written back byte-for-byte. A value
// that would move lastRunAt backwards is ignored.
func (r *ChannelRepository) UpdateScheduleLastRun(ctx context.Context, ownerID, channelID, scheduleID string, at time.Time) error {
	path := ChannelPath(ownerID, channelID)
	doc, err := r.store.Read(ctx, path)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to read channel for lastRunAt update", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc.Data, &fields); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "malformed channel document", err)
	}
	var schedules []map[string]json.RawMessage
	if raw, ok := fields["autoSendSchedules"]; ok {
		if err := json.Unmarshal(raw, &schedules); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "malformed schedules array", err)
		}
	}

	found := false
	for _, s := range schedules {
		var id string
		if err := json.Unmarshal(s["id"], &id); err != nil || id != scheduleID {
			continue
		}
		found = true
		if prev, ok := s["lastRunAt"]; ok {
			var prevAt time.Time
			if json.Unmarshal(prev, &prevAt) == nil && !at.After(prevAt) {
				return nil
			}
		}
		s["lastRunAt"], _ = json.Marshal(at.UTC())
		break
	}
	if !found {
		return types.NewAppError(types.ErrCodeNotFoundDocument, "schedule not found on channel", nil).
			WithDetails(map[string]any{"channel_id": channelID, "schedule_id": scheduleID})
	}

	fields["autoSendSchedules"], err = json.Marshal(schedules)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode schedules", err)
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode channel", err)
	}
	if err := r.store.Write(ctx, path, data); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write channel", err)
	}
	return nil
}

func decodeChannel(doc Document) (types.Channel, error) {
	var ch types.Channel
	if err := json.Unmarshal(doc.Data, &ch); err != nil {
		return types.Channel{}, err
	}
	ch.ID = doc.ID()
	ch.OwnerID = doc.OwnerID
	return ch, nil
}

// ============================================================
// SettingsRepository
// ============================================================

// SettingsRepository reads per-owner automation settings.
type SettingsRepository struct {
	store Store
}

func NewSettingsRepository(store Store) *SettingsRepository {
	return &SettingsRepository{store: store}
}

// Get returns the owner's settings. A missing document yields zero settings
// (not paused, no configured intervals).
func (r *SettingsRepository) Get(ctx context.Context, ownerID string) (*types.AutomationSettings, error) {
	var s types.AutomationSettings
	found, err := readJSON(ctx, r.store, SettingsPath(ownerID), &s)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read automation settings", err)
	}
	if !found {
		return &types.AutomationSettings{}, nil
	}
	return &s, nil
}

// ============================================================
// CompletionRepository
// ============================================================

type completionMarker struct {
	MessageRef     string    `json:"messageRef"`
	Uploaded       bool      `json:"uploadedToDrive"`
	DestinationRef string    `json:"destinationRef,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}

// CompletionRepository stores the durable "already downloaded" marker of
// chained auto-download actions.
type CompletionRepository struct {
	store Store
}

func NewCompletionRepository(store Store) *CompletionRepository {
	return &CompletionRepository{store: store}
}

func (r *CompletionRepository) IsCompleted(ctx context.Context, ownerID, channelID, messageRef string) (bool, error) {
	var m completionMarker
	found, err := readJSON(ctx, r.store, AutoDownloadPath(ownerID, channelID, messageRef), &m)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to read completion marker", err)
	}
	return found && m.Uploaded, nil
}

func (r *CompletionRepository) MarkCompleted(ctx context.Context, ownerID, channelID, messageRef, destinationRef string, at time.Time) error {
	m := completionMarker{
		MessageRef:     messageRef,
		Uploaded:       true,
		DestinationRef: destinationRef,
		CompletedAt:    at.UTC(),
	}
	if err := writeJSON(ctx, r.store, AutoDownloadPath(ownerID, channelID, messageRef), m); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write completion marker", err)
	}
	return nil
}

// ============================================================
// ProcessedFileRepository
// ============================================================

// ProcessedFileRepository stores the authoritative "published" records of
// the file monitor.
type ProcessedFileRepository struct {
	store Store
}

func NewProcessedFileRepository(store Store) *ProcessedFileRepository {
	return &ProcessedFileRepository{store: store}
}

func (r *ProcessedFileRepository) IsProcessed(ctx context.Context, channelID, fileName string) (bool, error) {
	var rec types.ProcessedFileRecord
	found, err := readJSON(ctx, r.store, ProcessedFilePath(channelID, fileName), &rec)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to read processed file record", err)
	}
	return found, nil
}

func (r *ProcessedFileRepository) MarkProcessed(ctx context.Context, rec types.ProcessedFileRecord) error {
	if err := writeJSON(ctx, r.store, ProcessedFilePath(rec.ChannelID, rec.FileName), rec); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write processed file record", err)
	}
	return nil
}

// ============================================================
// FailureRepository
// ============================================================

// FailureRepository records terminal file failures for auditing.
type FailureRepository struct {
	store Store
	newID func() string
}

func NewFailureRepository(store Store) *FailureRepository {
	return &FailureRepository{store: store, newID: uuid.NewString}
}

// RecordTerminal appends an audit log entry and stores the per-file marker
// that keeps the file from being retried until it changes.
func (r *FailureRepository) RecordTerminal(ctx context.Context, rec types.FileFailureRecord) error {
	if err := r.LogFailure(ctx, rec); err != nil {
		return err
	}
	if err := writeJSON(ctx, r.store, FailedFilePath(rec.ChannelID, rec.FileName), rec); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write failed file record", err)
	}
	return nil
}

// LogFailure appends an audit log entry only. Retryable failures use it so
// the file stays eligible for the next tick.
func (r *FailureRepository) LogFailure(ctx context.Context, rec types.FileFailureRecord) error {
	if err := writeJSON(ctx, r.store, ErrorLogPath(r.newID()), rec); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write error log", err)
	}
	return nil
}

// TerminalFailure returns the recorded terminal failure of a file, or nil.
func (r *FailureRepository) TerminalFailure(ctx context.Context, channelID, fileName string) (*types.FileFailureRecord, error) {
	var rec types.FileFailureRecord
	found, err := readJSON(ctx, r.store, FailedFilePath(channelID, fileName), &rec)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read failed file record", err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func readJSON(ctx context.Context, store Store, path string, dest any) (bool, error) {
	doc, err := store.Read(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(doc.Data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(ctx context.Context, store Store, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Write(ctx, path, data)
}
