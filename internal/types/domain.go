package types

import (
	"sort"
	"time"
)

// Schedule is one recurring auto-send slot of a channel.
type Schedule struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	// DaysOfWeek uses 0 = Sunday through 6 = Saturday.
	DaysOfWeek []int `json:"daysOfWeek"`
	// Time is the wall-clock slot in the channel's zone, "HH:MM" or "H:MM".
	Time          string     `json:"time"`
	PromptsPerRun int        `json:"promptsPerRun"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
}

// RunsOn reports whether the schedule includes the given weekday.
func (s Schedule) RunsOn(day time.Weekday) bool {
	for _, d := range s.DaysOfWeek {
		if d == int(day) {
			return true
		}
	}
	return false
}

// Runs returns the number of generation calls per firing, never less than one.
func (s Schedule) Runs() int {
	if s.PromptsPerRun < 1 {
		return 1
	}
	return s.PromptsPerRun
}

// Channel is a tenant-owned content stream with its automation settings.
// OwnerID is not stored in the document body; it comes from the document path.
type Channel struct {
	ID         string `json:"-"`
	OwnerID    string `json:"-"`
	Name       string `json:"name"`
	OwnerEmail string `json:"ownerEmail,omitempty"`
	// Timezone is an IANA zone name. Empty means UTC.
	Timezone        string     `json:"timezone,omitempty"`
	AutoSendEnabled bool       `json:"autoSendEnabled"`
	Schedules       []Schedule `json:"autoSendSchedules,omitempty"`

	AutoDownloadEnabled bool   `json:"autoDownloadToDriveEnabled"`
	DriveFolderID       string `json:"googleDriveFolderId,omitempty"`

	FilePublishEnabled bool         `json:"publishEnabled"`
	PublishAPIKey      SecretString `json:"publishApiKey,omitempty"`
	// Destinations maps a platform name to the publisher account id.
	Destinations map[string]string `json:"publishDestinations,omitempty"`
}

// ShouldAutoDownload reports whether generation results of this channel
// must be followed by a delayed download task.
func (c *Channel) ShouldAutoDownload() bool {
	return c.AutoDownloadEnabled && c.DriveFolderID != ""
}

// DestinationPlatforms returns the configured platforms with a non-empty
// account id, sorted for deterministic publish order.
func (c *Channel) DestinationPlatforms() []string {
	out := make([]string, 0, len(c.Destinations))
	for p, acct := range c.Destinations {
		if acct != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Schedule returns the schedule with the given id.
func (c *Channel) Schedule(id string) (Schedule, bool) {
	for _, s := range c.Schedules {
		if s.ID == id {
			return s, true
		}
	}
	return Schedule{}, false
}

// AutomationSettings holds per-owner automation preferences.
type AutomationSettings struct {
	IsAutomationPaused bool `json:"isAutomationPaused"`
	MinInterval0013    *int `json:"minInterval_00_13,omitempty"`
	MinInterval1317    *int `json:"minInterval_13_17,omitempty"`
	MinInterval1724    *int `json:"minInterval_17_24,omitempty"`
	MinIntervalMinutes *int `json:"minIntervalMinutes,omitempty"`
}

// TaskState is the lifecycle state of a DelayedTask.
type TaskState string

const (
	TaskStatePending TaskState = "pending"
	TaskStateRunning TaskState = "running"
)

// DelayedTask is a live timer-backed follow-up action for one generation
// result. It exists only in memory.
type DelayedTask struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	OwnerID    string    `json:"ownerId"`
	ScheduleID string    `json:"scheduleId,omitempty"`
	MessageRef string    `json:"messageRef"`
	Title      string    `json:"title,omitempty"`
	PromptText string    `json:"promptText,omitempty"`
	RunAt      time.Time `json:"runAt"`
	CreatedAt  time.Time `json:"createdAt"`
	State      TaskState `json:"state"`
}

// GenerationResult is returned by the generation pipeline for one prompt.
type GenerationResult struct {
	MessageRef string `json:"messageRef"`
	Title      string `json:"title,omitempty"`
	PromptText string `json:"prompt,omitempty"`
}

// ProcessedFileRecord is the durable "published" record for one file of a
// channel's pending directory.
type ProcessedFileRecord struct {
	ChannelID   string    `json:"channelId"`
	FileName    string    `json:"fileName"`
	ProcessedAt time.Time `json:"processedAt"`
}

// FileFailureRecord records a failed publish attempt. Terminal records carry
// the file's modification time; the file is skipped until it changes.
type FileFailureRecord struct {
	OwnerID     string    `json:"userId"`
	ChannelID   string    `json:"channelId"`
	Source      string    `json:"source"`
	FileName    string    `json:"fileName"`
	Error       string    `json:"error"`
	Retryable   bool      `json:"retryable"`
	FileModTime time.Time `json:"fileModTime"`
	CreatedAt   time.Time `json:"createdAt"`
}

// LockMarker is the content of a "<file>.lock" claim marker.
type LockMarker struct {
	ChannelID string    `json:"channelId"`
	FileName  string    `json:"fileName"`
	StartedAt time.Time `json:"startedAt"`
	Holder    string    `json:"holder,omitempty"`
}

// PublishResult is the per-destination outcome of one publish attempt.
type PublishResult struct {
	Platform string `json:"platform"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	PostID   string `json:"postId,omitempty"`
}

// FileMetadata is the generated title and description for a video file.
type FileMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}
