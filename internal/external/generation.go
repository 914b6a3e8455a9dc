package external

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"autopilot/internal/scheduler"
	"autopilot/internal/tasks"
	"autopilot/internal/types"
)

// GenerationClientConfig configures a GenerationClient.
type GenerationClientConfig struct {
	BaseURL string
	APIKey  types.SecretString
	Logger  *slog.Logger
}

// GenerationClient drives the generation pipeline: it starts one generation
// per call and, once the delay of a task has passed, asks the pipeline to
// download the result and publish it to the channel's storage.
type GenerationClient struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
	logger  *slog.Logger
}

var (
	_ scheduler.Generator     = (*GenerationClient)(nil)
	_ tasks.DownloadPublisher = (*GenerationClient)(nil)
)

// NewGenerationClient builds a client that never retries: a dispatch that
// failed after the relay forwarded it would otherwise send a second prompt
// for the same slot. The next tick is the retry.
func NewGenerationClient(httpClient *http.Client, cfg GenerationClientConfig) *GenerationClient {
	base := NewBaseClient(httpClient, "generation", NoRetryPolicy())
	return NewGenerationClientWithBase(base, cfg)
}

func NewGenerationClientWithBase(base *BaseClient, cfg GenerationClientConfig) *GenerationClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

type generateRequest struct {
	ChannelID string `json:"channelId"`
	OwnerID   string `json:"ownerId"`
}

type generateResponse struct {
	MessageRef string `json:"messageId"`
	Title      string `json:"title"`
	Prompt     string `json:"prompt"`
}

type downloadRequest struct {
	TaskID     string `json:"taskId"`
	ChannelID  string `json:"channelId"`
	OwnerID    string `json:"ownerId"`
	MessageRef string `json:"messageId"`
	Title      string `json:"title,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
}

type downloadResponse struct {
	Success        bool   `json:"success"`
	DestinationRef string `json:"fileId"`
	Error          string `json:"error"`
}

func (c *GenerationClient) header() http.Header {
	h := http.Header{}
	if !c.apiKey.IsZero() {
		h.Set("Authorization", "Bearer "+c.apiKey.Unmask())
	}
	return h
}

// GenerateAndDispatch starts one generation for the channel.
func (c *GenerationClient) GenerateAndDispatch(ctx context.Context, channelID, ownerID string) (types.GenerationResult, error) {
	var out generateResponse
	err := c.base.PostJSON(ctx, c.baseURL+"/v1/generations", c.header(),
		generateRequest{ChannelID: channelID, OwnerID: ownerID}, &out, rejectGeneration)
	if err != nil {
		return types.GenerationResult{}, err
	}
	if out.MessageRef == "" {
		return types.GenerationResult{}, types.NewAppError(types.ErrCodeUpstreamGeneration,
			"generation pipeline returned no message id", nil)
	}
	c.logger.InfoContext(ctx, "generation dispatched",
		"channel_id", channelID,
		"message_ref", out.MessageRef,
	)
	return types.GenerationResult{MessageRef: out.MessageRef, Title: out.Title, PromptText: out.Prompt}, nil
}

// RunDownloadAndPublish asks the pipeline to fetch a finished video and
// store it in the channel's destination folder.
func (c *GenerationClient) RunDownloadAndPublish(ctx context.Context, task types.DelayedTask) (tasks.Outcome, error) {
	var out downloadResponse
	err := c.base.PostJSON(ctx, c.baseURL+"/v1/downloads", c.header(), downloadRequest{
		TaskID:     task.ID,
		ChannelID:  task.ChannelID,
		OwnerID:    task.OwnerID,
		MessageRef: task.MessageRef,
		Title:      task.Title,
		Prompt:     task.PromptText,
	}, &out, rejectGeneration)
	if err != nil {
		return tasks.Outcome{}, err
	}
	return tasks.Outcome{Success: out.Success, DestinationRef: out.DestinationRef, Error: out.Error}, nil
}

func rejectGeneration(status int, msg string) error {
	if status == http.StatusConflict {
		return types.NewAppError(types.ErrCodeUpstreamInProgress, joinMessage("generation already in progress", msg), nil)
	}
	return types.NewAppError(types.ErrCodeTerminalRequest,
		joinMessage(fmt.Sprintf("generation pipeline rejected the request (%d)", status), msg), nil)
}
