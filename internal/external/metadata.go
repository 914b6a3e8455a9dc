package external

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"autopilot/internal/monitor"
	"autopilot/internal/types"
)

// DefaultMetadataModel is the chat model asked for titles.
const DefaultMetadataModel = "gpt-4o-mini"

// maxDescriptionLength bounds generated descriptions.
const maxDescriptionLength = 70

// MetadataClientConfig configures a MetadataClient.
type MetadataClientConfig struct {
	// BaseURL is an OpenAI-compatible API root, e.g. https://api.openai.com.
	BaseURL string
	APIKey  types.SecretString
	Model   string
	Logger  *slog.Logger
}

// MetadataClient asks an OpenAI-compatible chat completion endpoint for a
// video title and description. Without an API key it derives both from the
// file name.
type MetadataClient struct {
	base   *BaseClient
	cfg    MetadataClientConfig
	logger *slog.Logger
}

var _ monitor.MetadataGenerator = (*MetadataClient)(nil)

func NewMetadataClient(httpClient *http.Client, cfg MetadataClientConfig) *MetadataClient {
	base := NewBaseClient(httpClient, "metadata", RetryPolicy{
		MaxRetries: 2,
		MinWait:    time.Second,
		MaxWait:    10 * time.Second,
	})
	return NewMetadataClientWithBase(base, cfg)
}

func NewMetadataClientWithBase(base *BaseClient, cfg MetadataClientConfig) *MetadataClient {
	if cfg.Model == "" {
		cfg.Model = DefaultMetadataModel
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MetadataClient{base: base, cfg: cfg, logger: logger}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// GenerateMetadata returns a title and description for fileName.
func (c *MetadataClient) GenerateMetadata(ctx context.Context, fileName string, ch *types.Channel) (types.FileMetadata, error) {
	if c.cfg.APIKey.IsZero() {
		return FallbackMetadata(fileName), nil
	}

	channelName := ""
	if ch != nil {
		channelName = ch.Name
	}
	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You write short, catchy titles for vertical videos. Reply with the title only, no quotes, at most 55 characters."},
			{Role: "user", Content: fmt.Sprintf("Channel: %s\nVideo file: %s", channelName, fileName)},
		},
		Temperature: 0.7,
		MaxTokens:   150,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey.Unmask())

	var out chatResponse
	err := c.base.PostJSON(ctx, c.cfg.BaseURL+"/v1/chat/completions", header, req, &out, func(status int, msg string) error {
		return types.NewAppError(types.ErrCodeTerminalMetadata,
			joinMessage(fmt.Sprintf("metadata request rejected (%d)", status), msg), nil)
	})
	if err != nil {
		return types.FileMetadata{}, err
	}

	var text string
	if len(out.Choices) > 0 {
		text = strings.TrimSpace(out.Choices[0].Message.Content)
	}
	text = strings.Trim(text, `"'«»`)
	if text == "" {
		return types.FileMetadata{}, types.NewAppError(types.ErrCodeTerminalMetadata, "metadata service returned an empty title", nil)
	}

	c.logger.DebugContext(ctx, "metadata generated", "file_name", fileName, "title_length", len([]rune(text)))
	return types.FileMetadata{Title: text, Description: truncateRunes(text, maxDescriptionLength)}, nil
}

// FallbackMetadata derives a title from the file name: extension dropped,
// underscores and dashes turned into spaces.
func FallbackMetadata(fileName string) types.FileMetadata {
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	base = strings.Join(strings.Fields(base), " ")
	if base == "" {
		base = "New video"
	}
	text := truncateRunes(base, maxDescriptionLength)
	return types.FileMetadata{Title: text, Description: text}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
