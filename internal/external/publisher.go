package external

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"autopilot/internal/monitor"
	"autopilot/internal/types"
)

// PublisherAPIKeyHeader carries the per-channel publisher key.
const PublisherAPIKeyHeader = "blotato-api-key"

// PublisherClient posts media to social destinations through the
// publishing service's /posts endpoint.
type PublisherClient struct {
	base    *BaseClient
	baseURL string
	logger  *slog.Logger
}

var _ monitor.Publisher = (*PublisherClient)(nil)

// NewPublisherClient creates a PublisherClient. Posts are never retried
// inside a tick; the file is picked up again on the next one.
func NewPublisherClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *PublisherClient {
	return NewPublisherClientWithBase(NewBaseClient(httpClient, "publisher", NoRetryPolicy()), baseURL, logger)
}

// NewPublisherClientWithBase creates a PublisherClient over a preconfigured
// BaseClient.
func NewPublisherClientWithBase(base *BaseClient, baseURL string, logger *slog.Logger) *PublisherClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublisherClient{base: base, baseURL: strings.TrimSuffix(baseURL, "/"), logger: logger}
}

type postTarget struct {
	TargetType              string `json:"targetType"`
	Title                   string `json:"title,omitempty"`
	PrivacyStatus           string `json:"privacyStatus,omitempty"`
	ShouldNotifySubscribers *bool  `json:"shouldNotifySubscribers,omitempty"`
	PageID                  string `json:"pageId,omitempty"`
	BoardID                 string `json:"boardId,omitempty"`
}

type postContent struct {
	Text      string   `json:"text"`
	Platform  string   `json:"platform"`
	MediaURLs []string `json:"mediaUrls"`
}

type postBody struct {
	Post struct {
		Target    postTarget  `json:"target"`
		Content   postContent `json:"content"`
		AccountID string      `json:"accountId"`
	} `json:"post"`
}

type postResponse struct {
	ID               string `json:"id"`
	PostSubmissionID string `json:"postSubmissionId"`
}

// Publish posts one media URL to one destination and returns the post id.
// Rejections are terminal_publish_rejected; their message decides whether
// the attempt is retried on a later tick.
func (c *PublisherClient) Publish(ctx context.Context, req monitor.PublishRequest) (string, error) {
	if req.APIKey.IsZero() {
		return "", types.NewAppError(types.ErrCodeConfigNoAPIKey, "publisher api key is missing", nil)
	}
	if req.AccountID == "" {
		return "", types.NewAppError(types.ErrCodeConfigNoDestination,
			fmt.Sprintf("no account configured for %s", req.Platform), nil)
	}

	body := buildPost(req)
	header := http.Header{}
	header.Set(PublisherAPIKeyHeader, req.APIKey.Unmask())

	var out postResponse
	err := c.base.PostJSON(ctx, c.baseURL+"/posts", header, body, &out, func(status int, msg string) error {
		return types.NewAppError(types.ErrCodeTerminalPublishRejected,
			joinMessage(fmt.Sprintf("%s rejected the post (%d)", req.Platform, status), msg), nil)
	})
	if err != nil {
		c.logger.WarnContext(ctx, "publish failed", "platform", req.Platform, "error", err)
		return "", err
	}

	id := out.ID
	if id == "" {
		id = out.PostSubmissionID
	}
	c.logger.InfoContext(ctx, "published", "platform", req.Platform, "post_id", id)
	return id, nil
}

// buildPost shapes the post for the destination platform. Facebook and
// Pinterest account ids may carry a second id after a colon: the page and
// the board respectively.
func buildPost(req monitor.PublishRequest) postBody {
	var b postBody
	account, extra, _ := strings.Cut(req.AccountID, ":")
	b.Post.AccountID = account
	b.Post.Content = postContent{
		Text:      req.Description,
		Platform:  req.Platform,
		MediaURLs: []string{req.MediaURL},
	}

	t := postTarget{TargetType: req.Platform}
	switch req.Platform {
	case "youtube":
		notify := true
		t.Title = req.Title
		t.PrivacyStatus = "public"
		t.ShouldNotifySubscribers = &notify
	case "facebook":
		t.PageID = extra
	case "pinterest":
		t.Title = req.Title
		t.BoardID = extra
	}
	if b.Post.Content.Text == "" {
		b.Post.Content.Text = req.Title
	}
	b.Post.Target = t
	return b
}
