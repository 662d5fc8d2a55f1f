package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPClient calls the speech backend over its JSON API.
type HTTPClient struct {
	baseURL    string
	httpClient *resty.Client
	logger     *slog.Logger
}

type processAudioRequest struct {
	Audio string `json:"audio"`
}

type processTextRequest struct {
	Text string `json:"text"`
}

type processResponse struct {
	Audio      string `json:"audio"`
	Transcript string `json:"transcript"`
}

// NewHTTPClient creates a client for baseURL. timeout bounds each request on
// top of the caller's context.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL = strings.TrimRight(baseURL, "/")
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "hearthly/1.0").
		SetTimeout(timeout)
	return &HTTPClient{baseURL: baseURL, httpClient: client, logger: logger}
}

// ProcessAudio posts a recorded utterance.
func (c *HTTPClient) ProcessAudio(ctx context.Context, audio []byte) (*Reply, error) {
	return c.post(ctx, "/process-audio", processAudioRequest{
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

// ProcessText posts a typed utterance.
func (c *HTTPClient) ProcessText(ctx context.Context, text string) (*Reply, error) {
	return c.post(ctx, "/process-text", processTextRequest{Text: text})
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) (*Reply, error) {
	var out processResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s request failed: %w", ErrUnavailable, path, err)
	}
	if resp.IsError() {
		c.logger.Warn("speech backend returned error", "path", path, "status", resp.StatusCode())
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, path, resp.StatusCode(), resp.String())
	}

	audio, err := decodeAudio(out.Audio)
	if err != nil {
		return nil, err
	}
	return &Reply{Audio: audio, Transcript: out.Transcript}, nil
}

var _ Backend = (*HTTPClient)(nil)
