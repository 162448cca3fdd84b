package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxRetries = 3
	defaultRetryBase  = time.Second
)

// Transient status codes that warrant a bounded retry. Anything else is
// surfaced verbatim to the caller.
var transientStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zerolog.Logger

	// History polling budget.
	HistoryAttempts int
	HistoryDelay    time.Duration

	// Retry tuning for transient statuses. Zero values pick defaults.
	MaxRetries int
	RetryBase  time.Duration
}

// Client encapsulates all HTTP interactions with the ComfyUI engine:
// submission, history lookup, asset retrieval and input uploads.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        zerolog.Logger

	historyAttempts int
	historyDelay    time.Duration

	maxRetries int
	retryBase  time.Duration
}

// NewClient builds a Client from Options, applying engine defaults.
func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "http://127.0.0.1:8188"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 600 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	attempts := opts.HistoryAttempts
	if attempts <= 0 {
		attempts = 120
	}
	delay := opts.HistoryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	return &Client{
		httpClient:      client,
		baseURL:         base,
		log:             log,
		historyAttempts: attempts,
		historyDelay:    delay,
		maxRetries:      maxRetries,
		retryBase:       retryBase,
	}
}

// BaseURL returns the configured engine endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WebsocketURL derives the event stream endpoint for the given session
// client identifier.
func (c *Client) WebsocketURL(clientID string) string {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	return wsBase + "/ws?clientId=" + url.QueryEscape(clientID)
}

// do issues the request, retrying on transient statuses with exponential
// backoff. The body must be replayable via req.GetBody. POSTs share the
// same transient-status policy; ambiguous transport failures are returned
// to the caller rather than silently resubmitted.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if req.GetBody != nil && attempt > 0 {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := c.httpClient.Do(req)
		if err == nil && !transientStatus[resp.StatusCode] {
			return resp, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			resp.Body.Close()
		}

		if attempt >= c.maxRetries {
			return nil, lastErr
		}

		delay := c.retryBase << attempt
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
}

func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// CheckServer polls the engine's root endpoint until it answers 200 or the
// attempt budget runs out.
func (c *Client) CheckServer(ctx context.Context, retries int, interval time.Duration) bool {
	c.log.Info().Str("base_uri", c.baseURL).Msg("checking ComfyUI server")

	probe := &http.Client{Timeout: 5 * time.Second}
	for i := 0; i < retries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
		if err != nil {
			return false
		}
		resp, err := probe.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				c.log.Info().Msg("ComfyUI server is reachable")
				return true
			}
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return false
		}
	}

	c.log.Error().Int("attempts", retries).Msg("failed to connect to ComfyUI server")
	return false
}

// Ping verifies the engine is up by querying its system stats endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return err
	}
	probe := &http.Client{Timeout: 5 * time.Second}
	resp, err := probe.Do(req)
	if err != nil {
		return fmt.Errorf("ComfyUI disconnected: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ComfyUI health check failed (http %d)", resp.StatusCode)
	}
	return nil
}

type queueResponse struct {
	PromptID string `json:"prompt_id"`
}

// SubmitPrompt queues a prepared workflow and returns the engine-assigned
// prompt identifier.
func (c *Client) SubmitPrompt(ctx context.Context, workflow map[string]any) (string, error) {
	resp, err := c.postJSON(ctx, "prompt", map[string]any{"prompt": workflow})
	if err != nil {
		return "", fmt.Errorf("queue workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("failed to queue workflow: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode queue response: %w", err)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("queue response missing prompt_id")
	}
	return out.PromptID, nil
}

// FetchHistoryOnce performs a single point-in-time history lookup. It
// returns (nil, nil) when the store has no record yet for the identifier.
func (c *Client) FetchHistoryOnce(ctx context.Context, promptID string) (*ExecutionRecord, error) {
	resp, err := c.get(ctx, "history/"+url.PathEscape(promptID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history fetch: http %d", resp.StatusCode)
	}

	var history map[string]*ExecutionRecord
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("invalid history JSON: %w", err)
	}
	return history[promptID], nil
}

// FetchHistory polls the history store until a record for promptID appears,
// up to the configured attempt ceiling with a fixed inter-attempt delay.
// Network errors are logged and counted against the same budget. It returns
// ErrHistoryNotFound only after the full budget is exhausted.
func (c *Client) FetchHistory(ctx context.Context, promptID string) (*ExecutionRecord, error) {
	for attempt := 0; attempt < c.historyAttempts; attempt++ {
		record, err := c.FetchHistoryOnce(ctx, promptID)
		if err != nil {
			c.log.Error().Err(err).
				Int("attempt", attempt+1).
				Int("attempts", c.historyAttempts).
				Msg("history fetch failed")
		} else if record != nil {
			return record, nil
		}

		if attempt < c.historyAttempts-1 {
			c.log.Debug().
				Str("prompt_id", promptID).
				Int("attempt", attempt+1).
				Int("attempts", c.historyAttempts).
				Msg("history not ready, retrying")
			select {
			case <-time.After(c.historyDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("%w for prompt %s after %d attempts", ErrHistoryNotFound, promptID, c.historyAttempts)
}

// FetchAssetBytes retrieves the raw bytes of one produced asset from the
// engine's view endpoint.
func (c *Client) FetchAssetBytes(ctx context.Context, asset Asset) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", asset.Filename)
	params.Set("subfolder", asset.Subfolder)
	params.Set("type", asset.Type)

	resp, err := c.get(ctx, "view?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch asset %s: %w", asset.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch asset %s: http %d", asset.Filename, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UploadImage uploads an input image to the engine under the given filename,
// overwriting any previous upload with the same name.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("upload image %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload image %s: http %d: %s", filename, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
