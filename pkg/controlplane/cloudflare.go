package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/tailkeeper/pkg/log"
	"github.com/cuemby/tailkeeper/pkg/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// DefaultBaseURL is the Cloudflare v4 API root
const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

// CloudflareConfig holds settings for the Workers API client
type CloudflareConfig struct {
	BaseURL   string
	AccountID string
	APIToken  string
	RetryMax  int
	Timeout   time.Duration
}

// Cloudflare talks to the Workers scripts and tails endpoints
type Cloudflare struct {
	baseURL   string
	accountID string
	token     string
	retrying  *retryablehttp.Client
	logger    zerolog.Logger
}

// NewCloudflare creates a Workers API client. Listing is retried on
// transient failures; tail creation and deletion are attempted once so a
// lost response never leaves an orphaned duplicate tail behind.
func NewCloudflare(cfg CloudflareConfig) (*Cloudflare, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("cloudflare account id is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("cloudflare api token is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	logger := log.WithComponent("controlplane")

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = leveledLogger{logger: logger}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	return &Cloudflare{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: cfg.AccountID,
		token:     cfg.APIToken,
		retrying:  client,
		logger:    logger,
	}, nil
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type scriptObject struct {
	ID string `json:"id"`
}

type tailObject struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

// ListWorkloads returns the ids of every Worker script on the account
func (c *Cloudflare) ListWorkloads(ctx context.Context) ([]types.WorkloadID, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.scriptsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build list request: %w", err)
	}
	c.authorize(req.Header)

	resp, err := c.retrying.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	var scripts []scriptObject
	if err := decode(resp, &scripts); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	ids := make([]types.WorkloadID, 0, len(scripts))
	for _, script := range scripts {
		if script.ID == "" {
			continue
		}
		ids = append(ids, types.WorkloadID(script.ID))
	}
	return ids, nil
}

// OpenTail creates a tail for the script. The returned endpoint is the
// websocket address of the tail.
func (c *Cloudflare) OpenTail(ctx context.Context, id types.WorkloadID) (*Tail, error) {
	resp, err := c.once(ctx, http.MethodPost, c.tailsURL(id))
	if err != nil {
		return nil, fmt.Errorf("failed to create tail: %w", err)
	}

	var tail tailObject
	if err := decode(resp, &tail); err != nil {
		return nil, fmt.Errorf("failed to create tail: %w", err)
	}
	if tail.ID == "" || tail.URL == "" {
		return nil, fmt.Errorf("failed to create tail: incomplete tail object")
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, tail.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tail expiry %q: %w", tail.ExpiresAt, err)
	}

	return &Tail{
		ID:        tail.ID,
		Endpoint:  strings.TrimRight(tail.URL, "/") + "/ws",
		ExpiresAt: expiresAt,
	}, nil
}

// CloseTail deletes a tail
func (c *Cloudflare) CloseTail(ctx context.Context, id types.WorkloadID, tailID string) error {
	resp, err := c.once(ctx, http.MethodDelete, c.tailsURL(id)+"/"+url.PathEscape(tailID))
	if err != nil {
		return fmt.Errorf("failed to delete tail: %w", err)
	}
	if err := decode(resp, nil); err != nil {
		return fmt.Errorf("failed to delete tail: %w", err)
	}
	return nil
}

func (c *Cloudflare) once(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req.Header)
	return c.retrying.HTTPClient.Do(req)
}

func (c *Cloudflare) authorize(h http.Header) {
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+c.token)
}

func (c *Cloudflare) scriptsURL() string {
	return fmt.Sprintf("%s/accounts/%s/workers/scripts", c.baseURL, url.PathEscape(c.accountID))
}

func (c *Cloudflare) tailsURL(id types.WorkloadID) string {
	return fmt.Sprintf("%s/%s/tails", c.scriptsURL(), url.PathEscape(string(id)))
}

// decode reads the v4 response envelope and unmarshals its result into out
func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 300 || !env.Success {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, fmt.Sprintf("%d: %s", e.Code, e.Message))
		}
		return fmt.Errorf("api error (status %d): %s", resp.StatusCode, strings.Join(msgs, "; "))
	}

	if out == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// leveledLogger routes retryablehttp logging into zerolog
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.emit(l.logger.Error(), msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.emit(l.logger.Warn(), msg, kv) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.emit(l.logger.Debug(), msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.emit(l.logger.Debug(), msg, kv) }

func (l leveledLogger) emit(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}
