// Package llm is a chat-completions client for OpenAI and Azure OpenAI.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/assistant"
)

const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"

	cognitiveScope = "https://cognitiveservices.azure.com/.default"
	temperature    = 0.2
)

var (
	ErrNotConfigured = errors.New("ai provider is not configured")

	retryStatuses = map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
		http.StatusGatewayTimeout:      true,
	}
	resetHeaders = []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"}
)

// Client implements assistant.Completer.
type Client struct {
	conf        core.AIConfig
	httpClient  *http.Client
	limiter     *rate.Limiter
	cred        azcore.TokenCredential
	backoffBase time.Duration
	logger      core.Logger
}

var _ assistant.Completer = (*Client)(nil)

type Option func(*Client)

// WithTokenCredential authenticates Azure calls with Entra ID instead of an api key.
func WithTokenCredential(cred azcore.TokenCredential) Option {
	return func(c *Client) { c.cred = cred }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) { c.backoffBase = d }
}

// NewClient builds a client for `conf.Provider`.
// Azure without an api key falls back to the default Azure credential chain.
func NewClient(conf core.AIConfig, logger core.Logger, opts ...Option) (*Client, error) {
	if conf.Provider == "" {
		conf.Provider = ProviderOpenAI
	}
	switch conf.Provider {
	case ProviderOpenAI:
		if conf.APIKey == "" {
			return nil, ErrNotConfigured
		}
		if conf.BaseURL == "" {
			conf.BaseURL = "https://api.openai.com/v1"
		}
	case ProviderAzure:
		if conf.AzureEndpoint == "" || conf.AzureDeployment == "" {
			return nil, ErrNotConfigured
		}
	default:
		return nil, errors.Wrapf(ErrNotConfigured, "unknown provider %q", conf.Provider)
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 60 * time.Second
	}
	if conf.MaxRetries < 0 {
		conf.MaxRetries = 0
	}

	limit := rate.Inf
	if conf.RequestsPerMinute > 0 {
		limit = rate.Limit(conf.RequestsPerMinute / 60)
	}
	c := &Client{
		conf:        conf,
		httpClient:  &http.Client{Timeout: conf.Timeout},
		limiter:     rate.NewLimiter(limit, 1),
		backoffBase: 500 * time.Millisecond,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if conf.Provider == ProviderAzure && conf.APIKey == "" && c.cred == nil {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, errors.Wrap(err, "loading azure credential")
		}
		c.cred = cred
	}
	return c, nil
}

func (c *Client) endpoint() string {
	if c.conf.Provider == ProviderAzure {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			c.conf.AzureEndpoint, url.PathEscape(c.conf.AzureDeployment), url.QueryEscape(c.conf.AzureAPIVersion))
	}
	return c.conf.BaseURL + "/chat/completions"
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	switch {
	case c.conf.Provider == ProviderOpenAI:
		req.Header.Set("Authorization", "Bearer "+c.conf.APIKey)
	case c.conf.APIKey != "":
		req.Header.Set("api-key", c.conf.APIKey)
	default:
		tok, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{cognitiveScope}})
		if err != nil {
			return errors.Wrap(err, "getting azure token")
		}
		req.Header.Set("Authorization", "Bearer "+tok.Token)
	}
	return nil
}

type chatRequest struct {
	Model       string                  `json:"model,omitempty"`
	Messages    []assistant.ChatMessage `json:"messages"`
	Temperature float64                 `json:"temperature"`
}

// Complete sends the conversation and returns the first choice's content.
// 429 and 5xx answers are retried, honouring Retry-After and the x-ratelimit-reset headers.
func (c *Client) Complete(ctx context.Context, messages []assistant.ChatMessage) (string, error) {
	cr := chatRequest{Messages: messages, Temperature: temperature}
	if c.conf.Provider == ProviderOpenAI {
		cr.Model = c.conf.Model
	}
	payload, err := json.Marshal(cr)
	if err != nil {
		return "", errors.Wrap(err, "encoding chat request")
	}

	var lastErr error
	for attempt := 0; attempt <= c.conf.MaxRetries; attempt++ {
		if err = c.limiter.Wait(ctx); err != nil {
			return "", errors.Wrap(err, "waiting for rate limiter")
		}

		body, status, header, err := c.post(ctx, payload)
		backoff := c.backoffBase * time.Duration(1<<uint(attempt))
		switch {
		case err != nil:
			lastErr = err
			backoff += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
		case status == http.StatusOK:
			content := gjson.GetBytes(body, "choices.0.message.content")
			if !content.Exists() {
				return "", errors.New("chat completion without content")
			}
			return strings.TrimSpace(content.String()), nil
		case retryStatuses[status]:
			lastErr = errors.Errorf("chat completion failed: %d %s", status, gjson.GetBytes(body, "error.message").String())
			backoff = RetryDelay(header, backoff)
		default:
			return "", errors.Errorf("chat completion failed: %d %s", status, gjson.GetBytes(body, "error.message").String())
		}

		if attempt == c.conf.MaxRetries {
			break
		}
		c.logger.Warn(fmt.Sprintf("llm.Complete: attempt %d failed, retrying in %s", attempt+1, backoff), lastErr)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", lastErr
}

func (c *Client) post(ctx context.Context, payload []byte) ([]byte, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "building chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	if err = c.authorize(ctx, req); err != nil {
		return nil, 0, nil, err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "calling chat completions")
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, res.Header, errors.Wrap(err, "reading chat completion")
	}
	return body, res.StatusCode, res.Header, nil
}

// RetryDelay reads how long to wait from Retry-After (seconds or HTTP date) or the
// x-ratelimit-reset-* headers ("12ms", "1s", "6m0s"). It never returns less than `fallback`.
func RetryDelay(h http.Header, fallback time.Duration) time.Duration {
	longest := func(d time.Duration) time.Duration {
		if d > fallback {
			return d
		}
		return fallback
	}

	if ra := strings.TrimSpace(h.Get("Retry-After")); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil {
			return longest(time.Duration(secs * float64(time.Second)))
		}
		if at, err := http.ParseTime(ra); err == nil {
			return longest(time.Until(at))
		}
	}
	for _, key := range resetHeaders {
		v := strings.ToLower(strings.TrimSpace(h.Get(key)))
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			return longest(d)
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return longest(time.Duration(secs * float64(time.Second)))
		}
	}
	return fallback
}
