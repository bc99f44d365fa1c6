package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"market-chat/internal/domain"
	"market-chat/internal/integrations/paramstore"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o"
	defaultMaxRetries = 1
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Unwrap maps an authentication failure onto domain.ErrMissingCredentials.
func (e *HTTPStatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return domain.ErrMissingCredentials
	}
	return nil
}

// Client streams chat completions with tool calls from an OpenAI-compatible
// endpoint. The API key is read from SSM on first use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	model       string
	getter      Getter
	paramPrefix string

	keyMu sync.Mutex
	api   *sdk.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxRetries bounds retries of each model call.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		maxRetries:  defaultMaxRetries,
		model:       defaultModel,
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolve builds the SDK client on the first successful key read and reuses
// it for the lifetime of the process. Failed reads are retried on the next call.
func (c *Client) resolve(ctx context.Context) (sdk.Client, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.api != nil {
		return *c.api, nil
	}
	key, err := paramstore.Token(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		if errors.Is(err, paramstore.ErrNotFound) || errors.Is(err, paramstore.ErrEmptyToken) || errors.Is(err, paramstore.ErrMalformedToken) {
			return sdk.Client{}, fmt.Errorf("openai: resolve api key: %w: %w", domain.ErrMissingCredentials, err)
		}
		return sdk.Client{}, fmt.Errorf("openai: resolve api key: %w", err)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithBaseURL(apiBaseURL(c.baseURL)),
		option.WithMaxRetries(c.maxRetries),
	}
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	}
	api := sdk.NewClient(opts...)
	c.api = &api
	return api, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func (c *Client) modelOrDefault(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

// Stream starts one streamed completion. Text arrives as deltas; tool calls are
// delivered whole once their arguments are complete.
func (c *Client) Stream(ctx context.Context, req domain.ModelRequest) (domain.ModelStream, error) {
	api, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    c.modelOrDefault(req.Model),
		Messages: convertMessages(req.System, req.Messages),
	}
	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	raw := api.Chat.Completions.NewStreaming(ctx, params)
	return newChatStream(raw), nil
}

func apiBaseURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/"
}

func convertMessages(system string, msgs []domain.ChatMessage) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func convertTools(tools []domain.ToolSpec) ([]sdk.ChatCompletionToolParam, error) {
	out := make([]sdk.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		var params shared.FunctionParameters
		if t.Parameters != nil {
			data, err := json.Marshal(t.Parameters)
			if err != nil {
				return nil, fmt.Errorf("openai: encode parameters of tool %q: %w", t.Name, err)
			}
			if err := json.Unmarshal(data, &params); err != nil {
				return nil, fmt.Errorf("openai: parameters of tool %q are not a JSON object: %w", t.Name, err)
			}
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}

// translateError turns SDK API errors into HTTPStatusError.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("openai: request failed: %w", err)
	}
	url := ""
	if apiErr.Request != nil && apiErr.Request.URL != nil {
		url = apiErr.Request.URL.String()
	}
	return &HTTPStatusError{
		StatusCode: apiErr.StatusCode,
		URL:        url,
		Body:       apiErr.Message,
	}
}
