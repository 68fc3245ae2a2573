package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
	"github.com/m-mizutani/jarvis/pkg/utils/logging"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1/"

var (
	// ErrTimeout is returned when a completion exceeds its deadline
	ErrTimeout = goerr.New("LLM request timed out")
	// ErrDecode is returned when the response body could not be interpreted
	ErrDecode = goerr.New("could not parse LLM response")
	// ErrRequest is returned for transport failures without an HTTP response
	ErrRequest = goerr.New("LLM request failed")
)

// APIError is a non-2xx response from the completion endpoint
type APIError struct {
	StatusCode int
	Body       string
}

func (x *APIError) Error() string {
	return fmt.Sprintf("LLM API returned status %d", x.StatusCode)
}

// Details renders the response body the way it is reported back to the user. JSON
// bodies are compacted, anything else is truncated to 500 bytes.
func (x *APIError) Details() string {
	body := strings.TrimSpace(x.Body)
	if json.Valid([]byte(body)) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(body)); err == nil {
			return "Details: " + buf.String()
		}
	}
	if len(body) > 500 {
		body = body[:500]
	}
	return "Raw: " + body
}

// LLM is a chat completion endpoint
type LLM interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// CompletionRequest is one chat completion call. Nil sampling parameters are
// omitted from the request.
type CompletionRequest struct {
	Model       string
	Messages    []model.Message
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Timeout     time.Duration
}

// Completion is the first choice of a response
type Completion struct {
	Content   string
	Reasoning string
}

// LLMClient talks to an OpenAI compatible chat completions endpoint such as
// OpenRouter. Requests are never retried.
type LLMClient struct {
	client  openai.Client
	breaker *Breaker
	limiter *rate.Limiter
}

type llmConfig struct {
	baseURL  string
	siteURL  string
	siteName string
	rps      float64
	breaker  *Breaker
	options  []option.RequestOption
}

type LLMOption func(*llmConfig)

func WithBaseURL(url string) LLMOption {
	return func(c *llmConfig) {
		c.baseURL = url
	}
}

// WithSite sets the attribution headers OpenRouter uses for app rankings
func WithSite(url, name string) LLMOption {
	return func(c *llmConfig) {
		c.siteURL = url
		c.siteName = name
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables the limit.
func WithRateLimit(rps float64) LLMOption {
	return func(c *llmConfig) {
		c.rps = rps
	}
}

func WithBreaker(b *Breaker) LLMOption {
	return func(c *llmConfig) {
		c.breaker = b
	}
}

// WithRequestOptions passes raw options to the underlying client
func WithRequestOptions(opts ...option.RequestOption) LLMOption {
	return func(c *llmConfig) {
		c.options = append(c.options, opts...)
	}
}

// NewLLM creates a chat completion client authenticated with a bearer API key
func NewLLM(apiKey string, opts ...LLMOption) *LLMClient {
	cfg := &llmConfig{
		baseURL: DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
		option.WithMaxRetries(0),
	}
	if cfg.siteURL != "" {
		reqOpts = append(reqOpts, option.WithHeader("HTTP-Referer", cfg.siteURL))
	}
	if cfg.siteName != "" {
		reqOpts = append(reqOpts, option.WithHeader("X-Title", cfg.siteName))
	}
	reqOpts = append(reqOpts, cfg.options...)

	c := &LLMClient{
		client:  openai.NewClient(reqOpts...),
		breaker: cfg.breaker,
	}
	if cfg.rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.rps), 1)
	}
	if c.breaker == nil {
		c.breaker = NewBreaker("llm")
	}

	return c
}

func (c *LLMClient) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classify(err)
		}
	}

	result, err := c.breaker.Execute(ctx, func() (any, error) {
		return c.complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Completion), nil
}

func (c *LLMClient) complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	logger := logging.From(ctx)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	logger.Debug("sending chat completion", "model", req.Model, "messages", req.Messages)

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, goerr.Wrap(ErrDecode, "response has no choices", goerr.V("id", resp.ID))
	}

	msg := resp.Choices[0].Message
	completion := &Completion{Content: msg.Content}
	if field, ok := msg.JSON.ExtraFields["reasoning"]; ok {
		var reasoning *string
		if raw := field.Raw(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &reasoning); err == nil && reasoning != nil {
				completion.Reasoning = *reasoning
			}
		}
	}

	logger.Debug("received chat completion",
		"model", resp.Model,
		"content", completion.Content,
		"reasoning", completion.Reasoning,
	)

	return completion, nil
}

func toOpenAIMessages(msgs []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleSystem:
			sys := &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				},
			}
			if msg.Name != "" {
				sys.Name = openai.String(msg.Name)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfSystem: sys})
		case model.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case model.RoleTool:
			// callers wrap tool results before sending, see conversation.Transmission
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func classify(err error) error {
	var apiErr *openai.Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return goerr.Wrap(ErrTimeout, err.Error())
	case errors.As(err, &apiErr):
		return goerr.Wrap(&APIError{StatusCode: apiErr.StatusCode, Body: apiErr.RawJSON()}, "chat completion rejected")
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return goerr.Wrap(ErrDecode, err.Error())
	case errors.Is(err, ErrCircuitOpen):
		return err
	default:
		return goerr.Wrap(ErrRequest, err.Error())
	}
}
