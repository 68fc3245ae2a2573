package adapter

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEmbedder embeds text through an OpenAI compatible embeddings endpoint
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
	breaker    *Breaker
}

type OpenAIEmbedderOption func(*openAIEmbedderConfig)

type openAIEmbedderConfig struct {
	baseURL    string
	model      string
	dimensions int
	options    []option.RequestOption
}

func WithEmbedderBaseURL(url string) OpenAIEmbedderOption {
	return func(c *openAIEmbedderConfig) {
		c.baseURL = url
	}
}

func WithEmbedderModel(model string) OpenAIEmbedderOption {
	return func(c *openAIEmbedderConfig) {
		c.model = model
	}
}

func WithEmbedderDimensions(n int) OpenAIEmbedderOption {
	return func(c *openAIEmbedderConfig) {
		c.dimensions = n
	}
}

func WithEmbedderRequestOptions(opts ...option.RequestOption) OpenAIEmbedderOption {
	return func(c *openAIEmbedderConfig) {
		c.options = append(c.options, opts...)
	}
}

func NewOpenAIEmbedder(apiKey string, opts ...OpenAIEmbedderOption) *OpenAIEmbedder {
	cfg := &openAIEmbedderConfig{
		model: "text-embedding-3-small",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	reqOpts = append(reqOpts, cfg.options...)

	return &OpenAIEmbedder{
		client:     openai.NewClient(reqOpts...),
		model:      cfg.model,
		dimensions: cfg.dimensions,
		breaker:    NewBreaker("embedding"),
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}

	result, err := e.breaker.Execute(ctx, func() (any, error) {
		resp, err := e.client.Embeddings.New(ctx, params)
		if err != nil {
			return nil, classify(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding", goerr.V("model", e.model))
	}

	resp := result.(*openai.CreateEmbeddingResponse)
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, goerr.Wrap(ErrDecode, "embedding response is empty", goerr.V("model", e.model))
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
