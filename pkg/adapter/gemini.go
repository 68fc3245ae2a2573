package adapter

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// Embedder turns text into a vector fingerprint
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GeminiEmbedder embeds text with a Vertex AI Gemini embedding model
type GeminiEmbedder struct {
	client         *genai.Client
	embeddingModel string
	dimensions     int32
}

type GeminiOption func(*GeminiEmbedder)

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiEmbedder) {
		g.embeddingModel = model
	}
}

// WithDimensions truncates vectors to n dimensions. Zero keeps the model default.
func WithDimensions(n int) GeminiOption {
	return func(g *GeminiEmbedder) {
		g.dimensions = int32(n)
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client",
			goerr.V("project", projectID),
			goerr.V("location", location),
		)
	}

	g := &GeminiEmbedder{
		client:         client,
		embeddingModel: "gemini-embedding-001",
		dimensions:     768,
	}
	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	cfg := &genai.EmbedContentConfig{}
	if g.dimensions > 0 {
		dims := g.dimensions
		cfg.OutputDimensionality = &dims
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content", goerr.V("model", g.embeddingModel))
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, goerr.New("embedding response is empty", goerr.V("model", g.embeddingModel))
	}

	return resp.Embeddings[0].Values, nil
}
