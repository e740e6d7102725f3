package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/config"
)

// openAIProvider generates embeddings through an OpenAI-compatible API.
type openAIProvider struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

var _ Provider = (*openAIProvider)(nil)

// NewOpenAIProvider creates an embedding provider from config. BaseURL may
// point at any OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg *config.EmbeddingConfig, logger *zap.Logger) Provider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout()}

	return &openAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger,
	}
}

func (p *openAIProvider) Initialize(ctx context.Context, tenantID int) error {
	// The HTTP client is stateless; nothing to acquire per tenant.
	return nil
}

func (p *openAIProvider) Generate(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: texts,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

func (p *openAIProvider) Cleanup() error {
	return nil
}

func classifyOpenAIError(err error) error {
	const op = "embedding generate"
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return apperrors.New(apperrors.KindRateLimited, op, err)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized:
			return apperrors.New(apperrors.KindAuth, op, err)
		case apiErr.HTTPStatusCode >= 500:
			return apperrors.New(apperrors.KindTransient, op, err)
		case apiErr.HTTPStatusCode >= 400:
			return apperrors.New(apperrors.KindPermanent, op, err)
		}
	}
	return apperrors.New(apperrors.KindTransient, op, err)
}
