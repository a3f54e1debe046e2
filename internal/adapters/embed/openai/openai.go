// Package openai adapts an OpenAI-compatible embedding API for the
// embedding workers
package openai

import (
	"context"

	perr "pulse/internal/platform/errors"
	"pulse/internal/platform/logger"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Config selects the embedding endpoint and model
type Config struct {
	// BaseURL points at the OpenAI-compatible API, possibly a local service
	BaseURL string
	// Token is the API credential; "none" works for unauthenticated local services
	Token string
	Model string
}

// Embedder produces vector embeddings for normalized entity text
type Embedder struct {
	embedder embeddings.Embedder
	log      logger.Logger
}

// New creates an Embedder against an OpenAI-compatible endpoint
func New(cfg Config) (*Embedder, error) {
	if cfg.Token == "" {
		cfg.Token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(cfg.Token),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnavailable, "openai client")
	}
	emb, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "openai embedder")
	}
	return &Embedder{embedder: emb, log: *logger.Named("embedder")}, nil
}

// EmbedText generates a vector for a single text
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnavailable, "embed text")
	}
	if len(vecs) == 0 {
		e.log.Warn().Msg("embedder returned empty result")
		return nil, perr.Unavailablef("embedder returned no vector")
	}
	return vecs[0], nil
}
