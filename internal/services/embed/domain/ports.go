// Package domain declares the embedding worker ports
package domain

import "context"

// EmbedderPort produces a vector for one text
type EmbedderPort interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}
