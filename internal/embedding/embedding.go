// Package embedding turns text into the fixed-dimension vectors the
// memory store indexes. The API provider talks to an OpenAI-compatible
// embeddings endpoint; the hash provider is a deterministic offline
// fallback for development and tests.
package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// NewProvider selects a provider from config.
func NewProvider(cfg Config) Provider {
	if cfg.Provider == "api" && cfg.Endpoint != "" {
		return NewAPIProvider(cfg)
	}
	return NewHashProvider(cfg.Dimension)
}
