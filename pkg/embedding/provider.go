// Package embedding turns normalized rows into vectors: a composer builds
// the text representation and a provider generates the embedding.
package embedding

import "context"

// Provider is the pluggable embedding backend. The lifecycle is strict:
// Initialize, any number of Generate calls, then Cleanup, all within one
// message scope. Workers defer Cleanup immediately after Initialize.
type Provider interface {
	// Initialize prepares per-tenant state for a batch of generations.
	Initialize(ctx context.Context, tenantID int) error

	// Generate embeds the given texts, one vector per input, in order.
	Generate(ctx context.Context, texts []string) ([][]float32, error)

	// Cleanup releases whatever Initialize acquired. Must be safe to call
	// after a failed Initialize.
	Cleanup() error
}
