package embedding

import "context"

// MockProvider is a configurable mock for testing embedding flows.
// Set the function fields to control behavior in tests.
type MockProvider struct {
	// InitializeFunc is called when Initialize is invoked. If nil, returns nil.
	InitializeFunc func(ctx context.Context, tenantID int) error

	// GenerateFunc is called when Generate is invoked. If nil, returns one
	// fixed three-dimensional vector per input.
	GenerateFunc func(ctx context.Context, texts []string) ([][]float32, error)

	// CleanupFunc is called when Cleanup is invoked. If nil, returns nil.
	CleanupFunc func() error

	// Call tracking for verification
	InitializeCalls int
	GenerateCalls   int
	CleanupCalls    int
	GeneratedTexts  []string
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock with sensible defaults.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Initialize implements Provider.
func (m *MockProvider) Initialize(ctx context.Context, tenantID int) error {
	m.InitializeCalls++
	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx, tenantID)
	}
	return nil
}

// Generate implements Provider.
func (m *MockProvider) Generate(ctx context.Context, texts []string) ([][]float32, error) {
	m.GenerateCalls++
	m.GeneratedTexts = append(m.GeneratedTexts, texts...)
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, texts)
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return vectors, nil
}

// Cleanup implements Provider.
func (m *MockProvider) Cleanup() error {
	m.CleanupCalls++
	if m.CleanupFunc != nil {
		return m.CleanupFunc()
	}
	return nil
}
