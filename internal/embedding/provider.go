package embedding

import "context"

// Result is one vector returned by a provider.
type Result struct {
	Vector []float32
	// Tokens is the usage the provider reported for the call. Batch providers
	// report the whole call's usage on the first result.
	Tokens int64
}

// Provider generates embeddings from one backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, text string) (Result, error)
	EmbedBatch(ctx context.Context, texts []string) ([]Result, error)
}

// ProviderConfig holds the settings a factory needs. Which fields count as the
// credential is up to the factory.
type ProviderConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	OneAtATime bool   `yaml:"one_at_a_time"`
}

// Factory builds a Provider. It returns an error wrapping ErrMissingCredential
// when the config lacks the provider's credential.
type Factory func(cfg ProviderConfig) (Provider, error)
