package llm

import (
	"context"
	"os"
)

// Client is the model transport consumed by the agent core. A Complete call
// may block on network I/O and must observe ctx cancellation.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// NewClientFromEnv builds a gollm-backed client for the first provider whose
// API key is present in the environment. Returns a ConfigurationError when no
// provider is configured.
func NewClientFromEnv(model string) (Client, error) {
	for _, p := range []struct {
		provider string
		envKey   string
	}{
		{"openai", "OPENAI_API_KEY"},
		{"anthropic", "ANTHROPIC_API_KEY"},
	} {
		if os.Getenv(p.envKey) != "" {
			return NewGollmClient(p.provider, "", WithModel(model))
		}
	}
	return nil, &ConfigurationError{TransportError: TransportError{
		Message: "no provider API key found in environment (OPENAI_API_KEY, ANTHROPIC_API_KEY)",
	}}
}
