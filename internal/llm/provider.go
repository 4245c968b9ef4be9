package llm

import "context"

// Provider is a single model backend. Ask sends one prompt (with an
// optional system prompt) and returns a Result; it must not panic and must
// not surface raw transport errors.
type Provider interface {
	Ask(ctx context.Context, prompt, systemPrompt string) Result
	Name() string
}
