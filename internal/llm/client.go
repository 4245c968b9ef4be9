package llm

import (
	"context"
	"log/slog"
)

// Client routes each prompt to the primary provider and, when the primary
// keeps failing and a local fallback is configured, switches to the
// fallback for the rest of the run.
type Client struct {
	primary  Provider
	fallback Provider
	promoted bool
	logger   *slog.Logger
}

// NewClient wires a primary provider with an optional fallback. Either may
// be nil; with both nil every Ask reports that no model is available.
func NewClient(primary, fallback Provider, logger *slog.Logger) *Client {
	return &Client{primary: primary, fallback: fallback, logger: logger}
}

func (c *Client) Ask(ctx context.Context, prompt, systemPrompt string) Result {
	active := c.primary
	if c.promoted || active == nil {
		active = c.fallback
	}
	if active == nil {
		return failure(KindNone, "no LLM available")
	}

	res := active.Ask(ctx, prompt, systemPrompt)
	if res.OK() || c.promoted || c.fallback == nil || active == c.fallback {
		return res
	}

	c.logger.Warn("Primary LLM failed, attempting local fallback",
		"kind", res.Kind.String(), "error", res.Err)
	fres := c.fallback.Ask(ctx, prompt, systemPrompt)
	if fres.OK() {
		// Stick with the fallback for the remainder of the run.
		c.promoted = true
		return fres
	}
	return res
}
