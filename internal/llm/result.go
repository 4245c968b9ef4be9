package llm

import "fmt"

// Kind classifies the outcome of an Ask call. Callers branch on the kind
// instead of sniffing error text out of the reply.
type Kind int

const (
	// KindOK means Text holds a usable model reply.
	KindOK Kind = iota
	// KindUnavailable means the provider refused without a network attempt
	// (failed health probe at construction time).
	KindUnavailable
	// KindExhausted means retries and the streaming fallback all failed.
	KindExhausted
	// KindNone means no provider is configured at all.
	KindNone
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindUnavailable:
		return "unavailable"
	case KindExhausted:
		return "exhausted"
	case KindNone:
		return "none"
	}
	return "unknown"
}

// Result is the uniform outcome of asking a model. Ask never returns a raw
// transport error; failures are folded into a non-OK kind with the cause
// preserved in Err.
type Result struct {
	Text string
	Kind Kind
	Err  error
}

func (r Result) OK() bool { return r.Kind == KindOK }

func ok(text string) Result {
	if text == "" {
		text = "Unknown"
	}
	return Result{Text: text, Kind: KindOK}
}

func failure(kind Kind, format string, args ...any) Result {
	return Result{Kind: kind, Err: fmt.Errorf(format, args...)}
}
