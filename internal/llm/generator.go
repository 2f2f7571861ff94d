// Package llm talks to the response generator: an external chat model
// reached through an OpenAI-compatible chat completions API (Gemini by default).
package llm

import (
	"context"
	"errors"

	"github.com/sakif/damaijiwa/internal/model"
)

// ErrNotConfigured is returned by generators that have no API credentials.
var ErrNotConfigured = errors.New("llm: generator is not configured")

// Request is one generation call.
//
// History holds the prior turns of the conversation oldest first and is
// forwarded verbatim, roles preserved. Prompt is the new user message.
type Request struct {
	SystemInstruction string
	History           []model.Turn
	Prompt            string
}

// Generator produces the model reply for a Request.
type Generator interface {
	// Generate returns the full reply text. An empty string is a valid
	// (if unhelpful) reply; callers decide how to present it.
	Generate(ctx context.Context, req Request) (string, error)
	// Stream calls onDelta with each chunk as it arrives and returns the
	// concatenated reply. If onDelta returns an error the stream is abandoned.
	Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error)
}

// Unavailable is the Generator used when no API key is configured.
// Every call fails, which the conversation layer turns into its fallback reply.
type Unavailable struct{}

func (Unavailable) Generate(ctx context.Context, req Request) (string, error) {
	return "", ErrNotConfigured
}

func (Unavailable) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	return "", ErrNotConfigured
}
