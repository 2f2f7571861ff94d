package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sakif/damaijiwa/internal/model"
)

// ClientConfig configures OpenAIGenerator.
type ClientConfig struct {
	APIKey  string
	BaseURL string // e.g. https://generativelanguage.googleapis.com/v1beta/openai/
	Model   string

	// Timeout bounds one attempt. Zero means no per-attempt deadline.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries int
	RetryDelay time.Duration
}

// OpenAIGenerator is a Generator backed by any OpenAI-compatible endpoint.
type OpenAIGenerator struct {
	client     *openai.Client
	model      string
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewOpenAIGenerator creates a generator. An empty API key is an error;
// callers that want to run without one should use Unavailable instead.
func NewOpenAIGenerator(cfg ClientConfig, logger *slog.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	if logger == nil {
		logger = slog.Default()
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &OpenAIGenerator{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
		logger:     logger,
	}, nil
}

// Generate sends the conversation and returns the first choice's content.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	chatReq := g.buildRequest(req)

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, calculateBackoff(g.retryDelay, attempt)); err != nil {
				return "", err
			}
			g.logger.Warn("retrying generator call",
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()),
			)
		}

		text, err := g.generateOnce(ctx, chatReq)
		if err == nil {
			return text, nil
		}
		lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)

		// The caller gave up; further attempts cannot succeed.
		if ctx.Err() != nil {
			break
		}
	}

	return "", fmt.Errorf("llm: generation failed after %d attempts: %w", g.maxRetries+1, lastErr)
}

func (g *OpenAIGenerator) generateOnce(ctx context.Context, chatReq openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream relays content deltas to onDelta.
//
// Retries only cover opening the stream: once a delta has reached the caller
// a retry would duplicate text, so mid-stream failures are returned as-is.
func (g *OpenAIGenerator) Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	chatReq := g.buildRequest(req)
	chatReq.Stream = true

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var (
		stream  *openai.ChatCompletionStream
		lastErr error
	)
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, calculateBackoff(g.retryDelay, attempt)); err != nil {
				return "", err
			}
		}
		s, err := g.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			stream = s
			break
		}
		lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
		if ctx.Err() != nil {
			break
		}
	}
	if stream == nil {
		return "", fmt.Errorf("llm: opening stream failed: %w", lastErr)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), fmt.Errorf("llm: reading stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return sb.String(), err
		}
	}
}

func (g *OpenAIGenerator) buildRequest(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemInstruction != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemInstruction,
		})
	}
	for _, t := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    chatRole(t.Role),
			Content: t.Text,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	return openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
	}
}

func (g *OpenAIGenerator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// chatRole maps our stored roles onto the chat completions vocabulary.
func chatRole(r model.Role) string {
	if r == model.RoleModel {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}
