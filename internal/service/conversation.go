package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"

	"github.com/sakif/damaijiwa/internal/apperror"
	"github.com/sakif/damaijiwa/internal/llm"
	"github.com/sakif/damaijiwa/internal/model"
	"github.com/sakif/damaijiwa/internal/repository"
)

// MaxTurnLength caps a single message, in characters.
const MaxTurnLength = 4000

// ConversationMetrics receives conversation events. *metrics.Collector
// implements it; nil disables reporting.
type ConversationMetrics interface {
	RecordTurn(category model.Category, role model.Role)
	RecordGeneration(category model.Category, d time.Duration, err error)
}

// Reply is the outcome of one user turn.
type Reply struct {
	Text        string
	PromptLogin bool
}

// ConversationService orchestrates a journey: it reads the prior turns, asks
// the generator for a reply and appends both turns to the log.
type ConversationService struct {
	turns      repository.TurnRepository
	users      repository.UserRepository
	generator  llm.Generator
	nudgeAfter int
	metrics    ConversationMetrics
	logger     *slog.Logger
}

// NewConversationService creates the orchestrator. nudgeAfter is the number of
// user turns after which anonymous users are asked to log in.
func NewConversationService(
	turns repository.TurnRepository,
	users repository.UserRepository,
	generator llm.Generator,
	nudgeAfter int,
	metrics ConversationMetrics,
	logger *slog.Logger,
) *ConversationService {
	return &ConversationService{
		turns:      turns,
		users:      users,
		generator:  generator,
		nudgeAfter: nudgeAfter,
		metrics:    metrics,
		logger:     logger,
	}
}

// History returns the conversation oldest first. Never nil.
func (s *ConversationService) History(ctx context.Context, userID string, category model.Category) ([]model.Turn, error) {
	if err := validateCategory(category); err != nil {
		return nil, err
	}

	turns, err := s.turns.ListTurns(ctx, userID, category)
	if err != nil {
		return nil, storeError("reading history", err)
	}
	return turns, nil
}

// Record appends a single client-supplied turn without calling the generator.
func (s *ConversationService) Record(ctx context.Context, userID string, category model.Category, role model.Role, text string) error {
	if err := validateCategory(category); err != nil {
		return err
	}
	if role == "" || !role.Valid() {
		return apperror.ValidationFailed("role", "role must be user or model")
	}
	if utf8.RuneCountInString(text) > MaxTurnLength {
		return apperror.ValidationFailed("text", fmt.Sprintf("text must be at most %d characters", MaxTurnLength))
	}

	t := &model.Turn{UserID: userID, Category: category, Role: role, Text: text}
	if err := s.turns.AppendTurns(ctx, t); err != nil {
		return storeError("recording turn", err)
	}
	s.recordTurn(category, role)
	return nil
}

// Start opens a journey. On an empty conversation it asks the generator for a
// greeting and stores only the model's reply, so the first stored turn is
// always the model's. A non-empty conversation is returned unchanged.
func (s *ConversationService) Start(ctx context.Context, userID string, category model.Category) ([]model.Turn, error) {
	history, err := s.History(ctx, userID, category)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		return history, nil
	}

	text := s.generate(ctx, category, llm.Request{
		SystemInstruction: PersonaInstruction(category),
		Prompt:            GreetingPrompt(category),
	})

	greeting := &model.Turn{UserID: userID, Category: category, Role: model.RoleModel, Text: text}
	if err := s.turns.AppendTurns(ctx, greeting); err != nil {
		return nil, storeError("storing greeting", err)
	}
	s.recordTurn(category, model.RoleModel)

	return []model.Turn{*greeting}, nil
}

// Turn handles one user message: generate, then persist the user turn and the
// reply together.
func (s *ConversationService) Turn(ctx context.Context, userID string, category model.Category, text string) (*Reply, error) {
	return s.turn(ctx, userID, category, text, nil)
}

// StreamTurn is Turn with the reply relayed to onDelta as it is generated.
// If the generator fails part way, the fallback text is what gets stored and
// returned. If onDelta fails (the client went away), relaying stops but the
// reply is still generated in full and stored.
func (s *ConversationService) StreamTurn(ctx context.Context, userID string, category model.Category, text string, onDelta func(string) error) (*Reply, error) {
	if onDelta == nil {
		onDelta = func(string) error { return nil }
	}
	return s.turn(ctx, userID, category, text, onDelta)
}

func (s *ConversationService) turn(ctx context.Context, userID string, category model.Category, text string, onDelta func(string) error) (*Reply, error) {
	if err := validateCategory(category); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperror.ValidationFailed("text", "text is required")
	}
	if utf8.RuneCountInString(text) > MaxTurnLength {
		return nil, apperror.ValidationFailed("text", fmt.Sprintf("text must be at most %d characters", MaxTurnLength))
	}

	history, err := s.turns.ListTurns(ctx, userID, category)
	if err != nil {
		return nil, storeError("reading history", err)
	}

	req := llm.Request{
		SystemInstruction: PersonaInstruction(category),
		History:           history,
		Prompt:            text,
	}

	var replyText string
	if onDelta == nil {
		replyText = s.generate(ctx, category, req)
	} else {
		replyText = s.stream(ctx, category, req, onDelta)
	}

	userTurn := &model.Turn{UserID: userID, Category: category, Role: model.RoleUser, Text: text}
	modelTurn := &model.Turn{UserID: userID, Category: category, Role: model.RoleModel, Text: replyText}

	// The generator call can outlive a disconnected client; the pair is still
	// stored so the next visit shows what was answered.
	if err := s.turns.AppendTurns(context.WithoutCancel(ctx), userTurn, modelTurn); err != nil {
		return nil, storeError("storing turn", err)
	}
	s.recordTurn(category, model.RoleUser)
	s.recordTurn(category, model.RoleModel)

	prompt, err := s.PromptLogin(ctx, userID, category)
	if err != nil {
		// The turn is stored; a failed nudge check must not hide the reply.
		s.logger.Warn("login nudge check failed", slog.String("error", err.Error()))
	}

	return &Reply{Text: replyText, PromptLogin: prompt}, nil
}

// PromptLogin reports whether the user should be nudged to log in: they are
// anonymous and have sent at least nudgeAfter messages in this category.
func (s *ConversationService) PromptLogin(ctx context.Context, userID string, category model.Category) (bool, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("service/chat: loading user %s: %w", userID, err)
	}
	if !user.IsAnonymous {
		return false, nil
	}

	n, err := s.turns.CountTurns(ctx, userID, category, model.RoleUser)
	if err != nil {
		return false, storeError("counting turns", err)
	}
	return ShouldPromptLogin(user, n, s.nudgeAfter), nil
}

// ShouldPromptLogin is the pure form of the login nudge rule.
func ShouldPromptLogin(user *model.User, userTurns, threshold int) bool {
	return user != nil && user.IsAnonymous && userTurns >= threshold
}

// generate calls the generator and never fails: errors become FallbackReply
// and an empty answer becomes EmptyReply.
func (s *ConversationService) generate(ctx context.Context, category model.Category, req llm.Request) string {
	start := time.Now()
	text, err := s.generator.Generate(ctx, req)
	return s.settle(ctx, category, start, text, err)
}

func (s *ConversationService) stream(ctx context.Context, category model.Category, req llm.Request, onDelta func(string) error) string {
	start := time.Now()

	var relayErr error
	text, err := s.generator.Stream(ctx, req, func(delta string) error {
		if relayErr != nil {
			return nil
		}
		if err := onDelta(delta); err != nil {
			relayErr = err
		}
		return nil
	})
	if relayErr != nil {
		s.logger.Info("stream client went away, finishing reply without relay",
			slog.String("category", string(category)),
			slog.String("error", relayErr.Error()),
		)
	}
	return s.settle(ctx, category, start, text, err)
}

func (s *ConversationService) settle(ctx context.Context, category model.Category, start time.Time, text string, err error) string {
	if s.metrics != nil {
		s.metrics.RecordGeneration(category, time.Since(start), err)
	}

	if err != nil && ctx.Err() != nil {
		// The caller cancelled; keep whatever was generated before that.
		s.logger.Info("generation cancelled",
			slog.String("category", string(category)),
			slog.String("error", err.Error()),
		)
		if strings.TrimSpace(text) != "" {
			return text
		}
		return FallbackReply
	}

	if err != nil {
		s.logger.Error("generator failed",
			slog.String("category", string(category)),
			slog.String("error", err.Error()),
		)
		if !errors.Is(err, llm.ErrNotConfigured) {
			if hub := sentry.GetHubFromContext(ctx); hub != nil {
				hub.CaptureException(err)
			}
		}
		return FallbackReply
	}

	if strings.TrimSpace(text) == "" {
		return EmptyReply
	}
	return text
}

func (s *ConversationService) recordTurn(category model.Category, role model.Role) {
	if s.metrics != nil {
		s.metrics.RecordTurn(category, role)
	}
}

func validateCategory(category model.Category) error {
	if !category.Valid() {
		return apperror.ValidationFailed("category", fmt.Sprintf("unknown category %q", category))
	}
	return nil
}

// storeError keeps typed errors (validation, not found) intact and classifies
// everything else as a persistence failure.
func storeError(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return fmt.Errorf("service/chat: %s: %w", op, err)
	}
	return apperror.Persistence(op, err)
}
