package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sakif/damaijiwa/internal/apperror"
	"github.com/sakif/damaijiwa/internal/llm"
	"github.com/sakif/damaijiwa/internal/model"
)

// fakeStore is an in-memory UserRepository, TurnRepository and
// SessionRepository. Hand-written fakes keep the tests readable: you can see
// exactly what each method does.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*model.User
	sessions map[string]*model.Session
	turns    []model.Turn
	nextID   int64

	// set to a non-nil error to simulate a database failure
	appendErr error
	writes    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*model.User),
		sessions: make(map[string]*model.Session),
	}
}

func (f *fakeStore) CreateAnonymous(ctx context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[id]; ok {
		return nil, errors.New("duplicate id")
	}
	u := &model.User{ID: id, IsAnonymous: true, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.users[id] = u
	f.writes++
	copied := *u
	return &copied, nil
}

func (f *fakeStore) UpsertGoogle(ctx context.Context, p model.GoogleProfile) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[p.Subject]
	if !ok {
		u = &model.User{ID: p.Subject, CreatedAt: time.Now()}
		f.users[p.Subject] = u
	}
	u.Email, u.Name, u.Picture = p.Email, p.Name, p.Picture
	u.IsAnonymous = false
	u.UpdatedAt = time.Now()
	f.writes++
	copied := *u
	return &copied, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}

func (f *fakeStore) AppendTurns(ctx context.Context, turns ...*model.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	for _, t := range turns {
		f.nextID++
		t.ID = f.nextID
		t.CreatedAt = time.Now()
		f.turns = append(f.turns, *t)
	}
	f.writes++
	return nil
}

func (f *fakeStore) ListTurns(ctx context.Context, userID string, category model.Category) ([]model.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Turn, 0)
	for _, t := range f.turns {
		if t.UserID == userID && t.Category == category {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) CountTurns(ctx context.Context, userID string, category model.Category, role model.Role) (int, error) {
	turns, _ := f.ListTurns(ctx, userID, category)
	n := 0
	for _, t := range turns {
		if t.Role == role {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) AdoptTurns(ctx context.Context, from, to string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	taken := make(map[model.Category]bool)
	for _, t := range f.turns {
		if t.UserID == to {
			taken[t.Category] = true
		}
	}
	var n int64
	for i := range f.turns {
		if f.turns[i].UserID == from && !taken[f.turns[i].Category] {
			f.turns[i].UserID = to
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[s.UserID]; !ok {
		return errors.New("foreign key: unknown user")
	}
	copied := *s
	f.sessions[s.ID] = &copied
	f.writes++
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, apperror.NotFound("session", id)
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, s := range f.sessions {
		if s.Expired(now) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

// fakeGenerator returns a canned reply or error and records every request.
type fakeGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []llm.Request

	// With streamErr set, Stream relays failAfter words of reply and then
	// fails with streamErr, returning the partial text.
	failAfter int
	streamErr error
}

func (g *fakeGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.reply, g.err
}

func (g *fakeGenerator) Stream(ctx context.Context, req llm.Request, onDelta func(string) error) (string, error) {
	text, err := g.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	var sent strings.Builder
	for i, word := range splitKeep(text) {
		if g.streamErr != nil && i == g.failAfter {
			return sent.String(), g.streamErr
		}
		sent.WriteString(word)
		if err := onDelta(word); err != nil {
			return sent.String(), err
		}
	}
	return text, nil
}

// splitKeep splits after each space, keeping the spaces.
func splitKeep(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == ' ' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// fakeGoogle accepts one code and returns a fixed profile.
type fakeGoogle struct {
	code    string
	profile model.GoogleProfile
}

func (g *fakeGoogle) AuthURL(state string) string {
	return "https://accounts.example/auth?state=" + state
}

func (g *fakeGoogle) Exchange(ctx context.Context, code string) (*model.GoogleProfile, error) {
	if code != g.code {
		return nil, errors.New("invalid_grant")
	}
	p := g.profile
	return &p, nil
}

// fakeMetrics counts what the service reports.
type fakeMetrics struct {
	turns       map[model.Role]int
	generations int
	failures    int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{turns: make(map[model.Role]int)}
}

func (m *fakeMetrics) RecordTurn(category model.Category, role model.Role) { m.turns[role]++ }

func (m *fakeMetrics) RecordGeneration(category model.Category, d time.Duration, err error) {
	m.generations++
	if err != nil {
		m.failures++
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
