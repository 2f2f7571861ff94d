package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/damaijiwa/internal/apperror"
	"github.com/sakif/damaijiwa/internal/llm"
	"github.com/sakif/damaijiwa/internal/model"
)

type conversationFixture struct {
	store   *fakeStore
	gen     *fakeGenerator
	metrics *fakeMetrics
	svc     *ConversationService
	userID  string
}

// newConversationFixture seeds one user and returns a service on fakes.
func newConversationFixture(t *testing.T, anonymous bool) *conversationFixture {
	t.Helper()

	store := newFakeStore()
	f := &conversationFixture{
		store:   store,
		gen:     &fakeGenerator{reply: "Aku di sini untuk mendengarkan."},
		metrics: newFakeMetrics(),
	}

	var err error
	if anonymous {
		var u *model.User
		u, err = store.CreateAnonymous(context.Background(), "anon_test")
		if u != nil {
			f.userID = u.ID
		}
	} else {
		var u *model.User
		u, err = store.UpsertGoogle(context.Background(), model.GoogleProfile{Subject: "g-1", Email: "a@example.com"})
		if u != nil {
			f.userID = u.ID
		}
	}
	require.NoError(t, err)

	f.svc = NewConversationService(store, store, f.gen, 4, f.metrics, testLogger())
	return f
}

func TestStart_EmptyConversationStoresOneModelTurn(t *testing.T) {
	f := newConversationFixture(t, true)
	ctx := context.Background()

	history, err := f.svc.Start(ctx, f.userID, model.CategoryTrauma)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.RoleModel, history[0].Role)
	assert.Equal(t, "Aku di sini untuk mendengarkan.", history[0].Text)

	// The greeting prompt reaches the generator but is never stored.
	require.Len(t, f.gen.requests, 1)
	assert.Equal(t, GreetingPrompt(model.CategoryTrauma), f.gen.requests[0].Prompt)
	assert.Contains(t, f.gen.requests[0].SystemInstruction, "kategori: Trauma")

	stored, _ := f.store.ListTurns(ctx, f.userID, model.CategoryTrauma)
	assert.Len(t, stored, 1)
}

func TestStart_ExistingConversationUnchanged(t *testing.T) {
	f := newConversationFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, f.userID, model.CategorySosial)
	require.NoError(t, err)

	history, err := f.svc.Start(ctx, f.userID, model.CategorySosial)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, f.gen.requests, 1, "second Start must not call the generator")
}

func TestStart_GeneratorFailureStoresFallback(t *testing.T) {
	f := newConversationFixture(t, true)
	f.gen.err = errors.New("upstream 503")

	history, err := f.svc.Start(context.Background(), f.userID, model.CategoryEkonomi)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, FallbackReply, history[0].Text)
	assert.Equal(t, 1, f.metrics.failures)
}

func TestTurn_PersistsPairInOrder(t *testing.T) {
	f := newConversationFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, f.userID, model.CategoryPercintaan)
	require.NoError(t, err)

	f.gen.reply = "Ceritakan lebih lanjut."
	reply, err := f.svc.Turn(ctx, f.userID, model.CategoryPercintaan, "  aku baru putus  ")
	require.NoError(t, err)
	assert.Equal(t, "Ceritakan lebih lanjut.", reply.Text)
	assert.False(t, reply.PromptLogin, "account users are never nudged")

	history, err := f.svc.History(ctx, f.userID, model.CategoryPercintaan)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.RoleModel, history[0].Role)
	assert.Equal(t, model.RoleUser, history[1].Role)
	assert.Equal(t, "aku baru putus", history[1].Text)
	assert.Equal(t, model.RoleModel, history[2].Role)

	// The generator saw the greeting as context, not the new message.
	last := f.gen.requests[len(f.gen.requests)-1]
	assert.Len(t, last.History, 1)
	assert.Equal(t, "aku baru putus", last.Prompt)
}

func TestTurn_GeneratorFailureStillSucceeds(t *testing.T) {
	f := newConversationFixture(t, true)
	f.gen.err = errors.New("timeout")

	reply, err := f.svc.Turn(context.Background(), f.userID, model.CategoryTrauma, "halo")
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, reply.Text)

	history, _ := f.store.ListTurns(context.Background(), f.userID, model.CategoryTrauma)
	require.Len(t, history, 2)
	assert.Equal(t, FallbackReply, history[1].Text)
}

func TestTurn_NotConfiguredFallsBack(t *testing.T) {
	f := newConversationFixture(t, true)
	f.svc.generator = llm.Unavailable{}

	reply, err := f.svc.Turn(context.Background(), f.userID, model.CategoryTrauma, "halo")
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, reply.Text)
}

func TestTurn_EmptyGeneratorAnswer(t *testing.T) {
	f := newConversationFixture(t, true)
	f.gen.reply = "   "

	reply, err := f.svc.Turn(context.Background(), f.userID, model.CategoryTrauma, "halo")
	require.NoError(t, err)
	assert.Equal(t, EmptyReply, reply.Text)
}

func TestTurn_Validation(t *testing.T) {
	f := newConversationFixture(t, true)

	tests := []struct {
		name     string
		category model.Category
		text     string
	}{
		{"unknown category", model.Category("Karier"), "halo"},
		{"empty text", model.CategoryTrauma, ""},
		{"whitespace text", model.CategoryTrauma, " \n\t "},
		{"too long", model.CategoryTrauma, strings.Repeat("a", MaxTurnLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Turn(context.Background(), f.userID, tt.category, tt.text)
			assert.ErrorIs(t, err, apperror.ErrValidation)
		})
	}

	assert.Empty(t, f.gen.requests, "invalid input must not reach the generator")
	assert.Empty(t, f.store.turns, "invalid input must not be stored")
}

func TestTurn_StoreFailureIsPersistenceError(t *testing.T) {
	f := newConversationFixture(t, true)
	f.store.appendErr = errors.New("disk I/O error")

	_, err := f.svc.Turn(context.Background(), f.userID, model.CategoryTrauma, "halo")
	assert.ErrorIs(t, err, apperror.ErrPersistence)
}

func TestTurn_LoginNudgeAfterFourthMessage(t *testing.T) {
	f := newConversationFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, f.userID, model.CategoryKeluarga)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		reply, err := f.svc.Turn(ctx, f.userID, model.CategoryKeluarga, "pesan")
		require.NoError(t, err)
		assert.Equal(t, i >= 4, reply.PromptLogin, "after message %d", i)
	}

	// Other categories keep their own count.
	prompt, err := f.svc.PromptLogin(ctx, f.userID, model.CategoryTrauma)
	require.NoError(t, err)
	assert.False(t, prompt)
}

func TestStreamTurn_RelaysDeltas(t *testing.T) {
	f := newConversationFixture(t, true)
	f.gen.reply = "satu dua tiga"

	var got strings.Builder
	reply, err := f.svc.StreamTurn(context.Background(), f.userID, model.CategoryTrauma, "halo", func(d string) error {
		got.WriteString(d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "satu dua tiga", got.String())
	assert.Equal(t, "satu dua tiga", reply.Text)
	assert.Equal(t, 2, f.metrics.turns[model.RoleModel]+f.metrics.turns[model.RoleUser])
}

func TestStreamTurn_GeneratorFailsMidway(t *testing.T) {
	f := newConversationFixture(t, true)
	f.gen.reply = "satu dua tiga empat"
	f.gen.failAfter = 2
	f.gen.streamErr = errors.New("stream reset")

	var deltas []string
	reply, err := f.svc.StreamTurn(context.Background(), f.userID, model.CategoryTrauma, "halo", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"satu ", "dua "}, deltas)
	assert.Equal(t, FallbackReply, reply.Text)
	assert.Equal(t, 1, f.metrics.failures)

	history, _ := f.store.ListTurns(context.Background(), f.userID, model.CategoryTrauma)
	require.Len(t, history, 2)
	assert.Equal(t, "halo", history[0].Text)
	assert.Equal(t, FallbackReply, history[1].Text)
}

func TestStreamTurn_ClientGoneStoresFullReply(t *testing.T) {
	f := newConversationFixture(t, true)
	f.gen.reply = "satu dua tiga"

	calls := 0
	reply, err := f.svc.StreamTurn(context.Background(), f.userID, model.CategoryTrauma, "halo", func(d string) error {
		calls++
		return errors.New("websocket: close sent")
	})
	require.NoError(t, err)

	// Relaying stopped after the first failure; generation did not.
	assert.Equal(t, 1, calls)
	assert.Equal(t, "satu dua tiga", reply.Text)
	assert.Zero(t, f.metrics.failures)

	history, _ := f.store.ListTurns(context.Background(), f.userID, model.CategoryTrauma)
	require.Len(t, history, 2)
	assert.Equal(t, "satu dua tiga", history[1].Text)
}

func TestStreamTurn_CancelledKeepsPartialReply(t *testing.T) {
	f := newConversationFixture(t, true)
	f.gen.reply = "satu dua tiga"
	f.gen.failAfter = 1
	f.gen.streamErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reply, err := f.svc.StreamTurn(ctx, f.userID, model.CategoryTrauma, "halo", nil)
	require.NoError(t, err)
	assert.Equal(t, "satu ", reply.Text)

	history, _ := f.store.ListTurns(context.Background(), f.userID, model.CategoryTrauma)
	require.Len(t, history, 2)
	assert.Equal(t, "satu ", history[1].Text)
}

func TestRecord(t *testing.T) {
	f := newConversationFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.svc.Record(ctx, f.userID, model.CategorySosial, model.RoleUser, "catatan"))

	err := f.svc.Record(ctx, f.userID, model.CategorySosial, model.Role("system"), "x")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	err = f.svc.Record(ctx, f.userID, model.Category("lain"), model.RoleUser, "x")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	history, err := f.svc.History(ctx, f.userID, model.CategorySosial)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "catatan", history[0].Text)
	assert.Empty(t, f.gen.requests)
}

func TestShouldPromptLogin(t *testing.T) {
	anon := &model.User{ID: "anon_x", IsAnonymous: true}
	account := &model.User{ID: "g-1"}

	assert.False(t, ShouldPromptLogin(anon, 3, 4))
	assert.True(t, ShouldPromptLogin(anon, 4, 4))
	assert.False(t, ShouldPromptLogin(account, 10, 4))
	assert.False(t, ShouldPromptLogin(nil, 10, 4))
}
