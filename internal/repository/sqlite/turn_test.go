package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sakif/damaijiwa/internal/apperror"
	"github.com/sakif/damaijiwa/internal/model"
)

func turn(userID string, cat model.Category, role model.Role, text string) *model.Turn {
	return &model.Turn{UserID: userID, Category: cat, Role: role, Text: text}
}

func TestAppendTurns_ReadBackInOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createTestAnon(t, db, "anon_1")

	var want []string
	for i := 0; i < 10; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleModel
		}
		text := fmt.Sprintf("pesan %d", i)
		want = append(want, text)
		if err := db.AppendTurns(ctx, turn("anon_1", model.CategoryTrauma, role, text)); err != nil {
			t.Fatalf("AppendTurns(%d) error = %v", i, err)
		}
	}

	got, err := db.ListTurns(ctx, "anon_1", model.CategoryTrauma)
	if err != nil {
		t.Fatalf("ListTurns() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("ListTurns() returned %d turns, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Text != want[i] {
			t.Errorf("turn[%d].Text = %q, want %q", i, got[i].Text, want[i])
		}
	}
}

func TestListTurns_OrdersByInsertionNotClock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createTestAnon(t, db, "anon_1")

	mustAppend(t, db, turn("anon_1", model.CategorySosial, model.RoleModel, "pertama"))
	mustAppend(t, db, turn("anon_1", model.CategorySosial, model.RoleUser, "kedua"))

	// Push the first turn's clock after the second one, as a skewed clock would.
	if _, err := db.conn.ExecContext(ctx,
		`UPDATE chat_history SET created_at = ? WHERE text = 'pertama'`,
		time.Now().Add(time.Hour).UTC(),
	); err != nil {
		t.Fatalf("skewing created_at: %v", err)
	}

	got, err := db.ListTurns(ctx, "anon_1", model.CategorySosial)
	if err != nil {
		t.Fatalf("ListTurns() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "pertama" || got[1].Text != "kedua" {
		t.Errorf("ListTurns() = %+v, want pertama then kedua", got)
	}
}

func TestAppendTurns_PairSharesTransaction(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createTestAnon(t, db, "anon_1")

	userTurn := turn("anon_1", model.CategoryEkonomi, model.RoleUser, "halo")
	modelTurn := turn("anon_1", model.CategoryEkonomi, model.RoleModel, "hai juga")
	if err := db.AppendTurns(ctx, userTurn, modelTurn); err != nil {
		t.Fatalf("AppendTurns() error = %v", err)
	}
	if userTurn.ID == 0 || modelTurn.ID <= userTurn.ID {
		t.Errorf("ids not assigned in order: user=%d model=%d", userTurn.ID, modelTurn.ID)
	}
	if userTurn.CreatedAt.IsZero() {
		t.Error("AppendTurns() did not set CreatedAt")
	}
}

func TestAppendTurns_AllOrNothing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createTestAnon(t, db, "anon_1")

	// The second turn references a user that does not exist, so the
	// foreign key fails and the first insert must be rolled back.
	err := db.AppendTurns(ctx,
		turn("anon_1", model.CategorySosial, model.RoleUser, "halo"),
		turn("ghost", model.CategorySosial, model.RoleModel, "hai"),
	)
	if err == nil {
		t.Fatal("AppendTurns() should fail on a dangling user id")
	}

	got, err := db.ListTurns(ctx, "anon_1", model.CategorySosial)
	if err != nil {
		t.Fatalf("ListTurns() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListTurns() returned %d turns after a failed append, want 0", len(got))
	}
}

func TestAppendTurns_Validation(t *testing.T) {
	db := newTestDB(t)
	createTestAnon(t, db, "anon_1")

	tests := []struct {
		name string
		turn *model.Turn
	}{
		{"unknown category", turn("anon_1", "Karier", model.RoleUser, "x")},
		{"unknown role", turn("anon_1", model.CategoryTrauma, "assistant", "x")},
		{"empty role", turn("anon_1", model.CategoryTrauma, "", "x")},
		{"empty user", turn("", model.CategoryTrauma, model.RoleUser, "x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.AppendTurns(context.Background(), tt.turn)
			if !errors.Is(err, apperror.ErrValidation) {
				t.Errorf("AppendTurns() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestListTurns_IsolatedPerCategoryAndUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createTestAnon(t, db, "anon_a")
	createTestAnon(t, db, "anon_b")

	mustAppend(t, db, turn("anon_a", model.CategoryKeluarga, model.RoleUser, "a-keluarga"))
	mustAppend(t, db, turn("anon_a", model.CategoryPercintaan, model.RoleUser, "a-cinta"))
	mustAppend(t, db, turn("anon_b", model.CategoryKeluarga, model.RoleUser, "b-keluarga"))

	got, err := db.ListTurns(ctx, "anon_a", model.CategoryKeluarga)
	if err != nil {
		t.Fatalf("ListTurns() error = %v", err)
	}
	if len(got) != 1 || got[0].Text != "a-keluarga" {
		t.Errorf("ListTurns() = %+v, want only a-keluarga", got)
	}
}

func TestListTurns_EmptyIsNotNil(t *testing.T) {
	db := newTestDB(t)

	got, err := db.ListTurns(context.Background(), "nobody", model.CategoryTrauma)
	if err != nil {
		t.Fatalf("ListTurns() error = %v", err)
	}
	if got == nil {
		t.Error("ListTurns() returned nil, want an empty slice (serializes as [])")
	}
}

func TestCountTurns(t *testing.T) {
	db := newTestDB(t)
	createTestAnon(t, db, "anon_1")

	mustAppend(t, db,
		turn("anon_1", model.CategoryKeluarga, model.RoleModel, "sapaan"),
		turn("anon_1", model.CategoryKeluarga, model.RoleUser, "1"),
		turn("anon_1", model.CategoryKeluarga, model.RoleModel, "balas"),
		turn("anon_1", model.CategoryKeluarga, model.RoleUser, "2"),
	)

	n, err := db.CountTurns(context.Background(), "anon_1", model.CategoryKeluarga, model.RoleUser)
	if err != nil {
		t.Fatalf("CountTurns() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CountTurns(user) = %d, want 2", n)
	}
}

func TestAdoptTurns_SkipsCategoriesWithHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createTestAnon(t, db, "anon_1")
	if _, err := db.UpsertGoogle(ctx, model.GoogleProfile{Subject: "g-1"}); err != nil {
		t.Fatal(err)
	}

	mustAppend(t, db,
		turn("anon_1", model.CategoryTrauma, model.RoleUser, "anon-trauma"),
		turn("anon_1", model.CategoryEkonomi, model.RoleUser, "anon-ekonomi"),
		turn("g-1", model.CategoryEkonomi, model.RoleUser, "google-ekonomi"),
	)

	moved, err := db.AdoptTurns(ctx, "anon_1", "g-1")
	if err != nil {
		t.Fatalf("AdoptTurns() error = %v", err)
	}
	if moved != 1 {
		t.Errorf("AdoptTurns() moved %d turns, want 1", moved)
	}

	trauma, _ := db.ListTurns(ctx, "g-1", model.CategoryTrauma)
	if len(trauma) != 1 || trauma[0].Text != "anon-trauma" {
		t.Errorf("Trauma history = %+v, want adopted anon turn", trauma)
	}

	ekonomi, _ := db.ListTurns(ctx, "g-1", model.CategoryEkonomi)
	if len(ekonomi) != 1 || ekonomi[0].Text != "google-ekonomi" {
		t.Errorf("Ekonomi history = %+v, want the account's own turn only", ekonomi)
	}
}

func mustAppend(t *testing.T, db *DB, turns ...*model.Turn) {
	t.Helper()
	if err := db.AppendTurns(context.Background(), turns...); err != nil {
		t.Fatalf("AppendTurns() error = %v", err)
	}
}
