package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sakif/damaijiwa/internal/apperror"
	"github.com/sakif/damaijiwa/internal/model"
)

func TestSession_CreateGetDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createTestAnon(t, db, "anon_1")

	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	s := &model.Session{ID: "sess-1", UserID: "anon_1", ExpiresAt: expires}
	if err := db.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, err := db.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.UserID != "anon_1" {
		t.Errorf("UserID = %q, want anon_1", got.UserID)
	}
	if !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}

	if err := db.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := db.GetSession(ctx, "sess-1"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrNotFound", err)
	}

	// Deleting twice is fine.
	if err := db.DeleteSession(ctx, "sess-1"); err != nil {
		t.Errorf("second DeleteSession() error = %v", err)
	}
}

func TestSession_RequiresExistingUser(t *testing.T) {
	db := newTestDB(t)

	err := db.CreateSession(context.Background(), &model.Session{
		ID: "sess-x", UserID: "ghost", ExpiresAt: time.Now().Add(time.Hour),
	})
	if err == nil {
		t.Fatal("CreateSession() should fail for an unknown user (foreign key)")
	}
}

func TestDeleteExpiredSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	createTestAnon(t, db, "anon_1")

	now := time.Now()
	for id, exp := range map[string]time.Time{
		"old-1": now.Add(-2 * time.Hour),
		"old-2": now.Add(-time.Minute),
		"live":  now.Add(time.Hour),
	} {
		if err := db.CreateSession(ctx, &model.Session{ID: id, UserID: "anon_1", ExpiresAt: exp}); err != nil {
			t.Fatalf("CreateSession(%s) error = %v", id, err)
		}
	}

	n, err := db.DeleteExpiredSessions(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredSessions() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteExpiredSessions() = %d, want 2", n)
	}
	if _, err := db.GetSession(ctx, "live"); err != nil {
		t.Errorf("live session was swept: %v", err)
	}
}
