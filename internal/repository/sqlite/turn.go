package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/sakif/damaijiwa/internal/apperror"
	"github.com/sakif/damaijiwa/internal/model"
	"github.com/sakif/damaijiwa/internal/repository"
)

var _ repository.TurnRepository = (*DB)(nil)

// AppendTurns inserts the given turns in one transaction.
//
// Either every turn is written or none is: a user message is never stored
// without the reply that answered it. Each turn gets its ID and CreatedAt
// filled in on success.
func (db *DB) AppendTurns(ctx context.Context, turns ...*model.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	for _, t := range turns {
		if err := validateTurn(t); err != nil {
			return err
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning append: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chat_history (user_id, category, role, text, created_at) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("sqlite: preparing append: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, t := range turns {
		res, err := stmt.ExecContext(ctx, t.UserID, string(t.Category), string(t.Role), t.Text, now)
		if err != nil {
			return fmt.Errorf("sqlite: appending %s turn for %s/%s: %w", t.Role, t.UserID, t.Category, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("sqlite: reading turn id: %w", err)
		}
		t.ID = id
		t.CreatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing append: %w", err)
	}
	return nil
}

// ListTurns returns one conversation oldest first.
//
// Ordering uses the AUTOINCREMENT id rather than created_at: ids are strictly
// increasing in commit order, while wall-clock timestamps can tie or step
// backwards.
func (db *DB) ListTurns(ctx context.Context, userID string, category model.Category) ([]model.Turn, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, category, role, text, created_at
		 FROM chat_history
		 WHERE user_id = ? AND category = ?
		 ORDER BY id ASC`,
		userID, string(category),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing turns for %s/%s: %w", userID, category, err)
	}
	defer rows.Close()

	turns := make([]model.Turn, 0)
	for rows.Next() {
		var t model.Turn
		var cat, role string
		if err := rows.Scan(&t.ID, &t.UserID, &cat, &role, &t.Text, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning turn: %w", err)
		}
		t.Category = model.Category(cat)
		t.Role = model.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating turns: %w", err)
	}

	return turns, nil
}

// CountTurns counts the turns of one role in a conversation.
func (db *DB) CountTurns(ctx context.Context, userID string, category model.Category, role model.Role) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_history WHERE user_id = ? AND category = ? AND role = ?`,
		userID, string(category), string(role),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting turns for %s/%s: %w", userID, category, err)
	}
	return n, nil
}

// AdoptTurns re-homes fromUserID's conversations onto toUserID.
// Categories where toUserID already has history are left untouched so two
// conversations never interleave.
func (db *DB) AdoptTurns(ctx context.Context, fromUserID, toUserID string) (int64, error) {
	if fromUserID == toUserID {
		return 0, nil
	}

	res, err := db.conn.ExecContext(ctx,
		`UPDATE chat_history SET user_id = ?
		 WHERE user_id = ?
		   AND category NOT IN (SELECT DISTINCT category FROM chat_history WHERE user_id = ?)`,
		toUserID, fromUserID, toUserID,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: adopting turns %s -> %s: %w", fromUserID, toUserID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: reading adopted count: %w", err)
	}
	return n, nil
}

func validateTurn(t *model.Turn) error {
	switch {
	case t == nil:
		return apperror.ValidationFailed("turn", "turn must not be nil")
	case t.UserID == "":
		return apperror.ValidationFailed("userId", "user id is required")
	case !t.Category.Valid():
		return apperror.ValidationFailed("category", fmt.Sprintf("unknown category %q", t.Category))
	case !t.Role.Valid():
		return apperror.ValidationFailed("role", "role must be user or model")
	}
	return nil
}
