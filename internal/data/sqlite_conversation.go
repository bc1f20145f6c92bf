package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seta-lab/seta/internal/biz/domain"
)

const turnColumns = `room_id, turn_index, trace_id, user_id, user_text, assistant_text, created_at`

const stateColumns = `room_id, user_id, last_turn, watermark, unsummarized_count, last_summary_at, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (domain.Turn, error) {
	var t domain.Turn
	var createdAt int64
	err := row.Scan(&t.RoomID, &t.Index, &t.TraceID, &t.UserID, &t.UserText, &t.AssistantText, &createdAt)
	t.CreatedAt = fromMillis(createdAt)
	return t, err
}

func scanState(row rowScanner) (*domain.ConversationState, error) {
	var st domain.ConversationState
	var lastSummaryAt, createdAt, updatedAt int64
	err := row.Scan(&st.RoomID, &st.UserID, &st.LastTurn, &st.Watermark, &st.UnsummarizedCount,
		&lastSummaryAt, &st.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.LastSummaryAt = fromMillis(lastSummaryAt)
	st.CreatedAt = fromMillis(createdAt)
	st.UpdatedAt = fromMillis(updatedAt)
	return &st, nil
}

// AppendTurn stores turn at the next index of its room.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		stored, err := s.tryAppendTurn(ctx, turn)
		if errors.Is(err, domain.ErrStaleState) {
			continue
		}
		return stored, err
	}
	return domain.Turn{}, fmt.Errorf("append turn for room %s: %w", turn.RoomID, domain.ErrStaleState)
}

func (s *SQLiteStore) tryAppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanTurn(tx.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE trace_id = ?`, turn.TraceID))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Turn{}, fmt.Errorf("failed to query turn: %w", err)
	}

	now := time.Now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_state (room_id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO NOTHING
	`, turn.RoomID, turn.UserID, toMillis(now), toMillis(now)); err != nil {
		return domain.Turn{}, fmt.Errorf("failed to init state: %w", err)
	}

	var lastTurn, version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_turn, version FROM conversation_state WHERE room_id = ?`, turn.RoomID,
	).Scan(&lastTurn, &version); err != nil {
		return domain.Turn{}, fmt.Errorf("failed to read state: %w", err)
	}

	turn.Index = lastTurn + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (`+turnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, turn.RoomID, turn.Index, turn.TraceID, turn.UserID, turn.UserText, turn.AssistantText, toMillis(turn.CreatedAt)); err != nil {
		return domain.Turn{}, fmt.Errorf("failed to insert turn: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversation_state
		SET last_turn = ?, unsummarized_count = unsummarized_count + 1, version = version + 1,
			user_id = ?, updated_at = ?
		WHERE room_id = ? AND version = ?
	`, turn.Index, turn.UserID, toMillis(now), turn.RoomID, version)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("failed to update state: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Turn{}, domain.ErrStaleState
	}
	if err := tx.Commit(); err != nil {
		return domain.Turn{}, fmt.Errorf("failed to commit turn: %w", err)
	}
	return turn, nil
}

// RecentTurns returns up to n latest turns, oldest first.
func (s *SQLiteStore) RecentTurns(ctx context.Context, roomID string, n int) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE room_id = ?
		ORDER BY turn_index DESC
		LIMIT ?
	`, roomID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnsAfter returns turns with index > watermark, oldest first.
func (s *SQLiteStore) TurnsAfter(ctx context.Context, roomID string, watermark int64) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE room_id = ? AND turn_index > ?
		ORDER BY turn_index
	`, roomID, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// GetState returns the room state, or nil, nil if unknown.
func (s *SQLiteStore) GetState(ctx context.Context, roomID string) (*domain.ConversationState, error) {
	st, err := scanState(s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM conversation_state WHERE room_id = ?`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query state: %w", err)
	}
	return st, nil
}

// PendingStates lists rooms with unsummarized turns.
func (s *SQLiteStore) PendingStates(ctx context.Context) ([]*domain.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM conversation_state WHERE unsummarized_count > 0 ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var out []*domain.ConversationState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CommitSummary advances the watermark only if it still equals expected.
func (s *SQLiteStore) CommitSummary(ctx context.Context, roomID string, expected, next int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_state
		SET watermark = ?, unsummarized_count = MAX(last_turn - ?, 0), last_summary_at = ?,
			version = version + 1, updated_at = ?
		WHERE room_id = ? AND watermark = ?
	`, next, next, toMillis(at), toMillis(time.Now()), roomID, expected)
	if err != nil {
		return false, fmt.Errorf("failed to commit summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to commit summary: %w", err)
	}
	return n == 1, nil
}
