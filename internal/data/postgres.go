package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS filter_results (
	trace_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	room_id TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	rule_name TEXT NOT NULL DEFAULT '',
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	cleaned_text TEXT NOT NULL DEFAULT '',
	response TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (trace_id, stage)
);
CREATE TABLE IF NOT EXISTS prompts (
	trace_id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	user_text TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	messages JSONB NOT NULL DEFAULT '[]',
	full_prompt TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS usage_records (
	trace_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	room_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	used JSONB NOT NULL DEFAULT '{}',
	saved_tokens INTEGER NOT NULL DEFAULT 0,
	saved JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (trace_id, stage)
);
CREATE TABLE IF NOT EXISTS error_log (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	error_type TEXT NOT NULL,
	message TEXT NOT NULL,
	context JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS turns (
	room_id TEXT NOT NULL,
	turn_index BIGINT NOT NULL,
	trace_id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL DEFAULT '',
	user_text TEXT NOT NULL,
	assistant_text TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_id, turn_index)
);
CREATE TABLE IF NOT EXISTS conversation_state (
	room_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	last_turn BIGINT NOT NULL DEFAULT 0,
	watermark BIGINT NOT NULL DEFAULT 0,
	unsummarized_count BIGINT NOT NULL DEFAULT 0,
	last_summary_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS user_settings (
	user_id TEXT PRIMARY KEY,
	call_me TEXT NOT NULL DEFAULT '',
	role_description TEXT NOT NULL DEFAULT '',
	preferred_tone TEXT NOT NULL DEFAULT '',
	traits TEXT[] NOT NULL DEFAULT '{}',
	additional_context TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS summaries (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	from_turn BIGINT NOT NULL,
	to_turn BIGINT NOT NULL,
	summary TEXT NOT NULL,
	embedding REAL[],
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_summaries_user ON summaries(user_id);
`

// PostgresStore is the shared relational store for multi-process deployments.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ repo.ResultRepo       = (*PostgresStore)(nil)
	_ repo.ConversationRepo = (*PostgresStore)(nil)
	_ repo.SettingRepo      = (*PostgresStore)(nil)
	_ repo.MemoryRepo       = (*PostgresStore)(nil)
)

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) SaveFilterResult(ctx context.Context, row *repo.FilterResultRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO filter_results
			(trace_id, stage, room_id, message_id, user_id, action, rule_name, score, cleaned_text, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trace_id, stage) DO UPDATE SET
			action = EXCLUDED.action,
			rule_name = EXCLUDED.rule_name,
			score = EXCLUDED.score,
			cleaned_text = EXCLUDED.cleaned_text,
			response = EXCLUDED.response
	`, row.TraceID, string(row.Stage), row.RoomID, row.MessageID, row.UserID, string(row.Action),
		row.RuleName, row.Score, row.CleanedText, row.Response, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save filter result: %w", err)
	}
	return nil
}

func (s *PostgresStore) SavePrompt(ctx context.Context, ev *domain.PromptBuiltEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	messages, err := json.Marshal(ev.Messages)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO prompts
			(trace_id, room_id, message_id, user_id, user_text, system_prompt, messages, full_prompt, prompt_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trace_id) DO UPDATE SET
			user_text = EXCLUDED.user_text,
			system_prompt = EXCLUDED.system_prompt,
			messages = EXCLUDED.messages,
			full_prompt = EXCLUDED.full_prompt,
			prompt_tokens = EXCLUDED.prompt_tokens
	`, ev.TraceID, ev.RoomID, ev.MessageID, ev.UserID, ev.UserText, ev.SystemPrompt,
		messages, ev.FullPrompt, ev.PromptTokens, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save prompt: %w", err)
	}
	return nil
}

// GetPrompt returns the prompt row of a trace, or nil, nil.
func (s *PostgresStore) GetPrompt(ctx context.Context, traceID string) (*domain.PromptBuiltEvent, error) {
	var ev domain.PromptBuiltEvent
	var messages []byte
	err := s.pool.QueryRow(ctx, `
		SELECT trace_id, room_id, message_id, user_id, user_text, system_prompt, messages, full_prompt, prompt_tokens, created_at
		FROM prompts WHERE trace_id = $1
	`, traceID).Scan(&ev.TraceID, &ev.RoomID, &ev.MessageID, &ev.UserID, &ev.UserText, &ev.SystemPrompt,
		&messages, &ev.FullPrompt, &ev.PromptTokens, &ev.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt: %w", err)
	}
	if err := json.Unmarshal(messages, &ev.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode prompt messages: %w", err)
	}
	ev.SchemaVersion = domain.SchemaVersion
	return &ev, nil
}

func (s *PostgresStore) SaveUsage(ctx context.Context, rec *domain.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	used, err := json.Marshal(rec.Used)
	if err != nil {
		return err
	}
	saved, err := json.Marshal(rec.Saved)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO usage_records
			(trace_id, stage, room_id, user_id, prompt_tokens, completion_tokens, total_tokens, used, saved_tokens, saved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trace_id, stage) DO UPDATE SET
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			total_tokens = EXCLUDED.total_tokens,
			used = EXCLUDED.used,
			saved_tokens = EXCLUDED.saved_tokens,
			saved = EXCLUDED.saved
	`, rec.TraceID, string(rec.Stage), rec.RoomID, rec.UserID, rec.PromptTokens, rec.CompletionTokens,
		rec.TotalTokens, used, rec.SavedTokens, saved, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveError(ctx context.Context, rec *domain.ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO error_log (id, trace_id, stage, error_type, message, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.TraceID, string(rec.Stage), string(rec.Type), rec.Message, ctxJSON, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save error: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		stored, err := s.tryAppendTurn(ctx, turn)
		if errors.Is(err, domain.ErrStaleState) {
			continue
		}
		return stored, err
	}
	return domain.Turn{}, fmt.Errorf("append turn for room %s: %w", turn.RoomID, domain.ErrStaleState)
}

func (s *PostgresStore) tryAppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Turn{}, err
	}
	defer tx.Rollback(ctx)

	existing, err := pgScanTurn(tx.QueryRow(ctx, `SELECT `+turnColumns+` FROM turns WHERE trace_id = $1`, turn.TraceID))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Turn{}, fmt.Errorf("failed to query turn: %w", err)
	}

	now := time.Now()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_state (room_id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (room_id) DO NOTHING
	`, turn.RoomID, turn.UserID, now); err != nil {
		return domain.Turn{}, fmt.Errorf("failed to init state: %w", err)
	}

	var lastTurn, version int64
	if err := tx.QueryRow(ctx,
		`SELECT last_turn, version FROM conversation_state WHERE room_id = $1`, turn.RoomID,
	).Scan(&lastTurn, &version); err != nil {
		return domain.Turn{}, fmt.Errorf("failed to read state: %w", err)
	}

	turn.Index = lastTurn + 1
	// A concurrent writer may have taken this index; treat the conflict as stale.
	tag, err := tx.Exec(ctx, `
		INSERT INTO turns (`+turnColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
	`, turn.RoomID, turn.Index, turn.TraceID, turn.UserID, turn.UserText, turn.AssistantText, turn.CreatedAt)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("failed to insert turn: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return domain.Turn{}, domain.ErrStaleState
	}

	tag, err = tx.Exec(ctx, `
		UPDATE conversation_state
		SET last_turn = $1, unsummarized_count = unsummarized_count + 1, version = version + 1,
			user_id = $2, updated_at = $3
		WHERE room_id = $4 AND version = $5
	`, turn.Index, turn.UserID, now, turn.RoomID, version)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("failed to update state: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return domain.Turn{}, domain.ErrStaleState
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Turn{}, fmt.Errorf("failed to commit turn: %w", err)
	}
	return turn, nil
}

func pgScanTurn(row pgx.Row) (domain.Turn, error) {
	var t domain.Turn
	err := row.Scan(&t.RoomID, &t.Index, &t.TraceID, &t.UserID, &t.UserText, &t.AssistantText, &t.CreatedAt)
	return t, err
}

func (s *PostgresStore) RecentTurns(ctx context.Context, roomID string, n int) ([]domain.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+turnColumns+` FROM turns WHERE room_id = $1 ORDER BY turn_index DESC LIMIT $2
		) recent ORDER BY turn_index
	`, roomID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	return pgCollectTurns(rows)
}

func (s *PostgresStore) TurnsAfter(ctx context.Context, roomID string, watermark int64) ([]domain.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+turnColumns+` FROM turns WHERE room_id = $1 AND turn_index > $2 ORDER BY turn_index
	`, roomID, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	return pgCollectTurns(rows)
}

func pgCollectTurns(rows pgx.Rows) ([]domain.Turn, error) {
	defer rows.Close()
	var turns []domain.Turn
	for rows.Next() {
		t, err := pgScanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func pgScanState(row pgx.Row) (*domain.ConversationState, error) {
	var st domain.ConversationState
	var lastSummaryAt *time.Time
	if err := row.Scan(&st.RoomID, &st.UserID, &st.LastTurn, &st.Watermark, &st.UnsummarizedCount,
		&lastSummaryAt, &st.Version, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if lastSummaryAt != nil {
		st.LastSummaryAt = *lastSummaryAt
	}
	return &st, nil
}

func (s *PostgresStore) GetState(ctx context.Context, roomID string) (*domain.ConversationState, error) {
	st, err := pgScanState(s.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM conversation_state WHERE room_id = $1`, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query state: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) PendingStates(ctx context.Context) ([]*domain.ConversationState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stateColumns+` FROM conversation_state WHERE unsummarized_count > 0 ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var out []*domain.ConversationState
	for rows.Next() {
		st, err := pgScanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CommitSummary(ctx context.Context, roomID string, expected, next int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_state
		SET watermark = $1, unsummarized_count = GREATEST(last_turn - $1, 0), last_summary_at = $2,
			version = version + 1, updated_at = now()
		WHERE room_id = $3 AND watermark = $4
	`, next, at, roomID, expected)
	if err != nil {
		return false, fmt.Errorf("failed to commit summary: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetSetting(ctx context.Context, userID string) (*domain.UserSetting, error) {
	var st domain.UserSetting
	var tone string
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, call_me, role_description, preferred_tone, traits, additional_context
		FROM user_settings WHERE user_id = $1
	`, userID).Scan(&st.UserID, &st.CallMe, &st.RoleDescription, &tone, &st.Traits, &st.AdditionalContext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query setting: %w", err)
	}
	st.PreferredTone = domain.Tone(tone)
	return &st, nil
}

func (s *PostgresStore) SaveSetting(ctx context.Context, st *domain.UserSetting) error {
	traits := st.Traits
	if traits == nil {
		traits = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_settings (user_id, call_me, role_description, preferred_tone, traits, additional_context)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			call_me = EXCLUDED.call_me,
			role_description = EXCLUDED.role_description,
			preferred_tone = EXCLUDED.preferred_tone,
			traits = EXCLUDED.traits,
			additional_context = EXCLUDED.additional_context
	`, st.UserID, st.CallMe, st.RoleDescription, string(st.PreferredTone), traits, st.AdditionalContext)
	if err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}

func (s *PostgresStore) IndexSummary(ctx context.Context, entry *domain.SummaryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO summaries (id, room_id, user_id, from_turn, to_turn, summary, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			summary = EXCLUDED.summary,
			embedding = EXCLUDED.embedding
	`, entry.ID, entry.RoomID, entry.UserID, entry.FromTurn, entry.ToTurn, entry.Summary, entry.Embedding, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to index summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchSummaries(ctx context.Context, userID string, vector []float32, k int, minScore float64) ([]domain.ScoredSummary, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, user_id, from_turn, to_turn, summary, embedding, created_at
		FROM summaries WHERE user_id = $1 AND embedding IS NOT NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var hits []domain.ScoredSummary
	for rows.Next() {
		var e domain.SummaryEntry
		if err := rows.Scan(&e.ID, &e.RoomID, &e.UserID, &e.FromTurn, &e.ToTurn, &e.Summary, &e.Embedding, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		if score := cosineSimilarity(vector, e.Embedding); score >= minScore {
			hits = append(hits, domain.ScoredSummary{SummaryEntry: e, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
