package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
)

// SaveFilterResult upserts the audit row of (trace, stage).
func (s *SQLiteStore) SaveFilterResult(ctx context.Context, row *repo.FilterResultRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO filter_results
			(trace_id, stage, room_id, message_id, user_id, action, rule_name, score, cleaned_text, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id, stage) DO UPDATE SET
			action = excluded.action,
			rule_name = excluded.rule_name,
			score = excluded.score,
			cleaned_text = excluded.cleaned_text,
			response = excluded.response
	`, row.TraceID, string(row.Stage), row.RoomID, row.MessageID, row.UserID, string(row.Action),
		row.RuleName, row.Score, row.CleanedText, row.Response, toMillis(row.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save filter result: %w", err)
	}
	return nil
}

// SavePrompt upserts the prompt row of a trace.
func (s *SQLiteStore) SavePrompt(ctx context.Context, ev *domain.PromptBuiltEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	messages, err := json.Marshal(ev.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode prompt messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompts
			(trace_id, room_id, message_id, user_id, user_text, system_prompt, messages, full_prompt, prompt_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			user_text = excluded.user_text,
			system_prompt = excluded.system_prompt,
			messages = excluded.messages,
			full_prompt = excluded.full_prompt,
			prompt_tokens = excluded.prompt_tokens
	`, ev.TraceID, ev.RoomID, ev.MessageID, ev.UserID, ev.UserText, ev.SystemPrompt,
		string(messages), ev.FullPrompt, ev.PromptTokens, toMillis(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to save prompt: %w", err)
	}
	return nil
}

// GetPrompt returns the prompt row of a trace, or nil, nil.
func (s *SQLiteStore) GetPrompt(ctx context.Context, traceID string) (*domain.PromptBuiltEvent, error) {
	var ev domain.PromptBuiltEvent
	var messages string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT trace_id, room_id, message_id, user_id, user_text, system_prompt, messages, full_prompt, prompt_tokens, created_at
		FROM prompts WHERE trace_id = ?
	`, traceID).Scan(&ev.TraceID, &ev.RoomID, &ev.MessageID, &ev.UserID, &ev.UserText, &ev.SystemPrompt,
		&messages, &ev.FullPrompt, &ev.PromptTokens, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt: %w", err)
	}
	if err := json.Unmarshal([]byte(messages), &ev.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode prompt messages: %w", err)
	}
	ev.SchemaVersion = domain.SchemaVersion
	ev.Timestamp = fromMillis(createdAt)
	return &ev, nil
}

// SaveUsage upserts the usage row of (trace, stage).
func (s *SQLiteStore) SaveUsage(ctx context.Context, rec *domain.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(trace_id, stage, room_id, user_id, prompt_tokens, completion_tokens, total_tokens,
			 cost_usd, energy_wh, co2_g, water_ml,
			 saved_tokens, saved_cost_usd, saved_energy_wh, saved_co2_g, saved_water_ml, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id, stage) DO UPDATE SET
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			cost_usd = excluded.cost_usd,
			energy_wh = excluded.energy_wh,
			co2_g = excluded.co2_g,
			water_ml = excluded.water_ml,
			saved_tokens = excluded.saved_tokens,
			saved_cost_usd = excluded.saved_cost_usd,
			saved_energy_wh = excluded.saved_energy_wh,
			saved_co2_g = excluded.saved_co2_g,
			saved_water_ml = excluded.saved_water_ml
	`, rec.TraceID, string(rec.Stage), rec.RoomID, rec.UserID,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.Used.CostUSD, rec.Used.EnergyWh, rec.Used.CO2g, rec.Used.WaterML,
		rec.SavedTokens, rec.Saved.CostUSD, rec.Saved.EnergyWh, rec.Saved.CO2g, rec.Saved.WaterML,
		toMillis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// GetUsage returns the usage row of (trace, stage), or nil, nil.
func (s *SQLiteStore) GetUsage(ctx context.Context, traceID string, stage domain.Stage) (*domain.UsageRecord, error) {
	var rec domain.UsageRecord
	var st string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT trace_id, stage, room_id, user_id, prompt_tokens, completion_tokens, total_tokens,
			cost_usd, energy_wh, co2_g, water_ml,
			saved_tokens, saved_cost_usd, saved_energy_wh, saved_co2_g, saved_water_ml, created_at
		FROM usage_records WHERE trace_id = ? AND stage = ?
	`, traceID, string(stage)).Scan(
		&rec.TraceID, &st, &rec.RoomID, &rec.UserID, &rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens,
		&rec.Used.CostUSD, &rec.Used.EnergyWh, &rec.Used.CO2g, &rec.Used.WaterML,
		&rec.SavedTokens, &rec.Saved.CostUSD, &rec.Saved.EnergyWh, &rec.Saved.CO2g, &rec.Saved.WaterML, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	rec.Stage = domain.Stage(st)
	rec.CreatedAt = fromMillis(createdAt)
	return &rec, nil
}

// SaveError appends an error record. An empty ID gets a fresh ULID.
func (s *SQLiteStore) SaveError(ctx context.Context, rec *domain.ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("failed to encode error context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO error_log (id, trace_id, stage, error_type, message, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TraceID, string(rec.Stage), string(rec.Type), rec.Message, string(ctxJSON), toMillis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save error: %w", err)
	}
	return nil
}

// ErrorsForTrace lists error records of a trace, oldest first.
func (s *SQLiteStore) ErrorsForTrace(ctx context.Context, traceID string) ([]domain.ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, stage, error_type, message, context, created_at
		FROM error_log WHERE trace_id = ? ORDER BY created_at, id
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	defer rows.Close()

	var out []domain.ErrorRecord
	for rows.Next() {
		var rec domain.ErrorRecord
		var stage, typ, ctxJSON string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.TraceID, &stage, &typ, &rec.Message, &ctxJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan error: %w", err)
		}
		rec.Stage = domain.Stage(stage)
		rec.Type = domain.ErrorType(typ)
		rec.CreatedAt = fromMillis(createdAt)
		if ctxJSON != "" && ctxJSON != "null" {
			if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
				return nil, fmt.Errorf("failed to decode error context: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FilterResults lists audit rows of a trace in stage order.
func (s *SQLiteStore) FilterResults(ctx context.Context, traceID string) ([]repo.FilterResultRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, room_id, message_id, user_id, stage, action, rule_name, score, cleaned_text, response, created_at
		FROM filter_results WHERE trace_id = ? ORDER BY created_at, stage
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query filter results: %w", err)
	}
	defer rows.Close()

	var out []repo.FilterResultRow
	for rows.Next() {
		var r repo.FilterResultRow
		var stage, action string
		var createdAt int64
		if err := rows.Scan(&r.TraceID, &r.RoomID, &r.MessageID, &r.UserID, &stage, &action,
			&r.RuleName, &r.Score, &r.CleanedText, &r.Response, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan filter result: %w", err)
		}
		r.Stage = domain.Stage(stage)
		r.Action = domain.Action(action)
		r.CreatedAt = fromMillis(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSetting returns the user's persona, or nil, nil.
func (s *SQLiteStore) GetSetting(ctx context.Context, userID string) (*domain.UserSetting, error) {
	var st domain.UserSetting
	var tone, traits string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, call_me, role_description, preferred_tone, traits, additional_context
		FROM user_settings WHERE user_id = ?
	`, userID).Scan(&st.UserID, &st.CallMe, &st.RoleDescription, &tone, &traits, &st.AdditionalContext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query setting: %w", err)
	}
	st.PreferredTone = domain.Tone(tone)
	if traits != "" {
		if err := json.Unmarshal([]byte(traits), &st.Traits); err != nil {
			return nil, fmt.Errorf("failed to decode traits: %w", err)
		}
	}
	return &st, nil
}

// SaveSetting upserts a user's persona.
func (s *SQLiteStore) SaveSetting(ctx context.Context, st *domain.UserSetting) error {
	traits := st.Traits
	if traits == nil {
		traits = []string{}
	}
	traitsJSON, err := json.Marshal(traits)
	if err != nil {
		return fmt.Errorf("failed to encode traits: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, call_me, role_description, preferred_tone, traits, additional_context)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			call_me = excluded.call_me,
			role_description = excluded.role_description,
			preferred_tone = excluded.preferred_tone,
			traits = excluded.traits,
			additional_context = excluded.additional_context
	`, st.UserID, st.CallMe, st.RoleDescription, string(st.PreferredTone), string(traitsJSON), st.AdditionalContext)
	if err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}
