package data

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/seta-lab/seta/internal/biz/domain"
)

// IndexSummary stores or replaces a summary by ID.
func (s *SQLiteStore) IndexSummary(ctx context.Context, entry *domain.SummaryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO summaries (id, room_id, user_id, from_turn, to_turn, summary, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.RoomID, entry.UserID, entry.FromTurn, entry.ToTurn, entry.Summary,
		float32ToBytes(entry.Embedding), toMillis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to index summary: %w", err)
	}
	return nil
}

// SearchSummaries ranks the user's stored summaries by cosine similarity.
func (s *SQLiteStore) SearchSummaries(ctx context.Context, userID string, vector []float32, k int, minScore float64) ([]domain.ScoredSummary, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, from_turn, to_turn, summary, embedding, created_at
		FROM summaries WHERE user_id = ? AND embedding IS NOT NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var hits []domain.ScoredSummary
	for rows.Next() {
		var e domain.SummaryEntry
		var blob []byte
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.RoomID, &e.UserID, &e.FromTurn, &e.ToTurn, &e.Summary, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		e.Embedding = bytesToFloat32(blob)
		e.CreatedAt = fromMillis(createdAt)
		score := cosineSimilarity(vector, e.Embedding)
		if score < minScore {
			continue
		}
		hits = append(hits, domain.ScoredSummary{SummaryEntry: e, Score: score})
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

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// float32ToBytes encodes little-endian.
func float32ToBytes(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
