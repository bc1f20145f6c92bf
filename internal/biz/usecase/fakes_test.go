package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
)

type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

// mapScorer answers from a fixed table; unknown text is meaningful.
type mapScorer struct {
	scores map[string]domain.Score
	err    error
	calls  atomic.Int32
}

func (s *mapScorer) Score(ctx context.Context, text string) (domain.Score, error) {
	s.calls.Add(1)
	if s.err != nil {
		return domain.Score{}, s.err
	}
	if sc, ok := s.scores[text]; ok {
		return sc, nil
	}
	return score(domain.LabelMeaningful, 0.99), nil
}

func score(label domain.Category, p float64) domain.Score {
	probs := map[domain.Category]float64{label: p}
	if label != domain.LabelMeaningful {
		probs[domain.LabelMeaningful] = 1 - p
	}
	return domain.Score{Label: label, Probs: probs}
}

// memConversation is an in-memory ConversationRepo with the same CAS rules
// as the SQL stores.
type memConversation struct {
	mu     sync.Mutex
	turns  map[string][]domain.Turn
	states map[string]*domain.ConversationState
}

func newMemConversation() *memConversation {
	return &memConversation{
		turns:  make(map[string][]domain.Turn),
		states: make(map[string]*domain.ConversationState),
	}
}

func (m *memConversation) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.turns[turn.RoomID] {
		if t.TraceID == turn.TraceID {
			return t, nil
		}
	}
	st, ok := m.states[turn.RoomID]
	if !ok {
		st = &domain.ConversationState{RoomID: turn.RoomID, UserID: turn.UserID, CreatedAt: turn.CreatedAt}
		m.states[turn.RoomID] = st
	}
	st.LastTurn++
	st.UnsummarizedCount++
	st.Version++
	turn.Index = st.LastTurn
	m.turns[turn.RoomID] = append(m.turns[turn.RoomID], turn)
	return turn, nil
}

func (m *memConversation) RecentTurns(ctx context.Context, roomID string, n int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.turns[roomID]
	if len(ts) > n {
		ts = ts[len(ts)-n:]
	}
	return append([]domain.Turn(nil), ts...), nil
}

func (m *memConversation) TurnsAfter(ctx context.Context, roomID string, watermark int64) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Turn
	for _, t := range m.turns[roomID] {
		if t.Index > watermark {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memConversation) GetState(ctx context.Context, roomID string) (*domain.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[roomID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *memConversation) PendingStates(ctx context.Context) ([]*domain.ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ConversationState
	for _, st := range m.states {
		if st.UnsummarizedCount > 0 {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

func (m *memConversation) CommitSummary(ctx context.Context, roomID string, expected, next int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[roomID]
	if !ok || st.Watermark != expected {
		return false, nil
	}
	st.Watermark = next
	st.UnsummarizedCount = max(st.LastTurn-next, 0)
	st.LastSummaryAt = at
	st.Version++
	return true, nil
}

// fakeGenerator summarizes by echoing a fixed text.
type fakeGenerator struct {
	summary   string
	err       error
	delay     time.Duration
	summaries atomic.Int32
}

func (g *fakeGenerator) Stream(ctx context.Context, messages []domain.ChatMessage) (<-chan repo.Event, error) {
	return nil, errors.New("not implemented")
}

func (g *fakeGenerator) Summarize(ctx context.Context, transcript string) (string, error) {
	g.summaries.Add(1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return "", g.err
	}
	return g.summary, nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vec, e.err
}

type memMemory struct {
	mu      sync.Mutex
	entries map[string]*domain.SummaryEntry
	hits    []domain.ScoredSummary
}

func (m *memMemory) IndexSummary(ctx context.Context, entry *domain.SummaryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*domain.SummaryEntry)
	}
	m.entries[entry.ID] = entry
	return nil
}

func (m *memMemory) SearchSummaries(ctx context.Context, userID string, vector []float32, k int, minScore float64) ([]domain.ScoredSummary, error) {
	var out []domain.ScoredSummary
	for _, h := range m.hits {
		if h.UserID == userID && h.Score >= minScore {
			out = append(out, h)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

type memSettings map[string]*domain.UserSetting

func (s memSettings) GetSetting(ctx context.Context, userID string) (*domain.UserSetting, error) {
	return s[userID], nil
}

func (s memSettings) SaveSetting(ctx context.Context, st *domain.UserSetting) error {
	s[st.UserID] = st
	return nil
}

type memCache struct {
	turns map[string][]domain.Turn
	err   error
}

func (c *memCache) Append(ctx context.Context, turn domain.Turn) error {
	if c.turns == nil {
		c.turns = make(map[string][]domain.Turn)
	}
	c.turns[turn.RoomID] = append(c.turns[turn.RoomID], turn)
	return nil
}

func (c *memCache) Recent(ctx context.Context, roomID string, n int) ([]domain.Turn, error) {
	if c.err != nil {
		return nil, c.err
	}
	ts := c.turns[roomID]
	if len(ts) > n {
		ts = ts[len(ts)-n:]
	}
	return ts, nil
}
