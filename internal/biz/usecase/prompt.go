package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
)

// PromptConfig contains prompt assembly configuration
type PromptConfig struct {
	DefaultSystemPrompt string                 // Used when the user has no setting
	PersonaIntro        string                 // First line of a persona prompt
	ToneDescriptions    map[domain.Tone]string // Shown next to the preferred tone
	SummaryHeader       string                 // Header of the similar-summary block
	UserLabel           string
	AssistantLabel      string

	RecentTurns int     // Turns of history to include
	TopK        int     // Similar summaries to include
	MinScore    float64 // Minimum cosine similarity for a summary
}

// DefaultPromptConfig contains default prompt configuration
var DefaultPromptConfig = PromptConfig{
	DefaultSystemPrompt: "You are a helpful assistant that replies in Korean.",
	PersonaIntro:        "You are a Korean AI assistant.",
	ToneDescriptions: map[domain.Tone]string{
		domain.ToneNeutral:  "일반적인 AI 스타일 🧠",
		domain.ToneFriendly: "다정하고 따뜻한 느낌, 이모지도 사용 😊",
		domain.TonePolite:   "공손하고 격식 있는 존댓말 위주 💼",
		domain.ToneCheerful: "활기차고 명랑한 말투, 가벼운 농담도 가능 😄",
		domain.ToneCalm:     "침착하고 담백한 표현, 감정 표현 최소 🌙",
		domain.ToneCynical:  "건조하고 시니컬한 말투, 가벼운 비꼼 허용 😏",
	},
	SummaryHeader:  "[과거 요약]",
	UserLabel:      "유저",
	AssistantLabel: "AI",
	RecentTurns:    5,
	TopK:           3,
	MinScore:       0.7,
}

// PromptUsecase assembles generation requests.
type PromptUsecase struct {
	settings repo.SettingRepo
	cache    repo.TurnCache
	conv     repo.ConversationRepo
	memory   repo.MemoryRepo
	embedder repo.Embedder
	counter  repo.TokenCounter
	cfg      PromptConfig
	log      zerolog.Logger
}

// NewPromptUsecase creates a prompt usecase. cache, memory and embedder may
// be nil, in which case that part of the prompt is skipped.
func NewPromptUsecase(
	settings repo.SettingRepo,
	cache repo.TurnCache,
	conv repo.ConversationRepo,
	memory repo.MemoryRepo,
	embedder repo.Embedder,
	counter repo.TokenCounter,
	cfg PromptConfig,
	log zerolog.Logger,
) *PromptUsecase {
	return &PromptUsecase{
		settings: settings,
		cache:    cache,
		conv:     conv,
		memory:   memory,
		embedder: embedder,
		counter:  counter,
		cfg:      cfg,
		log:      log.With().Str("component", "PromptUsecase").Logger(),
	}
}

// BuildSystemPrompt renders the persona of s as a bullet list.
func (uc *PromptUsecase) BuildSystemPrompt(s *domain.UserSetting) string {
	if s == nil {
		return uc.cfg.DefaultSystemPrompt
	}
	parts := []string{uc.cfg.PersonaIntro}
	if s.CallMe != "" {
		parts = append(parts, fmt.Sprintf("사용자를 \"%s\"이라고 부르세요.", s.CallMe))
	}
	if s.RoleDescription != "" {
		parts = append(parts, "역할: "+s.RoleDescription)
	}
	if s.PreferredTone != "" {
		parts = append(parts, fmt.Sprintf("응답 톤: %s (%s)", s.PreferredTone, uc.cfg.ToneDescriptions[s.PreferredTone]))
	}
	if len(s.Traits) > 0 {
		parts = append(parts, "성격/특징: "+strings.Join(s.Traits, ", "))
	}
	if s.AdditionalContext != "" {
		parts = append(parts, "추가 맥락: "+s.AdditionalContext)
	}
	return strings.Join(parts, "\n- ")
}

// Build assembles the prompt for a message that passed both filters.
func (uc *PromptUsecase) Build(ctx context.Context, msg domain.Message) (*domain.PromptBuiltEvent, error) {
	setting, err := uc.settings.GetSetting(ctx, msg.UserID)
	if err != nil {
		return nil, stageErr(domain.ErrorTypeStore, fmt.Errorf("get user setting: %w", err))
	}
	system := uc.BuildSystemPrompt(setting)

	turns, err := uc.recentTurns(ctx, msg.RoomID)
	if err != nil {
		return nil, err
	}

	summaries, err := uc.similarSummaries(ctx, msg.UserID, msg.Text())
	if err != nil {
		return nil, err
	}

	userText := msg.Text()
	messages := make([]domain.ChatMessage, 0, len(turns)*2+2)
	systemContent := system
	if len(summaries) > 0 {
		systemContent += "\n\n" + uc.cfg.SummaryHeader + "\n" + strings.Join(summaries, "\n")
	}
	messages = append(messages, domain.ChatMessage{Role: "system", Content: systemContent})
	for _, t := range turns {
		messages = append(messages,
			domain.ChatMessage{Role: "user", Content: t.UserText},
			domain.ChatMessage{Role: "assistant", Content: t.AssistantText},
		)
	}
	messages = append(messages, domain.ChatMessage{Role: "user", Content: userText})

	full := uc.formatFullPrompt(system, turns, summaries, userText)
	ev := &domain.PromptBuiltEvent{
		TraceID:       msg.TraceID,
		RoomID:        msg.RoomID,
		MessageID:     msg.MessageID,
		UserID:        msg.UserID,
		UserText:      userText,
		SystemPrompt:  system,
		Messages:      messages,
		FullPrompt:    full,
		SchemaVersion: domain.SchemaVersion,
		Timestamp:     time.Now().UTC(),
	}
	if uc.counter != nil {
		ev.PromptTokens = uc.counter.Count(full)
	}
	return ev, nil
}

// recentTurns reads the cache first and falls back to the turn store.
func (uc *PromptUsecase) recentTurns(ctx context.Context, roomID string) ([]domain.Turn, error) {
	n := uc.cfg.RecentTurns
	if n <= 0 {
		return nil, nil
	}
	if uc.cache != nil {
		turns, err := uc.cache.Recent(ctx, roomID, n)
		if err == nil && len(turns) > 0 {
			return turns, nil
		}
		if err != nil {
			uc.log.Warn().Err(err).Str("room_id", roomID).Msg("recent-turn cache unavailable, reading store")
		}
	}
	turns, err := uc.conv.RecentTurns(ctx, roomID, n)
	if err != nil {
		return nil, stageErr(domain.ErrorTypeStore, fmt.Errorf("recent turns: %w", err))
	}
	return turns, nil
}

func (uc *PromptUsecase) similarSummaries(ctx context.Context, userID, query string) ([]string, error) {
	if uc.memory == nil || uc.embedder == nil || uc.cfg.TopK <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	vec, err := uc.embedder.Embed(ctx, query)
	if err != nil {
		return nil, stageErr(domain.ErrorTypeSearch, fmt.Errorf("embed query: %w", err))
	}
	hits, err := uc.memory.SearchSummaries(ctx, userID, vec, uc.cfg.TopK, uc.cfg.MinScore)
	if err != nil {
		return nil, stageErr(domain.ErrorTypeSearch, fmt.Errorf("search summaries: %w", err))
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Summary)
	}
	return out, nil
}

// formatFullPrompt renders the flat prompt stored for audit and token sizing.
func (uc *PromptUsecase) formatFullPrompt(system string, turns []domain.Turn, summaries []string, userText string) string {
	var sb strings.Builder
	sb.WriteString("System: ")
	sb.WriteString(system)
	sb.WriteString("\n\n")
	lines := make([]string, 0, len(turns)*2)
	for _, t := range turns {
		lines = append(lines,
			uc.cfg.UserLabel+": "+t.UserText,
			uc.cfg.AssistantLabel+": "+t.AssistantText,
		)
	}
	sb.WriteString(strings.Join(lines, "\n"))
	if len(summaries) > 0 {
		sb.WriteString("\n\n" + uc.cfg.SummaryHeader + "\n")
		sb.WriteString(strings.Join(summaries, "\n"))
	}
	if userText != "" {
		sb.WriteString("\n\n" + uc.cfg.UserLabel + ": " + userText)
	}
	return sb.String()
}
