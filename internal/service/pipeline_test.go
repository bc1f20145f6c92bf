package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/data"
)

// countingChannel reports every Subscribe call so tests can wait for the
// consumer groups to exist before publishing.
type countingChannel struct {
	repo.Channel
	mu   sync.Mutex
	subs int
}

func (c *countingChannel) Subscribe(ctx context.Context, topic, group string, h repo.Handler) error {
	c.mu.Lock()
	c.subs++
	c.mu.Unlock()
	return c.Channel.Subscribe(ctx, topic, group, h)
}

func (c *countingChannel) subscribed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs
}

// scriptedGenerator streams the answer word by word. Rooms listed in fail
// get an error event after the first chunk.
type scriptedGenerator struct {
	answer string
	fail   map[string]bool
}

func (g *scriptedGenerator) Stream(ctx context.Context, messages []domain.ChatMessage) (<-chan repo.Event, error) {
	last := messages[len(messages)-1].Content
	out := make(chan repo.Event)
	go func() {
		defer close(out)
		words := strings.SplitAfter(g.answer, " ")
		for i, w := range words {
			out <- repo.Event{Type: repo.EventTypeDelta, Data: &repo.DeltaData{Delta: w}}
			if i == 0 && g.fail[last] {
				out <- repo.Event{Type: repo.EventTypeError, Data: &repo.ErrorData{Err: errors.New("upstream 500")}}
				return
			}
		}
		out <- repo.Event{Type: repo.EventTypeComplete, Data: &repo.CompleteData{
			FinishReason: "stop",
			Usage:        domain.TokenUsage{PromptTokens: 40, CompletionTokens: 10},
		}}
	}()
	return out, nil
}

func (g *scriptedGenerator) Summarize(ctx context.Context, transcript string) (string, error) {
	return "요약", nil
}

const warmupKey = "warmup"

// observer collects every event on the output topics.
type observer struct {
	mu      sync.Mutex
	results []domain.FilterResultEvent
	deltas  map[string][]domain.DeltaEvent
	dones   map[string]domain.DoneEvent
	ready   map[string]bool
}

func newObserver() *observer {
	return &observer{
		deltas: make(map[string][]domain.DeltaEvent),
		dones:  make(map[string]domain.DoneEvent),
		ready:  make(map[string]bool),
	}
}

func (o *observer) handle(ctx context.Context, env repo.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if env.Key == warmupKey {
		o.ready[env.Topic] = true
		return nil
	}
	switch env.Topic {
	case domain.TopicFilterResult:
		var ev domain.FilterResultEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		o.results = append(o.results, ev)
	case domain.TopicAnswerDelta:
		var ev domain.DeltaEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		o.deltas[ev.TraceID] = append(o.deltas[ev.TraceID], ev)
	case domain.TopicAnswerDone:
		var ev domain.DoneEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return err
		}
		o.dones[ev.TraceID] = ev
	}
	return nil
}

func (o *observer) resultsFor(traceID string) []domain.FilterResultEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.FilterResultEvent
	for _, r := range o.results {
		if r.TraceID == traceID {
			out = append(out, r)
		}
	}
	return out
}

func (o *observer) done(traceID string) (domain.DoneEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.dones[traceID]
	return d, ok
}

func (o *observer) deltasFor(traceID string) []domain.DeltaEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.DeltaEvent(nil), o.deltas[traceID]...)
}

type harness struct {
	bus   *countingChannel
	store *data.SQLiteStore
	obs   *observer
	stop  func()
}

// startPipeline wires every stage over a MemoryBus and an in-memory store.
// stop cancels the workers, waits for them and closes the store.
func startPipeline(t *testing.T) *harness {
	t.Helper()
	log := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	store, err := data.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	bus := &countingChannel{Channel: data.NewMemoryBus(2, log)}

	// Observers first, confirmed with one warm-up event per topic.
	obs := newObserver()
	topics := []string{domain.TopicFilterResult, domain.TopicAnswerDelta, domain.TopicAnswerDone}
	for _, topic := range topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			_ = bus.Subscribe(ctx, topic, "test-observer", obs.handle)
		}(topic)
		require.NoError(t, bus.Publish(ctx, repo.Envelope{Topic: topic, Key: warmupKey, Payload: []byte("{}")}))
	}
	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.ready) == len(topics)
	}, 2*time.Second, 5*time.Millisecond)

	engine, err := usecase.NewSpanFilterEngine([]usecase.CategoryRules{
		{Category: domain.CategoryThank, Priority: 3, Exact: []string{"감사합니다"}, AllowedTrailers: []string{"!", "."}},
		{Category: domain.CategoryCallOnly, Priority: 5, Base: []string{"세타"}, AllowSuffix: []string{"야"}, AllowedTrailers: []string{"!", "?"}},
	}, usecase.NewResponsePool(map[domain.Category]map[domain.Tone][]string{
		domain.CategoryThank: {domain.ToneNeutral: {"천만에요."}},
	}, nil))
	require.NoError(t, err)

	scorer := repo.ScorerFunc(func(ctx context.Context, text string) (domain.Score, error) {
		switch text {
		case "땡큐":
			return domain.Score{Label: domain.CategoryThank, Probs: map[domain.Category]float64{domain.CategoryThank: 0.98, domain.LabelMeaningful: 0.02}}, nil
		case "ㅎㅎ":
			return domain.Score{Label: domain.CategoryReactionOnly, Probs: map[domain.Category]float64{domain.CategoryReactionOnly: 0.95, domain.LabelMeaningful: 0.05}}, nil
		}
		return domain.Score{Label: domain.LabelMeaningful, Probs: map[domain.Category]float64{domain.LabelMeaningful: 0.99}}, nil
	})

	usage := usecase.NewUsageAccountant(usecase.DefaultUsageRates(), data.RuneCounter{})
	filterUC := usecase.NewFilterUsecase(engine, usecase.NewIntentClassifier(scorer, usecase.DefaultClassifierConfig()), usage)
	promptUC := usecase.NewPromptUsecase(store, nil, store, nil, nil, data.RuneCounter{}, usecase.DefaultPromptConfig, log)
	gen := &scriptedGenerator{answer: "내일 10시 입니다", fail: map[string]bool{"실패할 질문": true}}

	p := NewPipeline(log,
		NewRuleWorker(filterUC, bus, store, log),
		NewClassifyWorker(filterUC, bus, store, true, log),
		NewPromptWorker(promptUC, bus, store, log),
		NewGenerateWorker(gen, store, nil, usage, bus, store, log),
	)
	before := bus.subscribed()
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()
	require.Eventually(t, func() bool { return bus.subscribed() == before+4 }, 2*time.Second, 5*time.Millisecond)
	// Subscribe registers its group right after the call is counted.
	time.Sleep(20 * time.Millisecond)

	stop := func() {
		cancel()
		select {
		case err := <-runDone:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("pipeline did not stop")
		}
		wg.Wait()
		store.Close()
	}
	return &harness{bus: bus, store: store, obs: obs, stop: stop}
}

func submit(t *testing.T, h *harness, room, text string) string {
	t.Helper()
	msg, err := Submit(context.Background(), h.bus, domain.Message{RoomID: room, UserID: "u1", RawText: text})
	require.NoError(t, err)
	return msg.TraceID
}

func TestPipeline_EndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := startPipeline(t)
	defer h.stop()
	ctx := context.Background()

	t.Run("auto reply", func(t *testing.T) {
		trace := submit(t, h, "room-auto", "감사합니다!")
		require.Eventually(t, func() bool { return len(h.obs.resultsFor(trace)) == 1 }, 2*time.Second, 5*time.Millisecond)

		r := h.obs.resultsFor(trace)[0]
		assert.Equal(t, domain.StageRule, r.Stage)
		assert.Equal(t, domain.ActionDrop, r.Decision.Action)
		assert.Equal(t, domain.CategoryThank, r.Decision.ReasonType)
		assert.Equal(t, "천만에요.", r.Decision.ReasonText)

		rec, err := h.store.GetUsage(ctx, trace, domain.StageRule)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Positive(t, rec.SavedTokens)

		_, ok := h.obs.done(trace)
		assert.False(t, ok)
	})

	t.Run("classifier drop", func(t *testing.T) {
		trace := submit(t, h, "room-drop", "땡큐 ㅎㅎ")
		require.Eventually(t, func() bool { return len(h.obs.resultsFor(trace)) == 1 }, 2*time.Second, 5*time.Millisecond)

		r := h.obs.resultsFor(trace)[0]
		assert.Equal(t, domain.StageML, r.Stage)
		assert.Equal(t, domain.ActionDrop, r.Decision.Action)
		assert.Equal(t, domain.CategoryThank, r.Decision.ReasonType)
		assert.InDelta(t, 0.90, r.Decision.Threshold, 1e-9)
		assert.Len(t, r.Explanations, 2)

		rows, err := h.store.FilterResults(ctx, trace)
		require.NoError(t, err)
		require.Len(t, rows, 2)

		prompt, err := h.store.GetPrompt(ctx, trace)
		require.NoError(t, err)
		assert.Nil(t, prompt)
	})

	t.Run("pass and generate", func(t *testing.T) {
		trace := submit(t, h, "room-gen", "세타야 내일 회의 몇 시야")
		require.Eventually(t, func() bool {
			_, ok := h.obs.done(trace)
			return ok
		}, 2*time.Second, 5*time.Millisecond)

		results := h.obs.resultsFor(trace)
		require.Len(t, results, 1)
		assert.Equal(t, domain.ActionPass, results[0].Decision.Action)
		assert.Equal(t, "내일 회의 몇 시야", results[0].CleanedText)

		deltas := h.obs.deltasFor(trace)
		require.Len(t, deltas, 3)
		var text strings.Builder
		for i, d := range deltas {
			assert.Equal(t, i, d.Index)
			text.WriteString(d.Delta)
		}

		prompt, err := h.store.GetPrompt(ctx, trace)
		require.NoError(t, err)
		require.NotNil(t, prompt, "prompt row is written before generation")
		assert.Equal(t, "room-gen", prompt.RoomID)
		assert.Equal(t, "내일 회의 몇 시야", prompt.UserText)
		assert.NotEmpty(t, prompt.Messages)
		assert.Positive(t, prompt.PromptTokens)

		done, _ := h.obs.done(trace)
		assert.Equal(t, text.String(), done.Response.Text)
		assert.Equal(t, "stop", done.Response.FinishReason)
		assert.Equal(t, len(deltas), done.Deltas)
		assert.False(t, done.Failed())
		assert.Equal(t, 50, done.Usage.TotalTokens)

		require.Eventually(t, func() bool {
			turns, err := h.store.RecentTurns(ctx, "room-gen", 5)
			return err == nil && len(turns) == 1
		}, 2*time.Second, 5*time.Millisecond)
		turns, err := h.store.RecentTurns(ctx, "room-gen", 5)
		require.NoError(t, err)
		assert.Equal(t, "내일 회의 몇 시야", turns[0].UserText)
		assert.Equal(t, "내일 10시 입니다", turns[0].AssistantText)

		require.Eventually(t, func() bool {
			rec, err := h.store.GetUsage(ctx, trace, domain.StageGenerate)
			return err == nil && rec != nil
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("generation error", func(t *testing.T) {
		trace := submit(t, h, "room-err", "실패할 질문")
		require.Eventually(t, func() bool {
			errs, err := h.store.ErrorsForTrace(ctx, trace)
			return err == nil && len(errs) == 1
		}, 2*time.Second, 5*time.Millisecond)

		errs, err := h.store.ErrorsForTrace(ctx, trace)
		require.NoError(t, err)
		assert.Equal(t, domain.StageGenerate, errs[0].Stage)
		assert.Equal(t, domain.ErrorTypeGeneration, errs[0].Type)
		assert.Equal(t, "room-err", errs[0].Context["room_id"])

		// The stream is closed with an error terminal and no turn is recorded.
		require.Eventually(t, func() bool {
			_, ok := h.obs.done(trace)
			return ok
		}, 2*time.Second, 5*time.Millisecond)
		done, _ := h.obs.done(trace)
		assert.True(t, done.Failed())
		assert.Equal(t, domain.FinishReasonError, done.Response.FinishReason)
		assert.Contains(t, done.Error, "upstream 500")
		assert.Empty(t, done.Response.Text)
		assert.Len(t, h.obs.deltasFor(trace), 1)
		assert.Equal(t, 1, done.Deltas)

		st, err := h.store.GetState(ctx, "room-err")
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("malformed event is skipped", func(t *testing.T) {
		require.NoError(t, h.bus.Publish(ctx, repo.Envelope{Topic: domain.TopicRawRequest, Key: "room-bad", Payload: []byte("{not json")}))
		require.NoError(t, h.bus.Publish(ctx, repo.Envelope{Topic: domain.TopicRawRequest, Key: "room-bad", Payload: []byte(`{"room_id":"room-bad"}`)}))

		trace := submit(t, h, "room-bad", "감사합니다")
		require.Eventually(t, func() bool { return len(h.obs.resultsFor(trace)) == 1 }, 2*time.Second, 5*time.Millisecond)
	})
}

func TestSubmitRejectsMalformed(t *testing.T) {
	bus := data.NewMemoryBus(1, zerolog.Nop())
	_, err := Submit(context.Background(), bus, domain.Message{RawText: "hi"})
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)

	msg, err := Submit(context.Background(), bus, domain.Message{RoomID: "r1", RawText: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.TraceID)
	assert.Equal(t, msg.TraceID, msg.MessageID)
	assert.Equal(t, domain.ToneNeutral, msg.Tone)
	assert.False(t, msg.Timestamp.IsZero())
}
