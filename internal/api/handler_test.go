package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/conf"
)

// MockSettingRepo implements repo.SettingRepo for testing
type MockSettingRepo struct {
	mu       sync.Mutex
	settings map[string]*domain.UserSetting
}

func (m *MockSettingRepo) GetSetting(ctx context.Context, userID string) (*domain.UserSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[userID], nil
}

func (m *MockSettingRepo) SaveSetting(ctx context.Context, s *domain.UserSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		m.settings = make(map[string]*domain.UserSetting)
	}
	m.settings[s.UserID] = s
	return nil
}

// MockPublisher records published envelopes
type MockPublisher struct {
	mu   sync.Mutex
	envs []repo.Envelope
}

func (m *MockPublisher) Publish(ctx context.Context, env repo.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
	return nil
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, pub repo.Publisher) (*Server, *MockSettingRepo) {
	t.Helper()
	rules, err := conf.LoadRulesConfig("", "")
	require.NoError(t, err)
	engine, err := rules.NewSpanFilterEngine()
	require.NoError(t, err)

	settings := &MockSettingRepo{}
	filterUC := usecase.NewFilterUsecase(engine, nil, nil)
	return NewServer(filterUC, pub, settings, ":0", zerolog.Nop()), settings
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t, nil)
	server.AddCheck("store", pingerFunc(func(ctx context.Context) error { return nil }))

	w := doRequest(t, server.Router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	server.AddCheck("redis", pingerFunc(func(ctx context.Context) error { return errors.New("connection refused") }))
	w = doRequest(t, server.Router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Healthy bool              `json:"healthy"`
		Checks  map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.False(t, body.Healthy)
	assert.Equal(t, "ok", body.Checks["store"])
	assert.Equal(t, "connection refused", body.Checks["redis"])
}

func TestHandleMetrics(t *testing.T) {
	server, _ := newTestServer(t, nil)
	w := doRequest(t, server.Router(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleDebugFilter(t *testing.T) {
	server, _ := newTestServer(t, nil)
	h := server.Router()

	t.Run("filler only routes to auto", func(t *testing.T) {
		w := doRequest(t, h, http.MethodPost, "/debug/filter", `{"text":"감사합니다","tone":"polite"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var ev usecase.Evaluation
		require.NoError(t, json.NewDecoder(w.Body).Decode(&ev))
		assert.Equal(t, domain.ActionDrop, ev.Action)
		assert.Equal(t, domain.ModeAuto, ev.Rule.Mode)
		assert.Equal(t, domain.CategoryThank, ev.Rule.TopCategory)
		assert.NotEmpty(t, ev.Rule.Response)
	})

	t.Run("content passes", func(t *testing.T) {
		w := doRequest(t, h, http.MethodPost, "/debug/filter", `{"text":"안녕하세요 날씨 알려줘"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var ev usecase.Evaluation
		require.NoError(t, json.NewDecoder(w.Body).Decode(&ev))
		assert.Equal(t, domain.ActionPass, ev.Action)
		assert.Equal(t, "날씨 알려줘", ev.FinalText)
	})

	t.Run("empty text", func(t *testing.T) {
		w := doRequest(t, h, http.MethodPost, "/debug/filter", `{"text":"  "}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad json", func(t *testing.T) {
		w := doRequest(t, h, http.MethodPost, "/debug/filter", `{`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleSubmit(t *testing.T) {
	pub := &MockPublisher{}
	server, _ := newTestServer(t, pub)
	h := server.Router()

	w := doRequest(t, h, http.MethodPost, "/v1/messages", `{"room_id":"r1","user_id":"u1","text":"오늘 뭐 먹지"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp["trace_id"])

	require.Len(t, pub.envs, 1)
	env := pub.envs[0]
	assert.Equal(t, domain.TopicRawRequest, env.Topic)
	assert.Equal(t, "r1", env.Key)
	assert.Contains(t, env.Headers, domain.HeaderTraceparent)

	var ev domain.MessageEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, resp["trace_id"], ev.Message.TraceID)
	assert.Equal(t, "오늘 뭐 먹지", ev.Message.RawText)
	assert.Equal(t, domain.ToneNeutral, ev.Message.Tone)

	w = doRequest(t, h, http.MethodPost, "/v1/messages", `{"user_id":"u1","text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, pub.envs, 1)
}

func TestHandleSubmitDisabled(t *testing.T) {
	server, _ := newTestServer(t, nil)
	w := doRequest(t, server.Router(), http.MethodPost, "/v1/messages", `{"room_id":"r1","text":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleSettings(t *testing.T) {
	server, settings := newTestServer(t, nil)
	h := server.Router()

	w := doRequest(t, h, http.MethodGet, "/v1/users/u1/setting", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	body := `{"call_me":"민지","preferred_tone":"Friendly","traits":["coffee"]}`
	w = doRequest(t, h, http.MethodPut, "/v1/users/u1/setting", body)
	require.Equal(t, http.StatusNoContent, w.Code)

	stored, _ := settings.GetSetting(context.Background(), "u1")
	require.NotNil(t, stored)
	assert.Equal(t, domain.ToneFriendly, stored.PreferredTone)

	w = doRequest(t, h, http.MethodGet, "/v1/users/u1/setting", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"call_me":"민지"`))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}
