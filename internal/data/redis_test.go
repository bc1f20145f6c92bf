package data

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("SETA_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SETA_TEST_REDIS_URL not set")
	}
	client, err := NewRedisClient(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTurnCache_AppendRecent(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	cache := NewTurnCache(client, time.Minute)
	room := "room-" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), roomTurnsKey(room)) })

	for i := 1; i <= 7; i++ {
		require.NoError(t, cache.Append(ctx, domain.Turn{
			RoomID:   room,
			Index:    int64(i),
			UserText: fmt.Sprintf("q%d", i),
		}))
	}

	turns, err := cache.Recent(ctx, room, 5)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	assert.EqualValues(t, 3, turns[0].Index)
	assert.Equal(t, "q7", turns[4].UserText)
	assert.Equal(t, room, turns[4].RoomID)

	ttl, err := client.TTL(ctx, roomTurnsKey(room)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	miss, err := cache.Recent(ctx, "room-"+uuid.NewString(), 5)
	require.NoError(t, err)
	assert.Empty(t, miss)
}

func TestRedisBus_PerKeyOrderAndRedelivery(t *testing.T) {
	client := newTestRedis(t)
	topic := "test." + uuid.NewString()
	bus := NewRedisBus(client, 2, "c1", 50*time.Millisecond, zerolog.Nop())
	t.Cleanup(func() {
		for p := 0; p < 2; p++ {
			client.Del(context.Background(), streamKey(topic, p))
		}
	})

	var mu sync.Mutex
	got := map[string][]string{}
	var failedOnce atomic.Bool
	var count atomic.Int32
	h := func(ctx context.Context, env repo.Envelope) error {
		if string(env.Payload) == "1" && failedOnce.CompareAndSwap(false, true) {
			return fmt.Errorf("transient")
		}
		mu.Lock()
		got[env.Key] = append(got[env.Key], string(env.Payload))
		mu.Unlock()
		count.Add(1)
		return nil
	}

	ctx := context.Background()
	keys := []string{"room-a", "room-b"}
	for i := 0; i < 6; i++ {
		require.NoError(t, bus.Publish(ctx, repo.Envelope{
			Topic:   topic,
			Key:     keys[i%2],
			Headers: map[string]string{"traceparent": "x"},
			Payload: []byte(fmt.Sprint(i)),
		}))
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(subCtx, topic, "g1", h) }()

	require.Eventually(t, func() bool { return count.Load() == 6 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"0", "2", "4"}, got["room-a"])
	assert.Equal(t, []string{"1", "3", "5"}, got["room-b"])
}
