package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
)

// maxCachedTurns caps each room's cached list.
const maxCachedTurns = 50

// turnCache keeps each room's latest turns in a Redis list, newest last.
type turnCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTurnCache creates a recent-turn cache on client. Entries expire ttl
// after the room's last write.
func NewTurnCache(client *redis.Client, ttl time.Duration) repo.TurnCache {
	return &turnCache{client: client, ttl: ttl}
}

// roomTurnsKey returns the key for a room's cached turns.
func roomTurnsKey(roomID string) string {
	return fmt.Sprintf("chat:%s:messages", roomID)
}

type cachedTurn struct {
	Index         int64     `json:"index"`
	TraceID       string    `json:"trace_id"`
	UserID        string    `json:"user_id"`
	UserText      string    `json:"user"`
	AssistantText string    `json:"assistant"`
	CreatedAt     time.Time `json:"created_at"`
}

// Append pushes turn and trims the list.
func (c *turnCache) Append(ctx context.Context, turn domain.Turn) error {
	data, err := json.Marshal(cachedTurn{
		Index:         turn.Index,
		TraceID:       turn.TraceID,
		UserID:        turn.UserID,
		UserText:      turn.UserText,
		AssistantText: turn.AssistantText,
		CreatedAt:     turn.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}

	key := roomTurnsKey(turn.RoomID)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxCachedTurns, -1)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache turn: %w", err)
	}
	return nil
}

// Recent returns up to n latest cached turns, oldest first.
func (c *turnCache) Recent(ctx context.Context, roomID string, n int) ([]domain.Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := c.client.LRange(ctx, roomTurnsKey(roomID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached turns: %w", err)
	}
	turns := make([]domain.Turn, 0, len(items))
	for _, item := range items {
		var ct cachedTurn
		if err := json.Unmarshal([]byte(item), &ct); err != nil {
			continue // Skip malformed entries
		}
		turns = append(turns, domain.Turn{
			RoomID:        roomID,
			Index:         ct.Index,
			TraceID:       ct.TraceID,
			UserID:        ct.UserID,
			UserText:      ct.UserText,
			AssistantText: ct.AssistantText,
			CreatedAt:     ct.CreatedAt,
		})
	}
	return turns, nil
}

// NewRedisClient parses redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
