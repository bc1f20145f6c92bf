package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/biz/repo"
)

const (
	streamMaxLen   = 100000
	streamReadSize = 16
)

// RedisBus is a Channel on Redis Streams. Each topic is split into one
// stream per partition; a key always maps to the same stream, and each
// partition is read by a single goroutine per consumer group.
type RedisBus struct {
	client     *redis.Client
	partitions int
	consumer   string
	block      time.Duration
	log        zerolog.Logger
}

var _ repo.Channel = (*RedisBus)(nil)

// NewRedisBus creates a stream-backed channel.
func NewRedisBus(client *redis.Client, partitions int, consumer string, block time.Duration, log zerolog.Logger) *RedisBus {
	if partitions <= 0 {
		partitions = 1
	}
	if block <= 0 {
		block = 2 * time.Second
	}
	return &RedisBus{
		client:     client,
		partitions: partitions,
		consumer:   consumer,
		block:      block,
		log:        log.With().Str("component", "RedisBus").Logger(),
	}
}

// streamKey returns the stream of one topic partition.
func streamKey(topic string, partition int) string {
	return fmt.Sprintf("seta:%s:%d", topic, partition)
}

// Publish appends env to its partition stream.
func (b *RedisBus) Publish(ctx context.Context, env repo.Envelope) error {
	headers, err := json.Marshal(env.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	stream := streamKey(env.Topic, partitionFor(env.Key, b.partitions))
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"key":     env.Key,
			"headers": string(headers),
			"payload": string(env.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

// Subscribe reads every partition of topic as group until ctx is done.
// Unacknowledged events of this consumer are replayed first.
func (b *RedisBus) Subscribe(ctx context.Context, topic, group string, h repo.Handler) error {
	for p := 0; p < b.partitions; p++ {
		err := b.client.XGroupCreateMkStream(ctx, streamKey(topic, p), group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create group %s: %w", group, err)
		}
	}

	log := b.log.With().Str("topic", topic).Str("group", group).Logger()
	log.Info().Int("partitions", b.partitions).Str("consumer", b.consumer).Msg("Subscribed")

	var wg sync.WaitGroup
	for p := 0; p < b.partitions; p++ {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			b.consume(ctx, log, topic, stream, group, h)
		}(streamKey(topic, p))
	}
	wg.Wait()
	return nil
}

func (b *RedisBus) consume(ctx context.Context, log zerolog.Logger, topic, stream, group string, h repo.Handler) {
	// "0" replays this consumer's pending entries; ">" reads new ones.
	cursor := "0"
	for ctx.Err() == nil {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{stream, cursor},
			Count:    streamReadSize,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Warn().Err(err).Str("stream", stream).Msg("Stream read failed")
			select {
			case <-ctx.Done():
			case <-time.After(b.block):
			}
			continue
		}

		var n int
		failed := false
	read:
		for _, s := range res {
			for _, msg := range s.Messages {
				n++
				env := decodeStreamMessage(topic, msg)
				if err := h(ctx, env); err != nil {
					// Stop here so later events of the partition keep their order.
					log.Warn().Err(err).Str("id", msg.ID).Msg("Handler failed, leaving pending")
					cursor = "0"
					failed = true
					break read
				}
				if err := b.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
					log.Warn().Err(err).Str("id", msg.ID).Msg("Ack failed")
				}
			}
		}
		if failed {
			select {
			case <-ctx.Done():
			case <-time.After(b.block):
			}
			continue
		}
		if cursor == "0" && n == 0 {
			cursor = ">"
		}
	}
}

func decodeStreamMessage(topic string, msg redis.XMessage) repo.Envelope {
	env := repo.Envelope{ID: msg.ID, Topic: topic}
	if v, ok := msg.Values["key"].(string); ok {
		env.Key = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		env.Payload = []byte(v)
	}
	if v, ok := msg.Values["headers"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &env.Headers)
	}
	return env
}

// Close is a no-op; the client is shared with the turn cache and closed by
// its owner.
func (b *RedisBus) Close() error {
	return nil
}
