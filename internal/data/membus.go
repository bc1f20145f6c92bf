package data

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/observe"
)

// ErrChannelClosed is returned by Publish after Close.
var ErrChannelClosed = errors.New("channel closed")

const (
	memPartitionBuffer = 256
	// memMaxDeliveries bounds in-process redelivery of a failing event.
	memMaxDeliveries = 3
	// memMaxPending caps the backlog of a topic nobody consumes yet.
	memMaxPending = 1024
)

// partitionFor maps a key to one of n partitions.
func partitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// MemoryBus is an in-process Channel. Each consumer group of a topic gets
// one goroutine per partition, so events sharing a key are handled in order.
// Events published before any group subscribes are retained, up to a cap
// with the oldest dropped first, and delivered to the first group.
type MemoryBus struct {
	partitions int
	maxPending int
	log        zerolog.Logger
	seq        atomic.Uint64

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	pending []repo.Envelope
	groups  map[string]*memGroup
}

type memGroup struct {
	parts []chan repo.Envelope
}

var _ repo.Channel = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process channel with the given partition count.
func NewMemoryBus(partitions int, log zerolog.Logger) *MemoryBus {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryBus{
		partitions: partitions,
		maxPending: memMaxPending,
		log:        log.With().Str("component", "MemoryBus").Logger(),
		topics:     make(map[string]*memTopic),
	}
}

func (b *MemoryBus) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		b.topics[name] = t
	}
	return t
}

// Publish delivers env to every subscribed group of its topic.
func (b *MemoryBus) Publish(ctx context.Context, env repo.Envelope) error {
	if env.ID == "" {
		env.ID = strconv.FormatUint(b.seq.Add(1), 10)
	}
	p := partitionFor(env.Key, b.partitions)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrChannelClosed
	}
	t := b.topic(env.Topic)
	if len(t.groups) == 0 {
		dropped := t.hold(env, b.maxPending)
		b.mu.Unlock()
		if dropped {
			observe.BacklogDropped.WithLabelValues(env.Topic).Inc()
		}
		return nil
	}
	targets := make([]chan repo.Envelope, 0, len(t.groups))
	for _, g := range t.groups {
		targets = append(targets, g.parts[p])
	}
	b.mu.Unlock()

	// Send outside the lock: a handler blocked here may itself publish.
	for _, ch := range targets {
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// hold queues env for the first group, dropping the oldest held event once
// max is reached. It reports whether an event was dropped.
func (t *memTopic) hold(env repo.Envelope, max int) bool {
	if max <= 0 {
		return true
	}
	if len(t.pending) < max {
		t.pending = append(t.pending, env)
		return false
	}
	copy(t.pending, t.pending[1:])
	t.pending[len(t.pending)-1] = env
	return true
}

// Subscribe consumes topic as group until ctx is done. A group can be
// subscribed once per bus.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h repo.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrChannelClosed
	}
	t := b.topic(topic)
	if _, dup := t.groups[group]; dup {
		b.mu.Unlock()
		return fmt.Errorf("group %s already subscribed to %s", group, topic)
	}
	g := &memGroup{parts: make([]chan repo.Envelope, b.partitions)}
	for i := range g.parts {
		g.parts[i] = make(chan repo.Envelope, memPartitionBuffer)
	}
	var backlog [][]repo.Envelope
	if len(t.groups) == 0 && len(t.pending) > 0 {
		backlog = make([][]repo.Envelope, b.partitions)
		for _, env := range t.pending {
			p := partitionFor(env.Key, b.partitions)
			backlog[p] = append(backlog[p], env)
		}
		t.pending = nil
	}
	t.groups[group] = g
	b.mu.Unlock()

	log := b.log.With().Str("topic", topic).Str("group", group).Logger()
	log.Debug().Int("partitions", b.partitions).Msg("Subscribed")

	var wg sync.WaitGroup
	for i := range g.parts {
		var first []repo.Envelope
		if backlog != nil {
			first = backlog[i]
		}
		wg.Add(1)
		go func(ch <-chan repo.Envelope, first []repo.Envelope) {
			defer wg.Done()
			for _, env := range first {
				if ctx.Err() != nil {
					return
				}
				b.deliver(ctx, log, h, env)
			}
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-ch:
					b.deliver(ctx, log, h, env)
				}
			}
		}(g.parts[i], first)
	}
	wg.Wait()

	b.mu.Lock()
	delete(t.groups, group)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, log zerolog.Logger, h repo.Handler, env repo.Envelope) {
	var err error
	for attempt := 1; attempt <= memMaxDeliveries; attempt++ {
		if err = h(ctx, env); err == nil || ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("id", env.ID).Int("attempt", attempt).Msg("Handler failed")
	}
	log.Error().Err(err).Str("id", env.ID).Str("key", env.Key).Msg("Dropping event after max deliveries")
}

// Close rejects further publishes and subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
