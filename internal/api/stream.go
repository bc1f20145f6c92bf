package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/observe"
)

// SSE event names written to stream clients.
const (
	frameChunk   = "chunk"
	frameDone    = "done"
	frameError   = "error"
	frameReply   = "reply"
	frameDrop    = "drop"
	frameTimeout = "timeout"
)

const (
	// DefaultStreamIdle ends a stream that has seen no frame for this long.
	DefaultStreamIdle = 2 * time.Minute

	listenerBuffer = 64
	// heldGrace bounds how long a terminal waits for chunks it is owed,
	// which a client that joined mid-stream never receives.
	heldGrace = 2 * time.Second
)

// streamTopics are the topics a StreamHub reads.
var streamTopics = []string{
	domain.TopicFilterResult,
	domain.TopicAnswerDelta,
	domain.TopicAnswerDone,
}

type streamFrame struct {
	Event   string
	TraceID string
	Data    any
	// Index orders chunk frames of a trace.
	Index int
	// Final frames close the stream after they are written, once Deltas
	// chunks of the trace have gone out.
	Final  bool
	Deltas int
}

// ChunkFrame is the data of a chunk event
type ChunkFrame struct {
	TraceID string `json:"trace_id"`
	Delta   string `json:"delta"`
	Index   int    `json:"index"`
}

// DoneFrame is the data of a done or error event
type DoneFrame struct {
	TraceID string            `json:"trace_id"`
	Text    string            `json:"text,omitempty"`
	Usage   domain.TokenUsage `json:"usage"`
	Error   string            `json:"error,omitempty"`
}

// ReplyFrame is the data of a reply or drop event: the message was settled
// by a filter stage and no generation follows.
type ReplyFrame struct {
	TraceID  string          `json:"trace_id"`
	Stage    domain.Stage    `json:"stage"`
	Category domain.Category `json:"category,omitempty"`
	Text     string          `json:"text,omitempty"`
}

type roomListener struct {
	frames chan streamFrame
	closed bool // guarded by StreamHub.mu
}

// StreamHub consumes the answer topics once per process and fans frames out
// to the SSE listeners of each room. A listener that falls behind is cut off
// rather than stalling the consumer.
type StreamHub struct {
	sub   repo.Subscriber
	group string
	idle  time.Duration
	log   zerolog.Logger

	mu    sync.Mutex
	rooms map[string]map[*roomListener]struct{}
}

// NewStreamHub creates a hub reading through sub. idle <= 0 uses
// DefaultStreamIdle.
func NewStreamHub(sub repo.Subscriber, idle time.Duration, log zerolog.Logger) *StreamHub {
	if idle <= 0 {
		idle = DefaultStreamIdle
	}
	return &StreamHub{
		sub:   sub,
		group: streamGroup(),
		idle:  idle,
		log:   observe.Component(log, "StreamHub"),
		rooms: make(map[string]map[*roomListener]struct{}),
	}
}

// streamGroup names the hub's consumer group. Every process needs its own
// group to see every event; a stable name lets a restarted process resume.
func streamGroup() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()
	}
	return "seta-stream-" + host
}

// Run consumes until ctx is done.
func (h *StreamHub) Run(ctx context.Context) error {
	h.log.Info().Str("group", h.group).Msg("Stream hub started")
	defer h.log.Info().Msg("Stream hub stopped")

	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range streamTopics {
		g.Go(func() error {
			return h.sub.Subscribe(ctx, topic, h.group, h.dispatch)
		})
	}
	return g.Wait()
}

// listen registers a listener for roomID. The returned func unregisters it.
func (h *StreamHub) listen(roomID string) (*roomListener, func()) {
	l := &roomListener{frames: make(chan streamFrame, listenerBuffer)}
	h.mu.Lock()
	ls, ok := h.rooms[roomID]
	if !ok {
		ls = make(map[*roomListener]struct{})
		h.rooms[roomID] = ls
	}
	ls[l] = struct{}{}
	h.mu.Unlock()

	return l, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.remove(roomID, l)
	}
}

// remove must be called with mu held.
func (h *StreamHub) remove(roomID string, l *roomListener) {
	if !l.closed {
		l.closed = true
		close(l.frames)
	}
	ls := h.rooms[roomID]
	delete(ls, l)
	if len(ls) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *StreamHub) listening(roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID]) > 0
}

// dispatch never fails: an event nobody can use is not worth a redelivery.
func (h *StreamHub) dispatch(ctx context.Context, env repo.Envelope) error {
	if !h.listening(env.Key) {
		return nil
	}
	f, ok, err := toFrame(env)
	if err != nil {
		observe.EventsLost.WithLabelValues(env.Topic).Inc()
		h.log.Warn().Err(err).Str("event_id", env.ID).Msg("Skipping undecodable stream event")
		return nil
	}
	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.rooms[env.Key] {
		select {
		case l.frames <- f:
		default:
			h.log.Warn().Str("room_id", env.Key).Msg("Stream listener too slow, closing")
			h.remove(env.Key, l)
		}
	}
	return nil
}

// toFrame maps an event to the frame stream clients see. Filter results
// that pass on to generation produce no frame.
func toFrame(env repo.Envelope) (streamFrame, bool, error) {
	switch env.Topic {
	case domain.TopicAnswerDelta:
		var ev domain.DeltaEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return streamFrame{}, false, err
		}
		return streamFrame{
			Event:   frameChunk,
			TraceID: ev.TraceID,
			Index:   ev.Index,
			Data:    ChunkFrame{TraceID: ev.TraceID, Delta: ev.Delta, Index: ev.Index},
		}, true, nil

	case domain.TopicAnswerDone:
		var ev domain.DoneEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return streamFrame{}, false, err
		}
		f := streamFrame{Event: frameDone, TraceID: ev.TraceID, Final: true, Deltas: ev.Deltas}
		if ev.Failed() {
			f.Event = frameError
			f.Data = DoneFrame{TraceID: ev.TraceID, Error: ev.Error}
		} else {
			f.Data = DoneFrame{TraceID: ev.TraceID, Text: ev.Response.Text, Usage: ev.Usage}
		}
		return f, true, nil

	case domain.TopicFilterResult:
		var ev domain.FilterResultEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return streamFrame{}, false, err
		}
		if ev.Decision.Action != domain.ActionDrop {
			return streamFrame{}, false, nil
		}
		data := ReplyFrame{TraceID: ev.TraceID, Stage: ev.Stage, Category: ev.Decision.ReasonType}
		f := streamFrame{Event: frameDrop, TraceID: ev.TraceID, Data: data, Final: true}
		// Rule drops are auto mode and carry the canned reply.
		if ev.Stage == domain.StageRule {
			f.Event = frameReply
			data.Text = ev.Decision.ReasonText
			f.Data = data
		}
		return f, true, nil
	}
	return streamFrame{}, false, fmt.Errorf("unexpected topic %s", env.Topic)
}

// handleStream serves GET /v1/rooms/{id}/stream. The stream ends after the
// first terminal frame for the room, or for ?trace_id when given.
//
// Deltas and terminals arrive on different topics, so a terminal can beat
// the last chunks of its trace. It is held until they have been written.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		s.writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"error": "streaming disabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.New("streaming unsupported by response writer"))
		return
	}
	roomID := chi.URLParam(r, "id")
	traceID := r.URL.Query().Get("trace_id")
	log := s.log.With().Str("room_id", roomID).Logger()

	l, stop := s.stream.listen(roomID)
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var (
		next  = make(map[string]int) // next chunk index per trace
		held  *streamFrame
		grace <-chan time.Time
	)
	send := func(f streamFrame) bool {
		if err := writeFrame(w, f); err != nil {
			log.Debug().Err(err).Msg("Stream client gone")
			return false
		}
		flusher.Flush()
		return true
	}

	idle := time.NewTimer(s.stream.idle)
	defer idle.Stop()
	for {
		select {
		case <-r.Context().Done():
			return

		case <-grace:
			send(*held)
			return

		case <-idle.C:
			send(streamFrame{Event: frameTimeout, Data: map[string]string{"room_id": roomID}})
			return

		case f, ok := <-l.frames:
			if !ok {
				return
			}
			if traceID != "" && f.TraceID != traceID {
				continue
			}
			idle.Reset(s.stream.idle)

			switch {
			case f.Event == frameChunk:
				if f.Index < next[f.TraceID] {
					continue // redelivered
				}
				next[f.TraceID] = f.Index + 1
				if !send(f) {
					return
				}
				if held != nil && held.TraceID == f.TraceID && next[f.TraceID] >= held.Deltas {
					send(*held)
					return
				}

			case f.Final:
				if next[f.TraceID] < f.Deltas {
					if held == nil {
						held = &f
						grace = time.After(heldGrace)
					}
					continue
				}
				send(f)
				return
			}
		}
	}
}

func writeFrame(w io.Writer, f streamFrame) error {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, data)
	return err
}
