package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"xusd/core/events"
	"xusd/services/vaultd/journal"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
	maxStreamBacklog = 500
)

// StreamMessage is the JSON frame written to event stream subscribers.
type StreamMessage struct {
	Seq        int64             `json:"seq,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Time       time.Time         `json:"time"`
}

type subscriber struct {
	ch chan StreamMessage
}

// Hub fans live events out to websocket subscribers. Slow subscribers drop
// frames rather than stall the emitting operation.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped uint64
	nowFn   func() time.Time
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), nowFn: time.Now, logger: logger}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	rendered := events.Render(evt)
	if h == nil || rendered == nil {
		return
	}
	msg := StreamMessage{Type: rendered.Type, Attributes: rendered.Attributes, Time: h.nowFn().UTC()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			h.dropped++
		}
	}
}

// Subscribe registers a listener. The returned cancel function must be called
// once the listener is done.
func (h *Hub) Subscribe() (<-chan StreamMessage, func()) {
	sub := &subscriber{ch: make(chan StreamMessage, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
}

// Subscribers reports the number of connected listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports frames discarded because a subscriber fell behind.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// handleStream upgrades to a websocket, replays up to ?backlog= journaled
// events and then forwards live events. ?type= filters both.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	eventType := strings.TrimSpace(r.URL.Query().Get("type"))
	backlog := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("backlog")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid backlog")
			return
		}
		if n > maxStreamBacklog {
			n = maxStreamBacklog
		}
		backlog = n
	}
	live, cancel := s.hub.Subscribe()
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, live, eventType, backlog); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, live <-chan StreamMessage, eventType string, backlog int) error {
	if backlog > 0 && s.journal != nil {
		records, err := s.journal.List(ctx, journal.Filter{Type: eventType, Limit: backlog})
		if err != nil {
			return err
		}
		for i := len(records) - 1; i >= 0; i-- {
			rec := records[i]
			msg := StreamMessage{Seq: rec.Seq, Type: rec.Type, Attributes: rec.Attributes, Time: rec.CreatedAt}
			if err := writeStreamMessage(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-live:
			if !ok {
				return nil
			}
			if eventType != "" && msg.Type != eventType {
				continue
			}
			if err := writeStreamMessage(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func writeStreamMessage(ctx context.Context, conn *websocket.Conn, msg StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
