package eventbus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meridiandns/dnsctld/internal/telemetry"
)

const (
	// maxQueue is the bounded send queue per session (spec §4.7). It is a
	// fixed constant; no configuration key changes it.
	maxQueue     = 256
	pingInterval = 30 * time.Second
	pongWait     = pingInterval * 2
	writeWait    = 5 * time.Second
)

// session is one authenticated WebSocket connection.
type session struct {
	id     uuid.UUID
	userID string
	role   string
	conn   *websocket.Conn
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[EventType]bool
	send    chan Frame
	dropped uint64

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(userID, role string, conn *websocket.Conn, logger *slog.Logger) *session {
	s := &session{
		id:     uuid.New(),
		userID: userID,
		role:   role,
		conn:   conn,
		logger: logger,
		subs:   make(map[EventType]bool),
		send:   make(chan Frame, maxQueue),
		done:   make(chan struct{}),
	}
	for _, e := range defaultSubscriptionsFor(role) {
		s.subs[e] = true
	}
	return s
}

// enqueue delivers an event to the session's send queue, applying the
// backpressure policy from spec §4.7: critical events are never dropped;
// when the queue would overflow, the oldest low-priority frame already
// queued is evicted to make room before falling back to dropping the new
// low-priority event itself.
func (s *session) enqueue(f Frame) {
	select {
	case s.send <- f:
		return
	default:
	}

	if f.Type == frameTypeEvent && !IsCritical(EventType(f.Event)) {
		s.evictLowPriority()
		select {
		case s.send <- f:
		default:
			s.recordDrop()
		}
		return
	}

	// Critical (or non-event) frame: evict the oldest low-priority frame if
	// there is one. If the queue is still full after that eviction attempt,
	// force it in by dropping the single oldest frame.
	s.evictLowPriority()
	select {
	case s.send <- f:
		return
	default:
	}
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- f:
	default:
		s.recordDrop()
	}
}

func (s *session) evictLowPriority() {
	for i := 0; i < len(s.send); i++ {
		select {
		case oldest := <-s.send:
			if oldest.Type == frameTypeEvent && IsLowPriority(EventType(oldest.Event)) {
				s.recordDrop()
				return
			}
			// Not low priority: put it back at the end.
			select {
			case s.send <- oldest:
			default:
			}
		default:
			return
		}
	}
}

func (s *session) recordDrop() {
	s.mu.Lock()
	s.dropped++
	n := s.dropped
	s.mu.Unlock()
	if n%10 == 0 {
		s.enqueueDirect(Frame{
			Type: frameTypeSubscriptionUpdated,
			Data: mustJSON(SubscriptionUpdated{Dropped: n, Warning: "events dropped due to backpressure"}),
			TS:   time.Now().UnixMilli(),
		})
	}
}

// enqueueDirect bypasses the eviction policy for server-originated control
// frames (subscription_updated warnings) so they don't recurse.
func (s *session) enqueueDirect(f Frame) {
	select {
	case s.send <- f:
	default:
	}
}

func (s *session) setSubscriptions(events []EventType, allow map[EventType]bool) []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := make([]EventType, 0, len(events))
	for _, e := range events {
		if allow[e] {
			s.subs[e] = true
			applied = append(applied, e)
		}
	}
	return applied
}

func (s *session) removeSubscriptions(events []EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		delete(s.subs, e)
	}
}

func (s *session) isSubscribed(e EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[e]
}

func (s *session) close(code int, text string) {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, text)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()
		telemetry.WSConnectionsActive.Dec()
	})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
