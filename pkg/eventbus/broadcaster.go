package eventbus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridiandns/dnsctld/internal/telemetry"
)

// Broadcaster enforces one WebSocket session per authenticated user and
// fans bus events out to every session's filtered subscription set
// (spec §4.7). The user session map is guarded by a single mutex with
// short critical sections, per the concurrency model (spec §5).
type Broadcaster struct {
	bus    *Bus
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session // userID -> session

	sub *Subscription
}

// NewBroadcaster creates a Broadcaster wired to the given bus.
func NewBroadcaster(bus *Bus, logger *slog.Logger) *Broadcaster {
	b := &Broadcaster{
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*session),
	}
	b.sub = bus.Subscribe()
	go b.fanOut()
	return b
}

// fanOut delivers bus events to every connected session, applying each
// session's role-allowlist and subscription filter at publish time.
func (b *Broadcaster) fanOut() {
	for e := range b.sub.C {
		data, err := json.Marshal(e.Data)
		if err != nil {
			b.logger.Error("marshaling event payload", "error", err, "event", e.Type)
			continue
		}
		frame := Frame{
			Type:  frameTypeEvent,
			Event: e.Type,
			Data:  data,
			TS:    e.TS.UnixMilli(),
		}

		b.mu.Lock()
		targets := make([]*session, 0, len(b.sessions))
		for _, s := range b.sessions {
			targets = append(targets, s)
		}
		b.mu.Unlock()

		for _, s := range targets {
			allow := roleAllowlist(s.role)
			if s.role == "admin" || (allow[e.Type] && s.isSubscribed(e.Type)) {
				s.enqueue(frame)
			}
		}
	}
}

// Connect registers a new authenticated session, closing any existing
// session for the same user with close code 4409 (P8 singleton session).
func (b *Broadcaster) Connect(userID, role string, conn *websocket.Conn) {
	s := newSession(userID, role, conn, b.logger)

	b.mu.Lock()
	if old, ok := b.sessions[userID]; ok {
		delete(b.sessions, userID)
		b.mu.Unlock()
		old.close(4409, "replaced by new connection")
	} else {
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.sessions[userID] = s
	b.mu.Unlock()
	telemetry.WSConnectionsActive.Inc()

	established, _ := json.Marshal(ConnectionEstablished{
		UserID:      userID,
		DefaultSubs: defaultSubscriptionsFor(role),
	})
	s.enqueueDirect(Frame{Type: frameTypeConnectionEstablished, Data: established, TS: time.Now().UnixMilli()})

	go b.writePump(s)
	b.readPump(s)
}

func (b *Broadcaster) disconnect(s *session) {
	b.mu.Lock()
	if cur, ok := b.sessions[s.userID]; ok && cur.id == s.id {
		delete(b.sessions, s.userID)
	}
	b.mu.Unlock()
}

// writePump serializes frames to the socket and drives the heartbeat.
func (b *Broadcaster) writePump(s *session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.close(1000, "")

	missedPongs := 0
	for {
		select {
		case <-s.done:
			return
		case f, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			missedPongs++
			if missedPongs > 2 {
				s.close(4408, "ping timeout")
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteJSON(Frame{Type: frameTypePing, TS: time.Now().UnixMilli()})
		}
	}
}

// readPump processes client frames until the connection closes.
func (b *Broadcaster) readPump(s *session) {
	defer b.disconnect(s)
	defer s.close(1000, "")

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case frameTypePing:
			s.enqueueDirect(Frame{Type: frameTypePong, TS: time.Now().UnixMilli()})
		case frameTypePong:
			// liveness only; nothing to do.
		case frameTypeSubscribe:
			var req SubscribeRequest
			if err := json.Unmarshal(f.Data, &req); err != nil {
				continue
			}
			applied := s.setSubscriptions(req.Events, roleAllowlist(s.role))
			data, _ := json.Marshal(SubscriptionUpdated{Events: applied})
			s.enqueueDirect(Frame{Type: frameTypeSubscriptionUpdated, Data: data, TS: time.Now().UnixMilli()})
		case frameTypeUnsubscribe:
			var req SubscribeRequest
			if err := json.Unmarshal(f.Data, &req); err != nil {
				continue
			}
			s.removeSubscriptions(req.Events)
			data, _ := json.Marshal(SubscriptionUpdated{Events: req.Events})
			s.enqueueDirect(Frame{Type: frameTypeSubscriptionUpdated, Data: data, TS: time.Now().UnixMilli()})
		case frameTypeStats:
			s.mu.Lock()
			dropped := s.dropped
			s.mu.Unlock()
			data, _ := json.Marshal(map[string]any{"dropped": dropped, "queue_len": len(s.send)})
			s.enqueueDirect(Frame{Type: frameTypeStats, Data: data, TS: time.Now().UnixMilli()})
		}
	}
}
