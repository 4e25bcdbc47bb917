package eventbus

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSession_Enqueue_PreservesPublishOrder(t *testing.T) {
	s := newSession("user-1", "admin", nil, testLogger())

	for i := 0; i < 5; i++ {
		s.enqueue(Frame{Type: frameTypeEvent, Event: EventHealthAlert, TS: int64(i)})
	}

	for i := 0; i < 5; i++ {
		f := <-s.send
		if f.TS != int64(i) {
			t.Fatalf("frame %d: got ts %d, want %d (events must arrive in publish order)", i, f.TS, i)
		}
	}
}

// TestSession_Enqueue_CriticalSurvivesQueueFullOfLowPriority exercises P10: a
// critical event must never be dropped, even when the queue is saturated with
// low-priority frames that have to be evicted to make room for it.
func TestSession_Enqueue_CriticalSurvivesQueueFullOfLowPriority(t *testing.T) {
	s := newSession("user-1", "admin", nil, testLogger())

	for i := 0; i < maxQueue; i++ {
		s.enqueue(Frame{Type: frameTypeEvent, Event: EventHealthUpdate, TS: int64(i)})
	}
	if got := len(s.send); got != maxQueue {
		t.Fatalf("queue len = %d, want %d (full)", got, maxQueue)
	}

	s.enqueue(Frame{Type: frameTypeEvent, Event: EventSecurityAlert, TS: 999})

	if got := len(s.send); got != maxQueue {
		t.Fatalf("queue len after overflow = %d, want %d", got, maxQueue)
	}

	found := false
	for i := 0; i < maxQueue; i++ {
		f := <-s.send
		if f.Event == EventSecurityAlert {
			found = true
		}
	}
	if !found {
		t.Fatal("security_alert must survive backpressure by evicting a low-priority frame")
	}
}

// TestSession_Enqueue_CriticalForcesInWhenQueueFullOfCritical covers the
// fallback path: no low-priority frame is available to evict, so the oldest
// frame of any kind is dropped to make room for the new critical one.
func TestSession_Enqueue_CriticalForcesInWhenQueueFullOfCritical(t *testing.T) {
	s := newSession("user-1", "admin", nil, testLogger())

	for i := 0; i < maxQueue; i++ {
		s.enqueue(Frame{Type: frameTypeEvent, Event: EventSecurityAlert, TS: int64(i)})
	}

	s.enqueue(Frame{Type: frameTypeEvent, Event: EventBindReload, TS: 999})

	if got := len(s.send); got != maxQueue {
		t.Fatalf("queue len = %d, want %d", got, maxQueue)
	}
	found := false
	for i := 0; i < maxQueue; i++ {
		f := <-s.send
		if f.Event == EventBindReload {
			found = true
		}
	}
	if !found {
		t.Fatal("a new critical event must force its way in even when the queue holds only other critical events")
	}
}

// TestSession_Enqueue_DropsLowPriorityBehindOtherLowPriority confirms that
// when the queue is full of other low-priority frames, the oldest of them is
// evicted to make room and the eviction is counted as a drop.
func TestSession_Enqueue_DropsLowPriorityBehindOtherLowPriority(t *testing.T) {
	s := newSession("user-1", "admin", nil, testLogger())

	for i := 0; i < maxQueue; i++ {
		s.enqueue(Frame{Type: frameTypeEvent, Event: EventSystemStatus, TS: int64(i)})
	}

	s.enqueue(Frame{Type: frameTypeEvent, Event: EventHealthUpdate, TS: 999})

	s.mu.Lock()
	dropped := s.dropped
	s.mu.Unlock()
	if dropped == 0 {
		t.Fatal("expected the dropped counter to increment when a low-priority frame is evicted")
	}
}

func TestSession_Subscriptions_RoleAllowlistFiltersRequestedEvents(t *testing.T) {
	s := newSession("user-1", "viewer", nil, testLogger())

	allow := roleAllowlist("viewer")
	applied := s.setSubscriptions([]EventType{EventSystemStatus, EventZoneCreated}, allow)

	if len(applied) != 1 || applied[0] != EventSystemStatus {
		t.Fatalf("applied = %v, want only system_status (zone_created is outside the viewer allowlist)", applied)
	}
	if !s.isSubscribed(EventSystemStatus) {
		t.Error("system_status should be subscribed")
	}
	if s.isSubscribed(EventZoneCreated) {
		t.Error("zone_created should have been rejected by the role allowlist")
	}
}

// TestBroadcaster_SingletonSession_ClosesPriorWith4409 dials two real
// WebSocket clients as the same user and checks the first connection is
// closed with 4409 once the second replaces it (P8).
func TestBroadcaster_SingletonSession_ClosesPriorWith4409(t *testing.T) {
	bus := NewBus()
	b := NewBroadcaster(bus, testLogger())

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.Connect("user-1", "admin", conn)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err != nil {
		t.Fatalf("reading connection_established on first connection: %v", err)
	}

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected the replaced session to receive a close frame, got %v", err)
	}
	if closeErr.Code != 4409 {
		t.Errorf("close code = %d, want 4409", closeErr.Code)
	}
}
