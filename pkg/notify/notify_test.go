package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/meridiandns/dnsctld/pkg/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_DisabledWithoutToken(t *testing.T) {
	n := New("", "#alerts", testLogger())
	if n.IsEnabled() {
		t.Error("notifier should be disabled when no bot token is configured")
	}
}

func TestWanted_SecurityAlertAlwaysMatches(t *testing.T) {
	e := eventbus.Event{Type: eventbus.EventSecurityAlert, Data: map[string]any{"rule": "block"}}
	if !wanted(e) {
		t.Error("security_alert should always be forwarded")
	}
}

func TestWanted_BindReloadOnlyOnError(t *testing.T) {
	ok := eventbus.Event{Type: eventbus.EventBindReload, Data: map[string]any{"status": "reloaded"}}
	if wanted(ok) {
		t.Error("a successful bind_reload should not be forwarded")
	}
	failed := eventbus.Event{Type: eventbus.EventBindReload, Data: map[string]any{"status": "error"}}
	if !wanted(failed) {
		t.Error("a failed bind_reload should be forwarded")
	}
}

func TestWanted_UnrelatedEventIgnored(t *testing.T) {
	e := eventbus.Event{Type: eventbus.EventZoneCreated, Data: map[string]any{}}
	if wanted(e) {
		t.Error("zone_created should not be forwarded by the notifier")
	}
}

func TestRun_DisabledNotifierDrainsWithoutPosting(t *testing.T) {
	bus := eventbus.NewBus()
	n := New("", "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx, bus)
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.EventSecurityAlert, Data: map[string]any{}, TS: time.Now()})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
