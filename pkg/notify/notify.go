// Package notify implements the alert notifier (C11): a best-effort,
// non-authoritative forwarder of security-relevant events from the event
// bus to an external chat channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/meridiandns/dnsctld/pkg/eventbus"
)

// forwardedEvents is the exact set the notifier subscribes to (spec §4.9):
// a security-relevant alert, a threat feed failure, or a failed BIND
// reload. Everything else on the bus is not this notifier's concern.
var forwardedEvents = []eventbus.EventType{
	eventbus.EventSecurityAlert,
	eventbus.EventThreatFeedError,
	eventbus.EventBindReload,
}

// Notifier forwards bus events to a Slack channel. If no bot token is
// configured it's a noop, mirroring the teacher's optional-integration
// pattern.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty, the notifier runs but
// never actually posts (logging only).
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled returns true if the notifier has a usable Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// Run subscribes to the bus and forwards matching events until ctx is
// cancelled.
func (n *Notifier) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if !wanted(e) {
				continue
			}
			if err := n.forward(ctx, e); err != nil {
				n.logger.Error("forwarding event to slack", "event", e.Type, "error", err)
			}
		}
	}
}

func wanted(e eventbus.Event) bool {
	matches := false
	for _, w := range forwardedEvents {
		if e.Type == w {
			matches = true
			break
		}
	}
	if !matches {
		return false
	}
	// A bind_reload event only warrants a page when its status is "error"
	// (spec §4.9: "bind_reload{status: error}"): a deploy that failed,
	// whether rejected by validation or rolled back after a failed reload.
	// A clean reload or a restart fallback that still succeeded is routine.
	if e.Type == eventbus.EventBindReload {
		if data, ok := e.Data.(map[string]any); ok {
			return data["status"] == "error"
		}
		return false
	}
	return true
}

func (n *Notifier) forward(ctx context.Context, e eventbus.Event) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping event", "event", e.Type)
		return nil
	}

	text := formatEvent(e)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	return nil
}

func formatEvent(e eventbus.Event) string {
	switch e.Type {
	case eventbus.EventSecurityAlert:
		return fmt.Sprintf(":rotating_light: security alert: %v", e.Data)
	case eventbus.EventThreatFeedError:
		return fmt.Sprintf(":warning: threat feed error: %v", e.Data)
	case eventbus.EventBindReload:
		return fmt.Sprintf(":x: bind reload failed: %v", e.Data)
	default:
		return fmt.Sprintf("%s: %v", e.Type, e.Data)
	}
}
