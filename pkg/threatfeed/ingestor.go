package threatfeed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/meridiandns/dnsctld/internal/telemetry"
	"github.com/meridiandns/dnsctld/pkg/eventbus"
	"github.com/meridiandns/dnsctld/pkg/rpz"
)

// Deployer is the subset of the DNS Service orchestrator (C4) the ingestor
// needs: a single Deploy call after BulkApply commits (spec §4.6 step 5).
type Deployer interface {
	Deploy(ctx context.Context, reason string) error
}

// Ingestor runs one fetch/parse/diff/apply cycle per enabled feed (C6).
type Ingestor struct {
	store    *Store
	rpzSvc   *rpz.Service
	deployer Deployer
	bus      *eventbus.Bus
	client   *http.Client
	logger   *slog.Logger
}

// NewIngestor creates an Ingestor with the given HTTP timeout.
func NewIngestor(store *Store, rpzSvc *rpz.Service, deployer Deployer, bus *eventbus.Bus, httpTimeout time.Duration, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:    store,
		rpzSvc:   rpzSvc,
		deployer: deployer,
		bus:      bus,
		client:   &http.Client{Timeout: httpTimeout},
		logger:   logger,
	}
}

// RunDue fetches every enabled feed whose cadence (or backoff) has elapsed
// (spec §4.6). Cycles run sequentially; the scheduler (C8) is responsible
// for not invoking RunDue concurrently with itself.
func (in *Ingestor) RunDue(ctx context.Context, now time.Time) {
	feeds, err := in.store.ListEnabled(ctx)
	if err != nil {
		in.logger.Error("listing enabled threat feeds", "error", err)
		return
	}
	for _, f := range feeds {
		if !f.DueForFetch(now) {
			continue
		}
		in.runCycle(ctx, f)
	}
}

func (in *Ingestor) runCycle(ctx context.Context, f ThreatFeed) {
	client := in.client
	if f.RequiresOAuth {
		cfg := clientcredentials.Config{
			ClientID:     f.OAuthClientID,
			ClientSecret: f.OAuthClientSecret,
			TokenURL:     f.OAuthTokenURL,
		}
		client = cfg.Client(context.WithValue(ctx, oauth2.HTTPClient, in.client))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		in.fail(ctx, f, err)
		return
	}
	if f.ETag != "" {
		req.Header.Set("If-None-Match", f.ETag)
	}
	if f.LastModified != "" {
		req.Header.Set("If-Modified-Since", f.LastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		in.fail(ctx, f, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		_ = in.store.RecordCycle(ctx, f.ID, CycleResult{Status: StatusOK, Success: false})
		return
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		in.publish(eventbus.EventThreatFeedError, map[string]any{
			"feed_id": f.ID, "status_code": resp.StatusCode, "permanent": true,
		})
		in.fail(ctx, f, errors.New("feed origin returned a permanent client error"))
		return
	}
	if resp.StatusCode != http.StatusOK {
		in.fail(ctx, f, errors.New("feed origin returned a non-OK status"))
		return
	}

	incoming := Parse(resp.Body, f.Format, f.RPZZone)

	source := rpz.FeedSource(f.ID)
	existing, err := in.rpzSvc.ListRules(ctx, rpz.ListFilter{Source: source})
	if err != nil {
		in.fail(ctx, f, err)
		return
	}

	diff := rpz.ComputeDiff(existing, incoming)
	if len(diff.ToInsert) == 0 && len(diff.ToDelete) == 0 {
		_ = in.store.RecordCycle(ctx, f.ID, CycleResult{
			Status: StatusOK, ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified"),
			RuleCount: int32(len(existing)), Success: true,
		})
		return
	}

	if _, _, err := in.rpzSvc.BulkApply(ctx, source, diff); err != nil {
		in.fail(ctx, f, err)
		return
	}

	if err := in.deployer.Deploy(ctx, "threat_feed:"+f.Name); err != nil {
		in.logger.Error("deploy after feed ingestion failed", "feed", f.Name, "error", err)
	}

	ruleCount := int32(len(existing) - len(diff.ToDelete) + len(diff.ToInsert))
	if err := in.store.RecordCycle(ctx, f.ID, CycleResult{
		Status: StatusOK, ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified"),
		RuleCount: ruleCount, Success: true,
	}); err != nil {
		in.logger.Error("recording feed cycle", "feed", f.Name, "error", err)
	}
	telemetry.FeedUpdatesTotal.WithLabelValues(f.Name, "ok").Inc()
	telemetry.RPZRulesActive.WithLabelValues(f.Name).Set(float64(ruleCount))

	in.publish(eventbus.EventThreatFeedUpdated, map[string]any{
		"feed_id": f.ID, "inserted": len(diff.ToInsert), "deleted": len(diff.ToDelete), "rule_count": ruleCount,
	})
}

func (in *Ingestor) fail(ctx context.Context, f ThreatFeed, cause error) {
	in.logger.Warn("threat feed cycle failed", "feed", f.Name, "error", cause)
	if err := in.store.RecordCycle(ctx, f.ID, CycleResult{Status: StatusError}); err != nil {
		in.logger.Error("recording failed feed cycle", "feed", f.Name, "error", err)
	}
	telemetry.FeedUpdatesTotal.WithLabelValues(f.Name, "error").Inc()
	in.publish(eventbus.EventThreatFeedError, map[string]any{
		"feed_id": f.ID, "error": cause.Error(),
	})
}

func (in *Ingestor) publish(t eventbus.EventType, data any) {
	in.bus.Publish(eventbus.Event{Type: t, Data: data, TS: time.Now()})
}
