// Package dnsservice implements the DNS Service orchestrator (C4): the only
// component that mutates the zone/forwarder/RPZ model, and the only caller
// of the BIND controller's Deploy. Every mutating operation follows the same
// pipeline (spec §4.4): open a Tx, validate invariants through the entity
// packages, persist, commit, render the whole model, deploy, record an audit
// entry, and publish an event. A deploy that is rejected or rolls back is
// compensated with a second Tx that undoes the persisted change.
package dnsservice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridiandns/dnsctld/internal/db"
	"github.com/meridiandns/dnsctld/internal/dnserr"
	"github.com/meridiandns/dnsctld/pkg/audit"
	"github.com/meridiandns/dnsctld/pkg/bindctl"
	"github.com/meridiandns/dnsctld/pkg/eventbus"
	"github.com/meridiandns/dnsctld/pkg/forwarder"
	"github.com/meridiandns/dnsctld/pkg/render"
	"github.com/meridiandns/dnsctld/pkg/rpz"
	"github.com/meridiandns/dnsctld/pkg/zone"
)

// Service is the C4 orchestrator.
type Service struct {
	pool      *pgxpool.Pool
	renderCfg render.Config
	bind      *bindctl.Controller
	auditLog  *audit.Writer
	bus       *eventbus.Bus
	logger    *slog.Logger
}

// NewService wires the orchestrator to its collaborators. pool doubles as
// both the db.TxBeginner for mutating operations and the read handle used to
// rebuild the render.Snapshot after each commit.
func NewService(pool *pgxpool.Pool, renderCfg render.Config, bind *bindctl.Controller, auditLog *audit.Writer, bus *eventbus.Bus, logger *slog.Logger) *Service {
	return &Service{pool: pool, renderCfg: renderCfg, bind: bind, auditLog: auditLog, bus: bus, logger: logger}
}

// buildSnapshot reads the complete current model state needed by the
// renderer. It takes a db.DBTX rather than a concrete pool/tx so it can run
// either inside a Tx (not currently needed) or against the pool directly
// after a mutating Tx has committed.
func buildSnapshot(ctx context.Context, q db.DBTX) (render.Snapshot, error) {
	zones, err := zone.NewStore(q).ListZones(ctx, zone.ListFilter{})
	if err != nil {
		return render.Snapshot{}, fmt.Errorf("loading zones: %w", err)
	}

	recordsByZone := make(map[int64][]zone.Record, len(zones))
	for _, z := range zones {
		if z.Type != zone.TypeMaster {
			continue
		}
		recs, err := zone.NewStore(q).ListRecordsByZone(ctx, z.ID, false)
		if err != nil {
			return render.Snapshot{}, fmt.Errorf("loading records for zone %d: %w", z.ID, err)
		}
		recordsByZone[z.ID] = recs
	}

	forwarders, err := forwarder.NewStore(q).ListForwarders(ctx, forwarder.ListFilter{})
	if err != nil {
		return render.Snapshot{}, fmt.Errorf("loading forwarders: %w", err)
	}

	rules, err := rpz.NewStore(q).ListRules(ctx, rpz.ListFilter{})
	if err != nil {
		return render.Snapshot{}, fmt.Errorf("loading rpz rules: %w", err)
	}

	return render.Snapshot{Zones: zones, RecordsByZone: recordsByZone, Forwarders: forwarders, RPZRules: rules}, nil
}

// currentHash renders the model as it stands right now and hashes the
// result, for the audit entry's before_hash. A rendering failure here just
// means an empty before_hash is recorded; it never blocks the mutation that
// is already in flight.
func (s *Service) currentHash(ctx context.Context) string {
	snap, err := buildSnapshot(ctx, s.pool)
	if err != nil {
		return ""
	}
	files, err := render.Render(snap, s.renderCfg)
	if err != nil {
		return ""
	}
	return bindctl.ContentHash(files)
}

// deployAndAudit rebuilds the snapshot from the database (post-commit),
// renders it, hands the result to the BIND controller, records the outcome
// in the audit trail, and publishes a bind_reload event.
func (s *Service) deployAndAudit(ctx context.Context, actor, action, targetKind, targetID, beforeHash string) (bindctl.DeployResult, error) {
	snap, err := buildSnapshot(ctx, s.pool)
	if err != nil {
		return bindctl.DeployResult{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "rebuilding config snapshot for deploy", err)
	}
	files, err := render.Render(snap, s.renderCfg)
	if err != nil {
		return bindctl.DeployResult{}, dnserr.Wrap(dnserr.KindInvalid, "rendering config", err)
	}

	result, deployErr := s.bind.Deploy(ctx, files, action)

	entry := audit.Entry{
		Actor: actor, Action: action, TargetKind: targetKind, TargetID: targetID,
		BeforeHash: beforeHash, AfterHash: result.ContentHash, Success: deployErr == nil,
	}
	if deployErr != nil {
		entry.Success = false
		entry.Note = deployErr.Error()
	} else if result.Outcome == bindctl.OutcomeRolledBack {
		entry.Success = false
		entry.Note = result.Detail
	}
	s.auditLog.Log(entry)

	s.publishDeployOutcome(result, deployErr)

	return result, deployErr
}

// publishDeployOutcome announces the deploy on the event bus using the
// {"status": ...} payload shape the alert notifier (C11) filters on: only a
// failed reload or a rollback is alert-worthy, a no_change deploy is not
// worth announcing at all.
func (s *Service) publishDeployOutcome(result bindctl.DeployResult, deployErr error) {
	if deployErr == nil && result.Outcome == bindctl.OutcomeNoChange {
		return
	}

	status := "reloaded"
	switch {
	case deployErr != nil, result.Outcome == bindctl.OutcomeRolledBack:
		status = "error"
	case result.Outcome == bindctl.OutcomeRestarted:
		status = "restarted"
	}

	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventBindReload,
		Data: map[string]any{
			"status":      status,
			"outcome":     string(result.Outcome),
			"snapshot_id": result.SnapshotID,
		},
	})
}

// Deploy renders the current model and deploys it under the given reason,
// without a persistence step of its own. It satisfies the threat feed
// ingestor's (C6) Deployer interface: the ingestor commits its own
// rpz.Service.BulkApply write, then calls this so the DNS Service orchestrator
// remains the single caller of the BIND controller's Deploy (spec §4.4, §4.6
// step 5).
func (s *Service) Deploy(ctx context.Context, reason string) error {
	beforeHash := s.currentHash(ctx)
	_, err := s.deployAndAudit(ctx, "system:threat_feed", reason, "rpz_feed", "", beforeHash)
	return err
}

// isDeployRejection reports whether a deploy's outcome requires the caller
// to compensate the database change it was about to make durable.
func isDeployRejection(result bindctl.DeployResult, err error) bool {
	if err != nil {
		return true
	}
	return result.Outcome == bindctl.OutcomeRolledBack
}

// rejectionError wraps a rejected deploy as a KindDeployFailed error,
// surfacing C3's own reason. A checkconf/checkzone rejection and a
// rolled-back reload both get this kind; dnserr has no separate kind for
// a validation rejection.
func rejectionError(result bindctl.DeployResult, err error) error {
	if err != nil {
		return dnserr.Wrap(dnserr.KindDeployFailed, "bind deploy rejected", err)
	}
	return dnserr.New(dnserr.KindDeployFailed, "bind reload failed and the config tree was rolled back: "+result.Detail)
}

// compensate runs fn in its own Tx to undo a persisted change after a
// rejected deploy, and records the attempt in the audit trail regardless of
// outcome. A failed compensation is logged loudly: it means the database and
// the live config have diverged and needs operator attention.
func (s *Service) compensate(ctx context.Context, actor, action, targetKind, targetID string, fn func(tx pgx.Tx) error) {
	err := db.WithTx(ctx, s.pool, fn)

	entry := audit.Entry{
		Actor: actor, Action: "compensate_" + action, TargetKind: targetKind, TargetID: targetID,
		Success: err == nil,
	}
	if err != nil {
		entry.Note = err.Error()
	}
	s.auditLog.Log(entry)

	if err != nil {
		s.logger.Error("compensating transaction failed after a rejected deploy; database and live config may have diverged",
			"action", action, "target_kind", targetKind, "target_id", targetID, "error", err)
	}
}
