// Package reconcile implements the one-shot startup drift check (C10): it
// renders the current database model and hands it to the BIND controller,
// which deploys only if the rendered tree differs from what is already on
// disk. It never changes the zone, forwarder or RPZ model; the only rows a
// pass writes are the deploy's audit entry and snapshot metadata.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/meridiandns/dnsctld/pkg/bindctl"
	"github.com/meridiandns/dnsctld/pkg/dnsservice"
)

const actor = "system:reconcile"

// Run performs a single reconcile pass and logs its outcome. It is called
// once by both the api and worker modes at startup, and is also the entire
// body of the dedicated reconcile CLI mode (spec §1, §7 recovery
// philosophy: "the database is the source of truth; the live tree can
// always be rebuilt from it").
func Run(ctx context.Context, svc *dnsservice.Service, logger *slog.Logger) error {
	result, err := svc.ReloadAll(ctx, actor)
	if err != nil {
		logger.Error("reconcile: deploy rejected", "error", err)
		return err
	}

	switch result.Outcome {
	case bindctl.OutcomeNoChange:
		logger.Info("reconcile: live config tree already matches the database", "content_hash", result.ContentHash)
	case bindctl.OutcomeRolledBack:
		logger.Error("reconcile: deploy rolled back", "detail", result.Detail, "snapshot_id", result.SnapshotID)
	default:
		logger.Info("reconcile: deployed drift correction", "outcome", result.Outcome, "content_hash", result.ContentHash, "snapshot_id", result.SnapshotID)
	}
	return nil
}
