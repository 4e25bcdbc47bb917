package dnsservice

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridiandns/dnsctld/internal/db"
	"github.com/meridiandns/dnsctld/pkg/bindctl"
	"github.com/meridiandns/dnsctld/pkg/eventbus"
	"github.com/meridiandns/dnsctld/pkg/forwarder"
)

// CreateForwarder persists a new forwarder and deploys.
func (s *Service) CreateForwarder(ctx context.Context, actor string, p forwarder.CreateParams) (forwarder.Forwarder, bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var f forwarder.Forwarder
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var txErr error
		f, txErr = forwarder.NewService(forwarder.NewStore(tx)).CreateForwarder(ctx, p)
		return txErr
	})
	if err != nil {
		return forwarder.Forwarder{}, bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(f.ID, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "create_forwarder", "forwarder", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		s.compensate(ctx, actor, "create_forwarder", "forwarder", targetID, func(tx pgx.Tx) error {
			return forwarder.NewStore(tx).DeleteForwarder(ctx, f.ID)
		})
		return f, result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventForwarderCreated, Data: map[string]any{"forwarder_id": f.ID, "domain": f.Domain}, TS: time.Now()})
	return f, result, nil
}

// UpdateForwarder applies an optimistic-concurrency-checked update and deploys.
func (s *Service) UpdateForwarder(ctx context.Context, actor string, p forwarder.UpdateParams) (forwarder.Forwarder, bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var prior, updated forwarder.Forwarder
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		store := forwarder.NewStore(tx)
		var txErr error
		prior, txErr = store.GetForwarder(ctx, p.ID)
		if txErr != nil {
			return txErr
		}
		updated, txErr = forwarder.NewService(store).UpdateForwarder(ctx, p)
		return txErr
	})
	if err != nil {
		return forwarder.Forwarder{}, bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(updated.ID, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "update_forwarder", "forwarder", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		revert := forwarder.UpdateParams{
			ID: updated.ID, Version: updated.Version,
			AdditionalDomains: prior.AdditionalDomains, ForwardPolicy: prior.ForwardPolicy,
			HealthCheck: forwarder.HealthCheckParams{
				Enabled: prior.HealthCheck.Enabled, Interval: prior.HealthCheck.Interval,
				Timeout: prior.HealthCheck.Timeout, Retries: prior.HealthCheck.Retries,
			},
			Priority: prior.Priority, Weight: prior.Weight,
			Servers: serverParamsFrom(prior.Servers),
		}
		s.compensate(ctx, actor, "update_forwarder", "forwarder", targetID, func(tx pgx.Tx) error {
			_, txErr := forwarder.NewStore(tx).UpdateForwarder(ctx, revert)
			return txErr
		})
		return updated, result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventForwarderUpdated, Data: map[string]any{"forwarder_id": updated.ID}, TS: time.Now()})
	return updated, result, nil
}

func serverParamsFrom(servers []forwarder.Server) []forwarder.ServerParams {
	out := make([]forwarder.ServerParams, 0, len(servers))
	for _, sv := range servers {
		out = append(out, forwarder.ServerParams{IP: sv.IP, Port: sv.Port, Priority: sv.Priority, Weight: sv.Weight, Enabled: sv.Enabled})
	}
	return out
}

// DeleteForwarder removes a forwarder (and its servers, by cascade) and deploys.
func (s *Service) DeleteForwarder(ctx context.Context, actor string, id int64) (bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var prior forwarder.Forwarder
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		store := forwarder.NewStore(tx)
		var txErr error
		prior, txErr = store.GetForwarder(ctx, id)
		if txErr != nil {
			return txErr
		}
		return store.DeleteForwarder(ctx, id)
	})
	if err != nil {
		return bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(id, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "delete_forwarder", "forwarder", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		s.compensate(ctx, actor, "delete_forwarder", "forwarder", targetID, func(tx pgx.Tx) error {
			return restoreForwarder(ctx, tx, prior)
		})
		return result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventForwarderDeleted, Data: map[string]any{"forwarder_id": id}, TS: time.Now()})
	return result, nil
}

// ToggleForwarder flips a forwarder's active flag and deploys.
func (s *Service) ToggleForwarder(ctx context.Context, actor string, id int64, active bool) (forwarder.Forwarder, bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var f forwarder.Forwarder
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var txErr error
		f, txErr = forwarder.NewService(forwarder.NewStore(tx)).ToggleForwarder(ctx, id, active)
		return txErr
	})
	if err != nil {
		return forwarder.Forwarder{}, bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(f.ID, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "toggle_forwarder", "forwarder", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		s.compensate(ctx, actor, "toggle_forwarder", "forwarder", targetID, func(tx pgx.Tx) error {
			_, txErr := forwarder.NewStore(tx).ToggleForwarder(ctx, id, !active)
			return txErr
		})
		return f, result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventForwarderStatusChange, Data: map[string]any{"forwarder_id": f.ID, "is_active": active}, TS: time.Now()})
	return f, result, nil
}

// TestForwarder is a pure read-side diagnostic: it passes straight through
// to the forwarder entity package's live probe and never touches the model
// or the BIND controller (spec §4.3/§4.4).
func (s *Service) TestForwarder(ctx context.Context, id int64) ([]forwarder.ProbeResult, error) {
	return forwarder.NewService(forwarder.NewStore(s.pool)).TestForwarder(ctx, id)
}

// restoreForwarder re-inserts a deleted forwarder and its servers with their
// original IDs, as the compensating action for a rejected DeleteForwarder.
func restoreForwarder(ctx context.Context, tx pgx.Tx, f forwarder.Forwarder) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO forwarders (id, name, domain, additional_domains, type, forward_policy,
			health_check_enabled, health_interval_s, health_timeout_s, health_retries,
			priority, weight, is_active, health_status, last_checked_at, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO NOTHING`,
		f.ID, f.Name, f.Domain, f.AdditionalDomains, f.Type, f.ForwardPolicy,
		f.HealthCheck.Enabled, f.HealthCheck.Interval, f.HealthCheck.Timeout, f.HealthCheck.Retries,
		f.Priority, f.Weight, f.IsActive, f.HealthStatus, f.LastCheckedAt, f.Version, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return err
	}
	for _, sv := range f.Servers {
		if _, err := tx.Exec(ctx, `
			INSERT INTO forwarder_servers (id, forwarder_id, ip, port, priority, weight, enabled)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (id) DO NOTHING`,
			sv.ID, sv.ForwarderID, sv.IP, sv.Port, sv.Priority, sv.Weight, sv.Enabled); err != nil {
			return err
		}
	}
	return nil
}
