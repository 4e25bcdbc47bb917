package dnsservice

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridiandns/dnsctld/internal/db"
	"github.com/meridiandns/dnsctld/pkg/bindctl"
	"github.com/meridiandns/dnsctld/pkg/eventbus"
	"github.com/meridiandns/dnsctld/pkg/zone"
)

// todayYYYYMMDD formats the current UTC date as the per-day counter base the
// serial policy uses (spec §4.2: new serial = max(old+1, yyyymmddNN)).
func todayYYYYMMDD() int32 {
	s := time.Now().UTC().Format("20060102")
	n, _ := strconv.Atoi(s)
	return int32(n)
}

// CreateZone persists a new zone and deploys the resulting config.
func (s *Service) CreateZone(ctx context.Context, actor string, p zone.CreateParams) (zone.Zone, bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var z zone.Zone
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var txErr error
		z, txErr = zone.NewService(zone.NewStore(tx)).CreateZone(ctx, p)
		return txErr
	})
	if err != nil {
		return zone.Zone{}, bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(z.ID, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "create_zone", "zone", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		s.compensate(ctx, actor, "create_zone", "zone", targetID, func(tx pgx.Tx) error {
			return zone.NewStore(tx).DeleteZone(ctx, z.ID)
		})
		return z, result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventZoneCreated, Data: map[string]any{"zone_id": z.ID, "name": z.Name}, TS: time.Now()})
	return z, result, nil
}

// UpdateZone applies an optimistic-concurrency-checked update and deploys.
func (s *Service) UpdateZone(ctx context.Context, actor string, p zone.UpdateParams) (zone.Zone, bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var prior, updated zone.Zone
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		store := zone.NewStore(tx)
		var txErr error
		prior, txErr = store.GetZone(ctx, p.ID)
		if txErr != nil {
			return txErr
		}
		updated, txErr = zone.NewService(store).UpdateZone(ctx, p)
		if txErr != nil {
			return txErr
		}
		if updated.Type == zone.TypeMaster {
			serial, txErr := store.BumpSerial(ctx, updated.ID, todayYYYYMMDD())
			if txErr != nil {
				return txErr
			}
			updated.Serial = serial
		}
		return nil
	})
	if err != nil {
		return zone.Zone{}, bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(updated.ID, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "update_zone", "zone", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		revert := zone.UpdateParams{
			ID: updated.ID, Version: updated.Version,
			Email: prior.Email, Refresh: prior.Refresh, Retry: prior.Retry, Expire: prior.Expire, Minimum: prior.Minimum,
			Masters: prior.Masters, Forwarders: prior.Forwarders,
		}
		s.compensate(ctx, actor, "update_zone", "zone", targetID, func(tx pgx.Tx) error {
			_, txErr := zone.NewStore(tx).UpdateZone(ctx, revert)
			return txErr
		})
		return updated, result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventZoneUpdated, Data: map[string]any{"zone_id": updated.ID}, TS: time.Now()})
	return updated, result, nil
}

// DeleteZone removes a zone (and its records, by cascade) and deploys.
func (s *Service) DeleteZone(ctx context.Context, actor string, id int64) (bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var prior zone.Zone
	var priorRecords []zone.Record
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		store := zone.NewStore(tx)
		var txErr error
		prior, txErr = store.GetZone(ctx, id)
		if txErr != nil {
			return txErr
		}
		if prior.Type == zone.TypeMaster {
			priorRecords, txErr = store.ListRecordsByZone(ctx, id, false)
			if txErr != nil {
				return txErr
			}
		}
		return store.DeleteZone(ctx, id)
	})
	if err != nil {
		return bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(id, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "delete_zone", "zone", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		s.compensate(ctx, actor, "delete_zone", "zone", targetID, func(tx pgx.Tx) error {
			return restoreZone(ctx, tx, prior, priorRecords)
		})
		return result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventZoneDeleted, Data: map[string]any{"zone_id": id}, TS: time.Now()})
	return result, nil
}

// ToggleZone flips a zone's active flag and deploys. Toggling changes
// zones.conf membership but never a zone's own serial.
func (s *Service) ToggleZone(ctx context.Context, actor string, id int64, active bool) (zone.Zone, bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var z zone.Zone
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var txErr error
		z, txErr = zone.NewService(zone.NewStore(tx)).ToggleZone(ctx, id, active)
		return txErr
	})
	if err != nil {
		return zone.Zone{}, bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(z.ID, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "toggle_zone", "zone", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		s.compensate(ctx, actor, "toggle_zone", "zone", targetID, func(tx pgx.Tx) error {
			_, txErr := zone.NewStore(tx).ToggleZone(ctx, id, !active)
			return txErr
		})
		return z, result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventZoneUpdated, Data: map[string]any{"zone_id": z.ID, "is_active": active}, TS: time.Now()})
	return z, result, nil
}

// ReloadZone forces a re-render and deploy even absent a pending model
// change, relying on Deploy's own no_change short circuit when the rendered
// tree hasn't actually moved. It exists for an operator who suspects the
// live tree has drifted from the model (spec §4.4).
func (s *Service) ReloadZone(ctx context.Context, actor string, id int64) (bindctl.DeployResult, error) {
	if _, err := zone.NewStore(s.pool).GetZone(ctx, id); err != nil {
		return bindctl.DeployResult{}, err
	}
	beforeHash := s.currentHash(ctx)
	return s.deployAndAudit(ctx, actor, "reload_zone", "zone", strconv.FormatInt(id, 10), beforeHash)
}
