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

// bumpOwningZoneSerial advances the serial of the master zone a record
// belongs to, inside the same Tx as the record mutation, so the rendered
// zone file's SOA line and the persisted model never disagree about the
// serial that produced it (spec §4.2, P3).
func bumpOwningZoneSerial(ctx context.Context, tx pgx.Tx, zoneID int64) error {
	_, err := zone.NewStore(tx).BumpSerial(ctx, zoneID, todayYYYYMMDD())
	return err
}

// CreateRecord adds a record to a master zone and deploys.
func (s *Service) CreateRecord(ctx context.Context, actor string, p zone.CreateRecordParams) (zone.Record, bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var r zone.Record
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var txErr error
		r, txErr = zone.NewService(zone.NewStore(tx)).CreateRecord(ctx, p)
		if txErr != nil {
			return txErr
		}
		return bumpOwningZoneSerial(ctx, tx, r.ZoneID)
	})
	if err != nil {
		return zone.Record{}, bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(r.ID, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "create_record", "record", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		s.compensate(ctx, actor, "create_record", "record", targetID, func(tx pgx.Tx) error {
			return zone.NewStore(tx).DeleteRecord(ctx, r.ID)
		})
		return r, result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventRecordCreated, Data: map[string]any{"record_id": r.ID, "zone_id": r.ZoneID}, TS: time.Now()})
	return r, result, nil
}

// UpdateRecord applies an optimistic-concurrency-checked update and deploys.
func (s *Service) UpdateRecord(ctx context.Context, actor string, p zone.UpdateRecordParams) (zone.Record, bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var prior, updated zone.Record
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		store := zone.NewStore(tx)
		var txErr error
		prior, txErr = store.GetRecord(ctx, p.ID)
		if txErr != nil {
			return txErr
		}
		updated, txErr = store.UpdateRecord(ctx, p)
		if txErr != nil {
			return txErr
		}
		return bumpOwningZoneSerial(ctx, tx, updated.ZoneID)
	})
	if err != nil {
		return zone.Record{}, bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(updated.ID, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "update_record", "record", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		revert := zone.UpdateRecordParams{
			ID: updated.ID, Version: updated.Version,
			Value: prior.Value, TTL: prior.TTL, Priority: prior.Priority, Weight: prior.Weight, Port: prior.Port, IsActive: prior.IsActive,
		}
		s.compensate(ctx, actor, "update_record", "record", targetID, func(tx pgx.Tx) error {
			_, txErr := zone.NewStore(tx).UpdateRecord(ctx, revert)
			return txErr
		})
		return updated, result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventRecordUpdated, Data: map[string]any{"record_id": updated.ID, "zone_id": updated.ZoneID}, TS: time.Now()})
	return updated, result, nil
}

// DeleteRecord removes a record and deploys.
func (s *Service) DeleteRecord(ctx context.Context, actor string, id int64) (bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var prior zone.Record
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		store := zone.NewStore(tx)
		var txErr error
		prior, txErr = store.GetRecord(ctx, id)
		if txErr != nil {
			return txErr
		}
		if txErr = store.DeleteRecord(ctx, id); txErr != nil {
			return txErr
		}
		return bumpOwningZoneSerial(ctx, tx, prior.ZoneID)
	})
	if err != nil {
		return bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(id, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "delete_record", "record", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		s.compensate(ctx, actor, "delete_record", "record", targetID, func(tx pgx.Tx) error {
			return restoreRecord(ctx, tx, prior)
		})
		return result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventRecordDeleted, Data: map[string]any{"record_id": id, "zone_id": prior.ZoneID}, TS: time.Now()})
	return result, nil
}

// restoreZone re-inserts a deleted zone (and, for a master zone, its
// records) with their original IDs, as the compensating action for a
// rejected DeleteZone. It is written with raw SQL because Store.CreateZone
// intentionally does not accept a caller-supplied ID.
func restoreZone(ctx context.Context, tx pgx.Tx, z zone.Zone, records []zone.Record) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO zones (id, name, type, email, serial, serial_day, serial_seq, refresh, retry,
			expire, minimum, is_active, masters, forwarders, version, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO NOTHING`,
		z.ID, z.Name, z.Type, z.Email, int64(z.Serial), z.SerialDay, z.SerialSeq, z.Refresh, z.Retry,
		z.Expire, z.Minimum, z.IsActive, z.Masters, z.Forwarders, z.Version, z.CreatedBy, z.CreatedAt, z.UpdatedAt)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := restoreRecord(ctx, tx, r); err != nil {
			return err
		}
	}
	return nil
}

func restoreRecord(ctx context.Context, tx pgx.Tx, r zone.Record) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO records (id, zone_id, name, type, value, ttl, priority, weight, port, is_active, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.ZoneID, r.Name, r.Type, r.Value, r.TTL, r.Priority, r.Weight, r.Port, r.IsActive, r.Version, r.CreatedAt, r.UpdatedAt)
	return err
}
