package forwarder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridiandns/dnsctld/internal/db"
	"github.com/meridiandns/dnsctld/internal/dnserr"
)

// Store provides transactional CRUD for forwarders and their servers, with
// optimistic concurrency on Forwarder.version.
type Store struct {
	dbtx db.DBTX
}

func NewStore(dbtx db.DBTX) *Store { return &Store{dbtx: dbtx} }

const fwdColumns = `id, name, domain, additional_domains, type, forward_policy,
	health_check_enabled, health_interval_s, health_timeout_s, health_retries,
	priority, weight, is_active, health_status, last_checked_at, version, created_at, updated_at`

func scanForwarder(row pgx.Row) (Forwarder, error) {
	var f Forwarder
	err := row.Scan(&f.ID, &f.Name, &f.Domain, &f.AdditionalDomains, &f.Type, &f.ForwardPolicy,
		&f.HealthCheck.Enabled, &f.HealthCheck.Interval, &f.HealthCheck.Timeout, &f.HealthCheck.Retries,
		&f.Priority, &f.Weight, &f.IsActive, &f.HealthStatus, &f.LastCheckedAt, &f.Version,
		&f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func (s *Store) loadServers(ctx context.Context, forwarderID int64) ([]Server, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT id, forwarder_id, ip, port, priority, weight, enabled
		FROM forwarder_servers WHERE forwarder_id=$1 ORDER BY priority, ip`, forwarderID)
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindStoreUnavailable, "loading forwarder servers", err)
	}
	defer rows.Close()
	var out []Server
	for rows.Next() {
		var sv Server
		if err := rows.Scan(&sv.ID, &sv.ForwarderID, &sv.IP, &sv.Port, &sv.Priority, &sv.Weight, &sv.Enabled); err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

// GetForwarder returns a forwarder with its servers populated.
func (s *Store) GetForwarder(ctx context.Context, id int64) (Forwarder, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+fwdColumns+` FROM forwarders WHERE id=$1`, id)
	f, err := scanForwarder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Forwarder{}, dnserr.New(dnserr.KindNotFound, "forwarder not found")
		}
		return Forwarder{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "getting forwarder", err)
	}
	servers, err := s.loadServers(ctx, f.ID)
	if err != nil {
		return Forwarder{}, err
	}
	f.Servers = servers
	return f, nil
}

// ListForwarders returns forwarders matching the filter, with servers populated.
func (s *Store) ListForwarders(ctx context.Context, f ListFilter) ([]Forwarder, error) {
	query := `SELECT ` + fwdColumns + ` FROM forwarders WHERE 1=1`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.Type != "" {
		query += ` AND type = ` + arg(f.Type)
	}
	if f.IsActive != nil {
		query += ` AND is_active = ` + arg(*f.IsActive)
	}
	query += ` ORDER BY name`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := s.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindStoreUnavailable, "listing forwarders", err)
	}
	defer rows.Close()
	var out []Forwarder
	for rows.Next() {
		fw, err := scanForwarder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fw)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		servers, err := s.loadServers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Servers = servers
	}
	return out, nil
}

// ActiveForwarders returns every active forwarder with servers, for rendering
// forwarders.conf and for the health monitor's probe cycle.
func (s *Store) ActiveForwarders(ctx context.Context) ([]Forwarder, error) {
	active := true
	return s.ListForwarders(ctx, ListFilter{IsActive: &active})
}

// CreateForwarder inserts a forwarder and its servers in one transaction.
func (s *Store) CreateForwarder(ctx context.Context, p CreateParams) (Forwarder, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO forwarders (name, domain, additional_domains, type, forward_policy,
			health_check_enabled, health_interval_s, health_timeout_s, health_retries,
			priority, weight)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+fwdColumns,
		p.Name, p.Domain, defaultSlice(p.AdditionalDomains), p.Type, p.ForwardPolicy,
		p.HealthCheck.Enabled, p.HealthCheck.Interval, p.HealthCheck.Timeout, p.HealthCheck.Retries,
		p.Priority, p.Weight,
	)
	f, err := scanForwarder(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Forwarder{}, dnserr.New(dnserr.KindConflict, "forwarder name already exists")
		}
		return Forwarder{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "creating forwarder", err)
	}

	for _, sp := range p.Servers {
		if _, err := s.dbtx.Exec(ctx, `INSERT INTO forwarder_servers (forwarder_id, ip, port, priority, weight, enabled)
			VALUES ($1,$2,$3,$4,$5,$6)`, f.ID, sp.IP, sp.Port, sp.Priority, sp.Weight, sp.Enabled); err != nil {
			return Forwarder{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "creating forwarder server", err)
		}
	}
	f.Servers, err = s.loadServers(ctx, f.ID)
	return f, err
}

// UpdateForwarder applies an optimistic-concurrency-checked update and
// replaces the server set wholesale.
func (s *Store) UpdateForwarder(ctx context.Context, p UpdateParams) (Forwarder, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE forwarders SET additional_domains=$1, forward_policy=$2,
			health_check_enabled=$3, health_interval_s=$4, health_timeout_s=$5,
			health_retries=$6, priority=$7, weight=$8, version=version+1, updated_at=now()
		WHERE id=$9 AND version=$10
		RETURNING `+fwdColumns,
		defaultSlice(p.AdditionalDomains), p.ForwardPolicy,
		p.HealthCheck.Enabled, p.HealthCheck.Interval, p.HealthCheck.Timeout, p.HealthCheck.Retries,
		p.Priority, p.Weight, p.ID, p.Version,
	)
	f, err := scanForwarder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Forwarder{}, dnserr.New(dnserr.KindConflict, "forwarder version mismatch or not found")
		}
		return Forwarder{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "updating forwarder", err)
	}

	if p.Servers != nil {
		if _, err := s.dbtx.Exec(ctx, `DELETE FROM forwarder_servers WHERE forwarder_id=$1`, f.ID); err != nil {
			return Forwarder{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "replacing forwarder servers", err)
		}
		for _, sp := range p.Servers {
			if _, err := s.dbtx.Exec(ctx, `INSERT INTO forwarder_servers (forwarder_id, ip, port, priority, weight, enabled)
				VALUES ($1,$2,$3,$4,$5,$6)`, f.ID, sp.IP, sp.Port, sp.Priority, sp.Weight, sp.Enabled); err != nil {
				return Forwarder{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "creating forwarder server", err)
			}
		}
	}
	f.Servers, err = s.loadServers(ctx, f.ID)
	return f, err
}

// ToggleForwarder flips is_active.
func (s *Store) ToggleForwarder(ctx context.Context, id int64, active bool) (Forwarder, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE forwarders SET is_active=$1, version=version+1, updated_at=now() WHERE id=$2
		RETURNING `+fwdColumns, active, id)
	f, err := scanForwarder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Forwarder{}, dnserr.New(dnserr.KindNotFound, "forwarder not found")
		}
		return Forwarder{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "toggling forwarder", err)
	}
	f.Servers, err = s.loadServers(ctx, f.ID)
	return f, err
}

// DeleteForwarder removes a forwarder and its servers (cascade).
func (s *Store) DeleteForwarder(ctx context.Context, id int64) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM forwarders WHERE id=$1`, id)
	if err != nil {
		return dnserr.Wrap(dnserr.KindStoreUnavailable, "deleting forwarder", err)
	}
	if tag.RowsAffected() == 0 {
		return dnserr.New(dnserr.KindNotFound, "forwarder not found")
	}
	return nil
}

// SetHealthStatus is C5's exclusive write path for health_status and
// last_checked_at; it does not touch Forwarder.version since health state is
// not part of the optimistic-concurrency surface CRUD callers reason about.
func (s *Store) SetHealthStatus(ctx context.Context, id int64, status HealthStatus) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE forwarders SET health_status=$1, last_checked_at=now() WHERE id=$2`, status, id)
	if err != nil {
		return dnserr.Wrap(dnserr.KindStoreUnavailable, "setting forwarder health status", err)
	}
	return nil
}

// RecordSample appends one health sample. It neither downsamples nor prunes
// older samples; PruneSamples deletes samples by age when it is called.
func (s *Store) RecordSample(ctx context.Context, forwarderID int64, serverIP string, ok bool, responseMS *int64, probeErr *string) error {
	_, err := s.dbtx.Exec(ctx, `INSERT INTO forwarder_health_samples (forwarder_id, server_ip, ts, ok, response_ms, error)
		VALUES ($1,$2,now(),$3,$4,$5)`, forwarderID, serverIP, ok, responseMS, probeErr)
	if err != nil {
		return dnserr.Wrap(dnserr.KindStoreUnavailable, "recording health sample", err)
	}
	return nil
}

// RecentSamples returns the last `limit` samples for a forwarder+server pair,
// newest first, for the FSM's K-consecutive-cycles and rate-over-window logic.
func (s *Store) RecentSamples(ctx context.Context, forwarderID int64, serverIP string, limit int) ([]Sample, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT forwarder_id, server_ip, ts, ok, response_ms, error
		FROM forwarder_health_samples WHERE forwarder_id=$1 AND server_ip=$2
		ORDER BY ts DESC LIMIT $3`, forwarderID, serverIP, limit)
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindStoreUnavailable, "reading recent health samples", err)
	}
	defer rows.Close()
	var out []Sample
	for rows.Next() {
		var sm Sample
		if err := rows.Scan(&sm.ForwarderID, &sm.ServerIP, &sm.TS, &sm.OK, &sm.ResponseMS, &sm.Error); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// PruneSamples deletes samples older than olderThanDays days (spec §3).
// No scheduler task calls it, so samples are not pruned automatically.
func (s *Store) PruneSamples(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM forwarder_health_samples WHERE ts < now() - ($1 || ' days')::interval`, olderThanDays)
	if err != nil {
		return 0, dnserr.Wrap(dnserr.KindStoreUnavailable, "pruning health samples", err)
	}
	return tag.RowsAffected(), nil
}

func defaultSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	type pgErr interface{ SQLState() string }
	if p, ok := err.(pgErr); ok {
		return p.SQLState() == "23505"
	}
	return false
}
