package zone

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridiandns/dnsctld/internal/db"
	"github.com/meridiandns/dnsctld/internal/dnserr"
)

// Store provides transactional CRUD for zones and records, with optimistic
// concurrency on Zone.version (spec §4.1).
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store backed by the given connection, pool, or transaction.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const zoneColumns = `id, name, type, email, serial, serial_day, serial_seq, refresh, retry,
	expire, minimum, is_active, masters, forwarders, version, created_by, created_at, updated_at`

func scanZone(row pgx.Row) (Zone, error) {
	var z Zone
	var serial int64
	err := row.Scan(
		&z.ID, &z.Name, &z.Type, &z.Email, &serial, &z.SerialDay, &z.SerialSeq,
		&z.Refresh, &z.Retry, &z.Expire, &z.Minimum, &z.IsActive,
		&z.Masters, &z.Forwarders, &z.Version, &z.CreatedBy, &z.CreatedAt, &z.UpdatedAt,
	)
	z.Serial = uint32(serial)
	return z, err
}

// GetZone returns a zone by ID.
func (s *Store) GetZone(ctx context.Context, id int64) (Zone, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+zoneColumns+` FROM zones WHERE id = $1`, id)
	z, err := scanZone(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Zone{}, dnserr.New(dnserr.KindNotFound, "zone not found")
		}
		return Zone{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "getting zone", err)
	}
	return z, nil
}

// GetZoneByName returns a zone by its unique name.
func (s *Store) GetZoneByName(ctx context.Context, name string) (Zone, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+zoneColumns+` FROM zones WHERE name = $1`, name)
	z, err := scanZone(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Zone{}, dnserr.New(dnserr.KindNotFound, "zone not found")
		}
		return Zone{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "getting zone by name", err)
	}
	return z, nil
}

// ListZones returns zones matching the filter, ordered by name.
func (s *Store) ListZones(ctx context.Context, f ListFilter) ([]Zone, error) {
	query := `SELECT ` + zoneColumns + ` FROM zones WHERE 1=1`
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
		return nil, dnserr.Wrap(dnserr.KindStoreUnavailable, "listing zones", err)
	}
	defer rows.Close()

	var out []Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning zone row: %w", err)
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// ActiveAuthoritative returns every active master/slave zone, for rendering.
func (s *Store) ActiveAuthoritative(ctx context.Context) ([]Zone, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+zoneColumns+` FROM zones WHERE is_active AND type IN ('master','slave') ORDER BY name`)
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindStoreUnavailable, "listing authoritative zones", err)
	}
	defer rows.Close()
	var out []Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// ActiveForward returns every active forward zone, for rendering.
func (s *Store) ActiveForward(ctx context.Context) ([]Zone, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+zoneColumns+` FROM zones WHERE is_active AND type = 'forward' ORDER BY name`)
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindStoreUnavailable, "listing forward zones", err)
	}
	defer rows.Close()
	var out []Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// CreateZone inserts a new zone.
func (s *Store) CreateZone(ctx context.Context, p CreateParams) (Zone, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO zones (name, type, email, refresh, retry, expire, minimum, masters, forwarders, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+zoneColumns,
		p.Name, p.Type, p.Email, p.Refresh, p.Retry, p.Expire, p.Minimum,
		defaultSlice(p.Masters), defaultSlice(p.Forwarders), p.CreatedBy,
	)
	z, err := scanZone(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Zone{}, dnserr.New(dnserr.KindConflict, "zone name already exists")
		}
		return Zone{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "creating zone", err)
	}
	return z, nil
}

// UpdateZone applies an optimistic-concurrency-checked update.
func (s *Store) UpdateZone(ctx context.Context, p UpdateParams) (Zone, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE zones SET email=$1, refresh=$2, retry=$3, expire=$4, minimum=$5,
			masters=$6, forwarders=$7, version=version+1, updated_at=now()
		WHERE id=$8 AND version=$9
		RETURNING `+zoneColumns,
		p.Email, p.Refresh, p.Retry, p.Expire, p.Minimum,
		defaultSlice(p.Masters), defaultSlice(p.Forwarders), p.ID, p.Version,
	)
	z, err := scanZone(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Zone{}, dnserr.New(dnserr.KindConflict, "zone version mismatch or not found")
		}
		return Zone{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "updating zone", err)
	}
	return z, nil
}

// BumpSerial advances a zone's SOA serial using the per-day counter policy
// (spec §4.2) and returns the new serial. Called by the renderer's caller
// immediately before rendering a modified master zone.
func (s *Store) BumpSerial(ctx context.Context, id int64, today int32) (uint32, error) {
	var serial int64
	var day, seq int32
	row := s.dbtx.QueryRow(ctx, `SELECT serial, serial_day, serial_seq FROM zones WHERE id=$1 FOR UPDATE`, id)
	if err := row.Scan(&serial, &day, &seq); err != nil {
		return 0, dnserr.Wrap(dnserr.KindStoreUnavailable, "reading zone serial state", err)
	}

	if day != today {
		day = today
		seq = 0
	}
	seq++

	proposed := int64(today)*100 + int64(seq)
	newSerial := serial + 1
	if proposed > newSerial {
		newSerial = proposed
	}
	// uint32 overflow: roll to old+1 rather than wrapping (spec §4.2).
	if newSerial > 0xFFFFFFFF {
		newSerial = serial + 1
	}

	_, err := s.dbtx.Exec(ctx, `UPDATE zones SET serial=$1, serial_day=$2, serial_seq=$3, updated_at=now() WHERE id=$4`,
		newSerial, day, seq, id)
	if err != nil {
		return 0, dnserr.Wrap(dnserr.KindStoreUnavailable, "bumping zone serial", err)
	}
	return uint32(newSerial), nil
}

// ToggleZone flips is_active.
func (s *Store) ToggleZone(ctx context.Context, id int64, active bool) (Zone, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE zones SET is_active=$1, version=version+1, updated_at=now() WHERE id=$2
		RETURNING `+zoneColumns, active, id)
	z, err := scanZone(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Zone{}, dnserr.New(dnserr.KindNotFound, "zone not found")
		}
		return Zone{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "toggling zone", err)
	}
	return z, nil
}

// DeleteZone removes a zone and its records (cascade).
func (s *Store) DeleteZone(ctx context.Context, id int64) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM zones WHERE id=$1`, id)
	if err != nil {
		return dnserr.Wrap(dnserr.KindStoreUnavailable, "deleting zone", err)
	}
	if tag.RowsAffected() == 0 {
		return dnserr.New(dnserr.KindNotFound, "zone not found")
	}
	return nil
}

const recordColumns = `id, zone_id, name, type, value, ttl, priority, weight, port, is_active, version, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.ZoneID, &r.Name, &r.Type, &r.Value, &r.TTL,
		&r.Priority, &r.Weight, &r.Port, &r.IsActive, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetRecord returns a single record by ID.
func (s *Store) GetRecord(ctx context.Context, id int64) (Record, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	r, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Record{}, dnserr.New(dnserr.KindNotFound, "record not found")
		}
		return Record{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "getting record", err)
	}
	return r, nil
}

// ListRecordsByZone returns every record in a zone ordered by name.
func (s *Store) ListRecordsByZone(ctx context.Context, zoneID int64, activeOnly bool) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE zone_id=$1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY name, type`
	rows, err := s.dbtx.Query(ctx, query, zoneID)
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindStoreUnavailable, "listing records", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordsAtName returns every active record at (zoneID, name), for the
// CNAME-exclusion and duplicate checks.
func (s *Store) RecordsAtName(ctx context.Context, zoneID int64, name string) ([]Record, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+recordColumns+` FROM records WHERE zone_id=$1 AND name=$2 AND is_active`, zoneID, name)
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindStoreUnavailable, "checking existing records at name", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRecord inserts a new record.
func (s *Store) CreateRecord(ctx context.Context, p CreateRecordParams) (Record, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO records (zone_id, name, type, value, ttl, priority, weight, port)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+recordColumns,
		p.ZoneID, p.Name, p.Type, p.Value, p.TTL, p.Priority, p.Weight, p.Port,
	)
	r, err := scanRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, dnserr.New(dnserr.KindConflict, "duplicate (name,type,value) in zone")
		}
		return Record{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "creating record", err)
	}
	return r, nil
}

// UpdateRecord applies an optimistic-concurrency-checked update.
func (s *Store) UpdateRecord(ctx context.Context, p UpdateRecordParams) (Record, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE records SET value=$1, ttl=$2, priority=$3, weight=$4, port=$5, is_active=$6,
			version=version+1, updated_at=now()
		WHERE id=$7 AND version=$8
		RETURNING `+recordColumns,
		p.Value, p.TTL, p.Priority, p.Weight, p.Port, p.IsActive, p.ID, p.Version,
	)
	r, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Record{}, dnserr.New(dnserr.KindConflict, "record version mismatch or not found")
		}
		return Record{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "updating record", err)
	}
	return r, nil
}

// DeleteRecord removes a record by ID.
func (s *Store) DeleteRecord(ctx context.Context, id int64) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM records WHERE id=$1`, id)
	if err != nil {
		return dnserr.Wrap(dnserr.KindStoreUnavailable, "deleting record", err)
	}
	if tag.RowsAffected() == 0 {
		return dnserr.New(dnserr.KindNotFound, "record not found")
	}
	return nil
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
