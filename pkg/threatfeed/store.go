package threatfeed

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/meridiandns/dnsctld/internal/db"
	"github.com/meridiandns/dnsctld/internal/dnserr"
)

// Store provides CRUD over threat feeds, with optimistic concurrency on
// ThreatFeed.version.
type Store struct {
	dbtx db.DBTX
}

func NewStore(dbtx db.DBTX) *Store { return &Store{dbtx: dbtx} }

const feedColumns = `id, name, url, format, category, rpz_zone, update_frequency_s, enabled,
	last_status, last_attempt_at, last_success_at, etag, last_modified, rule_count,
	requires_oauth, oauth_token_url, oauth_client_id, oauth_client_secret, version, created_at, updated_at`

func scanFeed(row pgx.Row) (ThreatFeed, error) {
	var f ThreatFeed
	var etag, lastMod, tokenURL, clientID, clientSecret *string
	err := row.Scan(&f.ID, &f.Name, &f.URL, &f.Format, &f.Category, &f.RPZZone, &f.UpdateFrequency, &f.Enabled,
		&f.LastStatus, &f.LastAttemptAt, &f.LastSuccessAt, &etag, &lastMod, &f.RuleCount,
		&f.RequiresOAuth, &tokenURL, &clientID, &clientSecret, &f.Version, &f.CreatedAt, &f.UpdatedAt)
	if etag != nil {
		f.ETag = *etag
	}
	if lastMod != nil {
		f.LastModified = *lastMod
	}
	if tokenURL != nil {
		f.OAuthTokenURL = *tokenURL
	}
	if clientID != nil {
		f.OAuthClientID = *clientID
	}
	if clientSecret != nil {
		f.OAuthClientSecret = *clientSecret
	}
	return f, err
}

func (s *Store) GetFeed(ctx context.Context, id int64) (ThreatFeed, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+feedColumns+` FROM threat_feeds WHERE id=$1`, id)
	f, err := scanFeed(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ThreatFeed{}, dnserr.New(dnserr.KindNotFound, "threat feed not found")
		}
		return ThreatFeed{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "getting threat feed", err)
	}
	return f, nil
}

// ListEnabled returns every enabled feed, for the scheduler's fetch-due check.
func (s *Store) ListEnabled(ctx context.Context) ([]ThreatFeed, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+feedColumns+` FROM threat_feeds WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindStoreUnavailable, "listing enabled threat feeds", err)
	}
	defer rows.Close()
	var out []ThreatFeed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) CreateFeed(ctx context.Context, p CreateParams) (ThreatFeed, error) {
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO threat_feeds (name, url, format, category, rpz_zone, update_frequency_s, enabled,
			requires_oauth, oauth_token_url, oauth_client_id, oauth_client_secret)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+feedColumns,
		p.Name, p.URL, p.Format, p.Category, p.RPZZone, p.UpdateFrequency, p.Enabled,
		p.RequiresOAuth, nullIfEmpty(p.OAuthTokenURL), nullIfEmpty(p.OAuthClientID), nullIfEmpty(p.OAuthClientSecret),
	)
	f, err := scanFeed(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ThreatFeed{}, dnserr.New(dnserr.KindConflict, "threat feed name already exists")
		}
		return ThreatFeed{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "creating threat feed", err)
	}
	return f, nil
}

func (s *Store) UpdateFeed(ctx context.Context, p UpdateParams) (ThreatFeed, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE threat_feeds SET url=$1, category=$2, update_frequency_s=$3, enabled=$4,
			version=version+1, updated_at=now()
		WHERE id=$5 AND version=$6
		RETURNING `+feedColumns,
		p.URL, p.Category, p.UpdateFrequency, p.Enabled, p.ID, p.Version,
	)
	f, err := scanFeed(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ThreatFeed{}, dnserr.New(dnserr.KindConflict, "threat feed version mismatch or not found")
		}
		return ThreatFeed{}, dnserr.Wrap(dnserr.KindStoreUnavailable, "updating threat feed", err)
	}
	return f, nil
}

func (s *Store) DeleteFeed(ctx context.Context, id int64) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM threat_feeds WHERE id=$1`, id)
	if err != nil {
		return dnserr.Wrap(dnserr.KindStoreUnavailable, "deleting threat feed", err)
	}
	if tag.RowsAffected() == 0 {
		return dnserr.New(dnserr.KindNotFound, "threat feed not found")
	}
	return nil
}

// CycleResult is what C6 reports after one fetch attempt, for RecordCycle to
// persist. Exclusively written by the ingestor (spec §3 ownership: C6 owns
// ThreatFeed.last_*).
type CycleResult struct {
	Status       Status
	ETag         string
	LastModified string
	RuleCount    int32
	Success      bool
}

// RecordCycle persists the outcome of one fetch attempt. last_attempt_at is
// always bumped; last_success_at only advances on Success, preserving the
// invariant last_success_at ≤ last_attempt_at.
func (s *Store) RecordCycle(ctx context.Context, id int64, r CycleResult) error {
	if r.Success {
		_, err := s.dbtx.Exec(ctx, `
			UPDATE threat_feeds SET last_status=$1, last_attempt_at=now(), last_success_at=now(),
				etag=$2, last_modified=$3, rule_count=$4, updated_at=now()
			WHERE id=$5`,
			r.Status, nullIfEmpty(r.ETag), nullIfEmpty(r.LastModified), r.RuleCount, id)
		if err != nil {
			return dnserr.Wrap(dnserr.KindStoreUnavailable, "recording feed cycle", err)
		}
		return nil
	}
	_, err := s.dbtx.Exec(ctx, `
		UPDATE threat_feeds SET last_status=$1, last_attempt_at=now(), updated_at=now()
		WHERE id=$2`, r.Status, id)
	if err != nil {
		return dnserr.Wrap(dnserr.KindStoreUnavailable, "recording feed cycle", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	type pgErr interface{ SQLState() string }
	if p, ok := err.(pgErr); ok {
		return p.SQLState() == "23505"
	}
	return false
}
