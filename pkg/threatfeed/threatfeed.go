// Package threatfeed implements the ThreatFeed aggregate and the scheduled
// fetch/parse/diff/apply pipeline that reconciles external block lists into
// RPZ rules (spec §3, §4.6).
package threatfeed

import "time"

// Format is the wire format a feed body is expected to be in.
type Format string

const (
	FormatHosts   Format = "hosts"
	FormatDomains Format = "domains"
	FormatRPZ     Format = "rpz"
)

// Status is the outcome of the most recent fetch attempt.
type Status string

const (
	StatusNever Status = "never"
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ThreatFeed is an external source of block-list domains, ingested on a
// schedule and reconciled into RPZRule rows owned by this feed.
type ThreatFeed struct {
	ID               int64
	Name             string
	URL              string
	Format           Format
	Category         string
	RPZZone          string
	UpdateFrequency  int32 // seconds
	Enabled          bool
	LastStatus       Status
	LastAttemptAt    *time.Time
	LastSuccessAt    *time.Time
	ETag             string
	LastModified     string
	RuleCount        int32
	RequiresOAuth    bool
	OAuthTokenURL    string
	OAuthClientID    string
	OAuthClientSecret string
	Version          int32
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateParams are the fields accepted when registering a feed.
type CreateParams struct {
	Name              string `json:"name" validate:"required"`
	URL               string `json:"url" validate:"required,url"`
	Format            Format `json:"format" validate:"required,oneof=hosts domains rpz"`
	Category          string `json:"category"`
	RPZZone           string `json:"rpz_zone" validate:"required"`
	UpdateFrequency   int32  `json:"update_frequency_s" validate:"gte=60"`
	Enabled           bool   `json:"enabled"`
	RequiresOAuth     bool   `json:"requires_oauth"`
	OAuthTokenURL     string `json:"oauth_token_url,omitempty"`
	OAuthClientID     string `json:"oauth_client_id,omitempty"`
	OAuthClientSecret string `json:"oauth_client_secret,omitempty"`
}

// UpdateParams are the mutable fields of an existing feed.
type UpdateParams struct {
	ID              int64
	Version         int32
	URL             string
	Category        string
	UpdateFrequency int32
	Enabled         bool
}

// ListFilter narrows List results.
type ListFilter struct {
	Enabled *bool
	Limit   int
	Offset  int
}

// maxBackoff caps the exponential retry delay for feeds stuck in error
// status (spec §4.6: "exponential backoff capped at 6h").
const maxBackoff = 6 * time.Hour

// DueForFetch reports whether a feed should be fetched now, honoring its
// normal cadence or, when the last attempt failed, an exponential backoff
// derived from however many consecutive cycles have been skipped.
func (f ThreatFeed) DueForFetch(now time.Time) bool {
	if !f.Enabled {
		return false
	}
	if f.LastAttemptAt == nil {
		return true
	}
	interval := time.Duration(f.UpdateFrequency) * time.Second
	if f.LastStatus == StatusError {
		interval = backoffFor(f, interval)
	}
	return now.Sub(*f.LastAttemptAt) >= interval
}

func backoffFor(f ThreatFeed, base time.Duration) time.Duration {
	if f.LastSuccessAt == nil || f.LastAttemptAt == nil {
		return base
	}
	failing := f.LastAttemptAt.Sub(*f.LastSuccessAt)
	doubled := base
	for doubled < failing && doubled < maxBackoff {
		doubled *= 2
	}
	if doubled > maxBackoff {
		doubled = maxBackoff
	}
	return doubled
}
