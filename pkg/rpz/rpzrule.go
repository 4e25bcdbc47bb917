// Package rpz implements the RPZRule aggregate: Response Policy Zone block,
// redirect, and passthru directives that the renderer (C2) turns into BIND
// RPZ zone files (spec §3, §4.4, §6).
package rpz

import (
	"strconv"
	"time"
)

// Action is the RPZ directive a rule expresses.
type Action string

const (
	ActionBlock     Action = "block"
	ActionRedirect  Action = "redirect"
	ActionPassthru  Action = "passthru"
)

// Source identifies who owns a rule: a human operator, or a threat feed
// (encoded as "feed:<feed_id>"). Feed-owned rules may only be mutated by
// the feed ingestor's BulkApply, never by the manual CRUD surface.
type Source string

const SourceManual Source = "manual"

// FeedSource formats the source value for a rule owned by a given feed.
func FeedSource(feedID int64) Source {
	return Source("feed:" + strconv.FormatInt(feedID, 10))
}

// IsFeedSourced reports whether a Source denotes feed ownership.
func (s Source) IsFeedSourced() bool {
	return len(s) > 5 && s[:5] == "feed:"
}

// Rule is a single domain policy entry within an RPZ zone bucket.
type Rule struct {
	ID             int64
	Domain         string
	RPZZone        string
	Action         Action
	RedirectTarget string
	Category       string
	Source         Source
	IsActive       bool
	CreatedAt      time.Time
}

// CreateParams are the fields accepted when manually creating a rule.
type CreateParams struct {
	Domain         string `json:"domain" validate:"required"`
	RPZZone        string `json:"rpz_zone" validate:"required"`
	Action         Action `json:"action" validate:"required,oneof=block redirect passthru"`
	RedirectTarget string `json:"redirect_target,omitempty"`
	Category       string `json:"category"`
}

// UpdateParams are the mutable fields of an existing manual rule.
type UpdateParams struct {
	ID             int64
	Action         Action
	RedirectTarget string
	Category       string
	IsActive       bool
}

// ListFilter narrows List results.
type ListFilter struct {
	RPZZone  string
	Category string
	Source   Source
	Limit    int
	Offset   int
}

// FeedRule is one normalized entry parsed from a threat feed body, prior to
// being reconciled against the existing feed-owned rule set (pkg/threatfeed).
type FeedRule struct {
	Domain  string
	Action  Action
	RPZZone string
}
