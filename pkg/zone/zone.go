// Package zone implements the Zone and Record aggregates of the DNS
// Service (C4): the authoritative data model C4 exclusively mutates.
package zone

import "time"

// Type is the zone's authority model.
type Type string

const (
	TypeMaster  Type = "master"
	TypeSlave   Type = "slave"
	TypeForward Type = "forward"
)

// Zone is a DNS zone under this daemon's authority.
type Zone struct {
	ID         int64
	Name       string
	Type       Type
	Email      string
	Serial     uint32
	SerialDay  int32
	SerialSeq  int32
	Refresh    int32
	Retry      int32
	Expire     int32
	Minimum    int32
	IsActive   bool
	Masters    []string
	Forwarders []string
	Version    int32
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateParams are the fields accepted when creating a zone. Request-shape
// validation (required/format) is an external collaborator's concern; the
// validate tags here exist so the daemon's own tooling (seed/CLI) and the
// WebSocket-adjacent surfaces share one validation vocabulary with the rest
// of this repository's request types.
type CreateParams struct {
	Name       string   `json:"name" validate:"required,fqdn|hostname"`
	Type       Type     `json:"type" validate:"required,oneof=master slave forward"`
	Email      string   `json:"email"`
	Refresh    int32    `json:"refresh" validate:"gte=0"`
	Retry      int32    `json:"retry" validate:"gte=0"`
	Expire     int32    `json:"expire" validate:"gte=0"`
	Minimum    int32    `json:"minimum" validate:"gte=0"`
	Masters    []string `json:"masters"`
	Forwarders []string `json:"forwarders"`
	CreatedBy  string   `json:"created_by"`
}

// UpdateParams are the mutable fields of an existing zone. Version is the
// caller's last-known optimistic-concurrency counter.
type UpdateParams struct {
	ID         int64
	Version    int32
	Email      string
	Refresh    int32
	Retry      int32
	Expire     int32
	Minimum    int32
	Masters    []string
	Forwarders []string
}

// ListFilter narrows List results.
type ListFilter struct {
	Type     Type
	IsActive *bool
	Limit    int
	Offset   int
}
