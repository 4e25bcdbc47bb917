// Package forwarder implements the Forwarder aggregate: conditional-forward
// policy objects mapping domains to upstream DNS server sets (spec §3, §4.3).
package forwarder

import "time"

// Type classifies the upstream this forwarder targets.
type Type string

const (
	TypeActiveDirectory Type = "active_directory"
	TypeIntranet        Type = "intranet"
	TypePublic          Type = "public"
)

// ForwardPolicy controls BIND's forward directive semantics.
type ForwardPolicy string

const (
	PolicyFirst ForwardPolicy = "first"
	PolicyOnly  ForwardPolicy = "only"
)

// HealthStatus is owned exclusively by the health monitor (C5); the
// forwarder CRUD surface (C4) never writes it.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Server is one upstream DNS server participating in a Forwarder.
type Server struct {
	ID         int64
	ForwarderID int64
	IP         string
	Port       int32
	Priority   int32
	Weight     int32
	Enabled    bool
}

// HealthCheck configures the per-forwarder probing cadence.
type HealthCheck struct {
	Enabled  bool
	Interval int32 // seconds, [30,3600]
	Timeout  int32 // seconds, [1,30]
	Retries  int32 // [1,10]
}

// Forwarder is a conditional-forward policy object.
type Forwarder struct {
	ID                 int64
	Name               string
	Domain             string
	AdditionalDomains  []string
	Type               Type
	Servers            []Server
	ForwardPolicy      ForwardPolicy
	HealthCheck        HealthCheck
	Priority           int32 // [1,100]
	Weight             int32 // [1,1000]
	IsActive           bool
	HealthStatus       HealthStatus
	LastCheckedAt      *time.Time
	Version            int32
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ServerParams describes one upstream server on create/update.
type ServerParams struct {
	IP       string `json:"ip" validate:"required,ip"`
	Port     int32  `json:"port" validate:"required"`
	Priority int32  `json:"priority"`
	Weight   int32  `json:"weight"`
	Enabled  bool   `json:"enabled"`
}

// HealthCheckParams is the request shape for HealthCheck.
type HealthCheckParams struct {
	Enabled  bool  `json:"enabled"`
	Interval int32 `json:"interval_s" validate:"gte=30,lte=3600"`
	Timeout  int32 `json:"timeout_s" validate:"gte=1,lte=30"`
	Retries  int32 `json:"retries" validate:"gte=1,lte=10"`
}

// CreateParams are the fields accepted when creating a forwarder.
type CreateParams struct {
	Name              string             `json:"name" validate:"required"`
	Domain            string             `json:"domain" validate:"required,fqdn|hostname"`
	AdditionalDomains []string           `json:"additional_domains"`
	Type              Type               `json:"type" validate:"required,oneof=active_directory intranet public"`
	Servers           []ServerParams     `json:"servers" validate:"required,min=1,dive"`
	ForwardPolicy     ForwardPolicy      `json:"forward_policy" validate:"required,oneof=first only"`
	HealthCheck       HealthCheckParams  `json:"health_check"`
	Priority          int32              `json:"priority" validate:"gte=1,lte=100"`
	Weight            int32              `json:"weight" validate:"gte=1,lte=1000"`
}

// UpdateParams are the mutable fields of an existing forwarder.
type UpdateParams struct {
	ID                int64
	Version           int32
	AdditionalDomains []string
	Servers           []ServerParams
	ForwardPolicy     ForwardPolicy
	HealthCheck       HealthCheckParams
	Priority          int32
	Weight            int32
}

// ListFilter narrows List results.
type ListFilter struct {
	Type     Type
	IsActive *bool
	Limit    int
	Offset   int
}

// ProbeResult is one server's outcome within a TestForwarder call.
type ProbeResult struct {
	IP          string
	OK          bool
	ResponseMS  int64
	Error       string
}
