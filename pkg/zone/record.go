package zone

import "time"

// RecordType is the supported RR type set (spec §3).
type RecordType string

const (
	RecordA     RecordType = "A"
	RecordAAAA  RecordType = "AAAA"
	RecordCNAME RecordType = "CNAME"
	RecordMX    RecordType = "MX"
	RecordTXT   RecordType = "TXT"
	RecordSRV   RecordType = "SRV"
	RecordPTR   RecordType = "PTR"
	RecordNS    RecordType = "NS"
	RecordSOA   RecordType = "SOA"
)

// Record is a single resource record owned by exactly one master Zone.
type Record struct {
	ID        int64
	ZoneID    int64
	Name      string // relative to the zone
	Type      RecordType
	Value     string
	TTL       int32
	Priority  *int32 // MX, SRV
	Weight    *int32 // SRV
	Port      *int32 // SRV
	IsActive  bool
	Version   int32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateRecordParams are the fields accepted when creating a record.
type CreateRecordParams struct {
	ZoneID   int64      `json:"zone_id" validate:"required"`
	Name     string     `json:"name"`
	Type     RecordType `json:"type" validate:"required,oneof=A AAAA CNAME MX TXT SRV PTR NS SOA"`
	Value    string     `json:"value" validate:"required"`
	TTL      int32      `json:"ttl" validate:"gte=0"`
	Priority *int32     `json:"priority,omitempty"`
	Weight   *int32     `json:"weight,omitempty"`
	Port     *int32     `json:"port,omitempty"`
}

// UpdateRecordParams updates an existing record.
type UpdateRecordParams struct {
	ID       int64
	Version  int32
	Value    string
	TTL      int32
	Priority *int32
	Weight   *int32
	Port     *int32
	IsActive bool
}
