package zone

import (
	"context"
	"fmt"

	"github.com/meridiandns/dnsctld/internal/dnserr"
)

// Service enforces the Zone/Record aggregate invariants (spec §3, §4.1) on
// top of the bare Store CRUD operations. It does not touch rendering or
// deployment; those belong to the DNS Service orchestrator (C4) that calls
// through this type as its Store layer for zones and records.
type Service struct {
	store *Store
}

// NewService wraps a Store with invariant enforcement.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// CreateZone validates the zone-type topology rules (slave requires at
// least one master, forward requires at least one forwarder target) before
// delegating to the store.
func (s *Service) CreateZone(ctx context.Context, p CreateParams) (Zone, error) {
	if err := validateTopology(p.Type, p.Masters, p.Forwarders); err != nil {
		return Zone{}, err
	}
	return s.store.CreateZone(ctx, p)
}

// UpdateZone re-checks topology against the zone's existing type, since type
// itself is immutable after creation (spec §3 Non-goals).
func (s *Service) UpdateZone(ctx context.Context, p UpdateParams) (Zone, error) {
	existing, err := s.store.GetZone(ctx, p.ID)
	if err != nil {
		return Zone{}, err
	}
	if err := validateTopology(existing.Type, p.Masters, p.Forwarders); err != nil {
		return Zone{}, err
	}
	return s.store.UpdateZone(ctx, p)
}

func validateTopology(t Type, masters, forwarders []string) error {
	switch t {
	case TypeSlave:
		if len(masters) == 0 {
			return dnserr.New(dnserr.KindInvalid, "slave zone requires at least one master")
		}
	case TypeForward:
		if len(forwarders) == 0 {
			return dnserr.New(dnserr.KindInvalid, "forward zone requires at least one forwarder")
		}
	case TypeMaster:
		// no additional topology constraints
	default:
		return dnserr.New(dnserr.KindInvalid, "unknown zone type")
	}
	return nil
}

func (s *Service) ToggleZone(ctx context.Context, id int64, active bool) (Zone, error) {
	return s.store.ToggleZone(ctx, id, active)
}

func (s *Service) GetZone(ctx context.Context, id int64) (Zone, error) { return s.store.GetZone(ctx, id) }

func (s *Service) ListZones(ctx context.Context, f ListFilter) ([]Zone, error) {
	return s.store.ListZones(ctx, f)
}

func (s *Service) DeleteZone(ctx context.Context, id int64) error { return s.store.DeleteZone(ctx, id) }

// CreateRecord enforces: (1) records may only be added to master zones
// (slave/forward zones have no locally-owned data, spec §3); (2) CNAME
// exclusion — a name with a CNAME record may carry no other record, and a
// name with any other record may carry no CNAME (spec §4.1, P4); (3) no
// duplicate (name, type, value) triple (DB unique constraint is the final
// backstop, this check gives a typed error instead of a raw conflict).
func (s *Service) CreateRecord(ctx context.Context, p CreateRecordParams) (Record, error) {
	z, err := s.store.GetZone(ctx, p.ZoneID)
	if err != nil {
		return Record{}, err
	}
	if z.Type != TypeMaster {
		return Record{}, dnserr.New(dnserr.KindInvalid, "records may only be added to master zones")
	}

	existing, err := s.store.RecordsAtName(ctx, p.ZoneID, p.Name)
	if err != nil {
		return Record{}, err
	}
	if err := checkCNAMEExclusion(existing, p.Type, p.Value); err != nil {
		return Record{}, err
	}

	return s.store.CreateRecord(ctx, p)
}

func checkCNAMEExclusion(existing []Record, newType RecordType, newValue string) error {
	for _, r := range existing {
		if r.Type == RecordCNAME && newType != RecordCNAME {
			return dnserr.New(dnserr.KindInvalid, "name already has a CNAME record; no other records allowed")
		}
		if newType == RecordCNAME && r.Type != RecordCNAME {
			return dnserr.New(dnserr.KindInvalid, "name has other records; CNAME not allowed")
		}
		if r.Type == newType && r.Value == newValue {
			return dnserr.New(dnserr.KindConflict, "duplicate record: same name, type, and value")
		}
	}
	return nil
}

func (s *Service) UpdateRecord(ctx context.Context, p UpdateRecordParams) (Record, error) {
	return s.store.UpdateRecord(ctx, p)
}

func (s *Service) GetRecord(ctx context.Context, id int64) (Record, error) {
	return s.store.GetRecord(ctx, id)
}

func (s *Service) DeleteRecord(ctx context.Context, id int64) error {
	return s.store.DeleteRecord(ctx, id)
}

func (s *Service) ListRecordsByZone(ctx context.Context, zoneID int64, activeOnly bool) ([]Record, error) {
	return s.store.ListRecordsByZone(ctx, zoneID, activeOnly)
}

// ActiveAuthoritative and ActiveForward pass through to the store; they back
// the renderer's read side (C2) and carry no additional invariant.
func (s *Service) ActiveAuthoritative(ctx context.Context) ([]Zone, error) {
	return s.store.ActiveAuthoritative(ctx)
}

func (s *Service) ActiveForward(ctx context.Context) ([]Zone, error) {
	return s.store.ActiveForward(ctx)
}

// BumpSerial advances a master zone's SOA serial after checking that the
// zone is a master zone (spec §4.2, P3 serial monotonicity). The DNS Service
// orchestrator does not go through this method: it calls Store.BumpSerial
// directly inside its own transaction.
func (s *Service) BumpSerial(ctx context.Context, id int64, today int32) (uint32, error) {
	z, err := s.store.GetZone(ctx, id)
	if err != nil {
		return 0, err
	}
	if z.Type != TypeMaster {
		return 0, dnserr.New(dnserr.KindInvalid, fmt.Sprintf("zone %d is not a master zone, has no serial to bump", id))
	}
	return s.store.BumpSerial(ctx, id, today)
}
