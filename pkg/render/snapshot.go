// Package render implements the pure, deterministic model-to-BIND-config
// renderer (C2): given a Snapshot, it produces the exact file set the BIND
// controller (C3) stages and validates (spec §4.2).
package render

import (
	"github.com/meridiandns/dnsctld/pkg/forwarder"
	"github.com/meridiandns/dnsctld/pkg/rpz"
	"github.com/meridiandns/dnsctld/pkg/zone"
)

// Snapshot is the complete model state the renderer needs. It carries no
// database handle: Render is a pure function of this value.
type Snapshot struct {
	Zones          []zone.Zone
	RecordsByZone  map[int64][]zone.Record
	Forwarders     []forwarder.Forwarder
	RPZRules       []rpz.Rule
}

// Files maps an absolute BIND config-tree path to its rendered bytes.
type Files map[string][]byte

// RenderErrorKind classifies a render failure (spec §4.2).
type RenderErrorKind string

const (
	RenderErrorInvariantViolation RenderErrorKind = "invariant_violation"
	RenderErrorUnsupportedRecord  RenderErrorKind = "unsupported_record"
)

// RenderError is returned instead of any partial output; the renderer never
// writes to disk itself, so a RenderError simply means Render produced
// nothing for the caller to stage.
type RenderError struct {
	Kind   RenderErrorKind
	Detail string
}

func (e *RenderError) Error() string {
	return string(e.Kind) + ": " + e.Detail
}
