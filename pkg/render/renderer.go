package render

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/meridiandns/dnsctld/pkg/forwarder"
	"github.com/meridiandns/dnsctld/pkg/rpz"
	"github.com/meridiandns/dnsctld/pkg/zone"
)

// Config carries the BIND config-tree paths the renderer writes into; these
// come from the daemon's configuration, not the model (spec §6 config tree
// layout).
type Config struct {
	ZonesDir string // e.g. /etc/bind/zones
	RPZDir   string // e.g. /etc/bind/rpz
}

// Fixed top-level paths in the config tree (spec §6). The daemon owns
// /etc/bind/** exclusively, so these are not derived from Config.
const (
	NamedConfPath      = "/etc/bind/named.conf"
	ZonesConfPath      = "/etc/bind/zones.conf"
	ForwardersConfPath = "/etc/bind/forwarders.conf"
	RPZPolicyConfPath  = "/etc/bind/rpz-policy.conf"
)

const (
	namedConfMarkerBegin = "# BEGIN dnsctld managed section, do not edit"
	namedConfMarkerEnd   = "# END dnsctld managed section"
)

var soaTemplate = template.Must(template.New("soa").Parse(
	`$TTL {{.Minimum}}
@	IN	SOA	{{.Name}}. {{.Email}}. (
			{{.Serial}}	; serial
			{{.Refresh}}	; refresh
			{{.Retry}}	; retry
			{{.Expire}}	; expire
			{{.Minimum}} )	; minimum
`))

// Render turns a Snapshot into the complete BIND config-tree file set.
// Deterministic: equal Snapshots always produce byte-identical Files
// (spec §4.2 — this is P1, checked by snapshot-hash comparison upstream).
func Render(snap Snapshot, cfg Config) (Files, error) {
	zones := sortedZones(snap.Zones)
	forwarders := sortedForwarders(snap.Forwarders)
	rules := sortedRules(rpz.ResolveCollisions(snap.RPZRules))

	files := make(Files)

	zonesConf, err := renderZonesConf(zones, cfg)
	if err != nil {
		return nil, err
	}
	files[ZonesConfPath] = zonesConf

	files[ForwardersConfPath] = renderForwardersConf(forwarders)
	files[NamedConfPath] = renderNamedConf()

	for _, z := range zones {
		if z.Type != zone.TypeMaster || !z.IsActive {
			continue
		}
		records, err := checkedRecords(z, snap.RecordsByZone[z.ID])
		if err != nil {
			return nil, err
		}
		body, err := renderZoneFile(z, records)
		if err != nil {
			return nil, err
		}
		files[fmt.Sprintf("%s/db.%s", cfg.ZonesDir, z.Name)] = body
	}

	rpzZones := distinctActiveRPZZones(rules)
	for _, rz := range rpzZones {
		files[fmt.Sprintf("%s/db.%s", cfg.RPZDir, rz)] = renderRPZFile(rulesForZone(rules, rz))
	}
	files[RPZPolicyConfPath] = renderRPZPolicyConf(rpzZones)

	return files, nil
}

// renderNamedConf produces named.conf's managed section: the daemon owns
// /etc/bind/** exclusively (spec §5), so the whole file is generated rather
// than spliced into operator-authored content. The zones.conf include must
// appear exactly once (spec §6's single-include invariant); since this is
// the only place that include is ever written, the invariant holds by
// construction here and is re-checked defensively by the controller before
// checkconf runs.
func renderNamedConf() []byte {
	var b strings.Builder
	b.WriteString(namedConfMarkerBegin + "\n")
	fmt.Fprintf(&b, "include %q;\n", ZonesConfPath)
	fmt.Fprintf(&b, "include %q;\n", ForwardersConfPath)
	fmt.Fprintf(&b, "include %q;\n", RPZPolicyConfPath)
	b.WriteString(namedConfMarkerEnd + "\n")
	return []byte(b.String())
}

func sortedZones(zones []zone.Zone) []zone.Zone {
	out := append([]zone.Zone(nil), zones...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedForwarders(forwarders []forwarder.Forwarder) []forwarder.Forwarder {
	out := append([]forwarder.Forwarder(nil), forwarders...)
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func sortedRules(rules []rpz.Rule) []rpz.Rule {
	out := append([]rpz.Rule(nil), rules...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].RPZZone != out[j].RPZZone {
			return out[i].RPZZone < out[j].RPZZone
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}

func sortedRecords(records []zone.Record) []zone.Record {
	out := append([]zone.Record(nil), records...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// checkedRecords re-verifies CNAME exclusion at render time (spec §4.2,
// P4): a name may carry a CNAME record or any number of other records, but
// never both, regardless of what invariant checks ran at write time.
func checkedRecords(z zone.Zone, records []zone.Record) ([]zone.Record, error) {
	active := make([]zone.Record, 0, len(records))
	for _, r := range records {
		if r.IsActive {
			active = append(active, r)
		}
	}

	byName := make(map[string][]zone.Record)
	for _, r := range active {
		byName[r.Name] = append(byName[r.Name], r)
	}
	for name, rs := range byName {
		hasCNAME, hasOther := false, false
		for _, r := range rs {
			if r.Type == zone.RecordCNAME {
				hasCNAME = true
			} else {
				hasOther = true
			}
		}
		if hasCNAME && hasOther {
			return nil, &RenderError{
				Kind:   RenderErrorInvariantViolation,
				Detail: fmt.Sprintf("zone %s: name %q has both a CNAME and other records", z.Name, name),
			}
		}
	}
	return sortedRecords(active), nil
}

func renderZonesConf(zones []zone.Zone, cfg Config) ([]byte, error) {
	var b strings.Builder
	for _, z := range zones {
		if !z.IsActive {
			continue
		}
		switch z.Type {
		case zone.TypeMaster:
			fmt.Fprintf(&b, "zone \"%s\" {\n\ttype master;\n\tfile \"%s/db.%s\";\n};\n", z.Name, cfg.ZonesDir, z.Name)
		case zone.TypeSlave:
			fmt.Fprintf(&b, "zone \"%s\" {\n\ttype slave;\n\tfile \"%s/db.%s\";\n\tmasters { %s; };\n};\n",
				z.Name, cfg.ZonesDir, z.Name, strings.Join(z.Masters, "; "))
		case zone.TypeForward:
			// Forward zones have no authoritative file; they are handled
			// entirely by forwarders.conf.
		default:
			return nil, &RenderError{Kind: RenderErrorInvariantViolation, Detail: "unknown zone type " + string(z.Type)}
		}
	}
	return []byte(b.String()), nil
}

func renderForwardersConf(forwarders []forwarder.Forwarder) []byte {
	var b strings.Builder
	for _, f := range forwarders {
		if !f.IsActive {
			continue
		}
		domains := append([]string{f.Domain}, f.AdditionalDomains...)
		var servers []string
		for _, sv := range f.Servers {
			if !sv.Enabled {
				continue
			}
			servers = append(servers, fmt.Sprintf("%s port %d", sv.IP, sv.Port))
		}
		if len(servers) == 0 {
			continue
		}
		for _, d := range domains {
			fmt.Fprintf(&b, "zone \"%s\" {\n\ttype forward;\n\tforward %s;\n\tforwarders { %s; };\n};\n",
				d, string(f.ForwardPolicy), strings.Join(servers, "; "))
		}
	}
	return []byte(b.String())
}

func renderZoneFile(z zone.Zone, records []zone.Record) ([]byte, error) {
	var b strings.Builder
	if err := soaTemplate.Execute(&b, z); err != nil {
		return nil, err
	}
	b.WriteString("\tNS\t@\n")
	for _, r := range records {
		line, err := renderRecordLine(r)
		if err != nil {
			return nil, err
		}
		b.WriteString(line)
	}
	return []byte(b.String()), nil
}

func renderRecordLine(r zone.Record) (string, error) {
	switch r.Type {
	case zone.RecordA, zone.RecordAAAA, zone.RecordCNAME, zone.RecordNS, zone.RecordTXT, zone.RecordPTR:
		return fmt.Sprintf("%s\t%d\tIN\t%s\t%s\n", r.Name, r.TTL, r.Type, r.Value), nil
	case zone.RecordMX:
		priority := int32(10)
		if r.Priority != nil {
			priority = *r.Priority
		}
		return fmt.Sprintf("%s\t%d\tIN\tMX\t%d\t%s\n", r.Name, r.TTL, priority, r.Value), nil
	case zone.RecordSRV:
		var priority, weight, port int32
		if r.Priority != nil {
			priority = *r.Priority
		}
		if r.Weight != nil {
			weight = *r.Weight
		}
		if r.Port != nil {
			port = *r.Port
		}
		return fmt.Sprintf("%s\t%d\tIN\tSRV\t%d %d %d\t%s\n", r.Name, r.TTL, priority, weight, port, r.Value), nil
	default:
		return "", &RenderError{Kind: RenderErrorUnsupportedRecord, Detail: "unsupported record type " + string(r.Type)}
	}
}

func distinctActiveRPZZones(rules []rpz.Rule) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		if !seen[r.RPZZone] {
			seen[r.RPZZone] = true
			out = append(out, r.RPZZone)
		}
	}
	sort.Strings(out)
	return out
}

func rulesForZone(rules []rpz.Rule, rpzZone string) []rpz.Rule {
	var out []rpz.Rule
	for _, r := range rules {
		if r.IsActive && r.RPZZone == rpzZone {
			out = append(out, r)
		}
	}
	return out
}

func renderRPZFile(rules []rpz.Rule) []byte {
	var b strings.Builder
	for _, r := range rules {
		switch r.Action {
		case rpz.ActionBlock:
			fmt.Fprintf(&b, "%s\tCNAME\t.\n", r.Domain)
		case rpz.ActionRedirect:
			fmt.Fprintf(&b, "%s\tCNAME\t%s.\n", r.Domain, r.RedirectTarget)
		case rpz.ActionPassthru:
			fmt.Fprintf(&b, "%s\tCNAME\trpz-passthru.\n", r.Domain)
		}
	}
	return []byte(b.String())
}

func renderRPZPolicyConf(rpzZones []string) []byte {
	var b strings.Builder
	b.WriteString("response-policy {\n")
	for _, z := range rpzZones {
		fmt.Fprintf(&b, "\tzone \"%s\";\n", z)
	}
	b.WriteString("} qname-wait-recurse no;\n")
	return []byte(b.String())
}
