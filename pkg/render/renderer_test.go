package render

import (
	"bytes"
	"testing"

	"github.com/meridiandns/dnsctld/pkg/zone"
)

func testSnapshot() Snapshot {
	z := zone.Zone{
		ID: 1, Name: "example.com", Type: zone.TypeMaster, Email: "hostmaster.example.com",
		Serial: 2026073000, Refresh: 3600, Retry: 900, Expire: 604800, Minimum: 300, IsActive: true,
	}
	records := []zone.Record{
		{ZoneID: 1, Name: "www", Type: zone.RecordA, Value: "192.0.2.1", TTL: 300, IsActive: true},
		{ZoneID: 1, Name: "mail", Type: zone.RecordA, Value: "192.0.2.2", TTL: 300, IsActive: true},
	}
	return Snapshot{
		Zones:         []zone.Zone{z},
		RecordsByZone: map[int64][]zone.Record{1: records},
	}
}

func testConfig() Config {
	return Config{ZonesDir: "/etc/bind/zones", RPZDir: "/etc/bind/rpz"}
}

func TestRender_Deterministic(t *testing.T) {
	snap := testSnapshot()
	cfg := testConfig()

	a, err := Render(snap, cfg)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	b, err := Render(snap, cfg)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if len(a) != len(b) {
		t.Fatalf("len(a)=%d, len(b)=%d", len(a), len(b))
	}
	for path, content := range a {
		if !bytes.Equal(content, b[path]) {
			t.Errorf("path %s differs between two renders of the same snapshot", path)
		}
	}
}

func TestRender_CNAMEExclusionRecheckedAtRenderTime(t *testing.T) {
	snap := testSnapshot()
	snap.RecordsByZone[1] = append(snap.RecordsByZone[1],
		zone.Record{ZoneID: 1, Name: "www", Type: zone.RecordCNAME, Value: "other.example.", TTL: 300, IsActive: true})

	_, err := Render(snap, testConfig())
	if err == nil {
		t.Fatal("expected a render error for a name carrying both A and CNAME records")
	}
	if !isInvariantViolation(err) {
		t.Errorf("expected invariant_violation kind, got %v", err)
	}
}

func TestRender_InactiveZonesOmitted(t *testing.T) {
	snap := testSnapshot()
	snap.Zones[0].IsActive = false

	files, err := Render(snap, testConfig())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(files["/etc/bind/zones.conf"]) != 0 {
		t.Error("inactive zone should produce no entry in zones.conf")
	}
	if _, ok := files["/etc/bind/zones/db.example.com"]; ok {
		t.Error("inactive zone should produce no zone file")
	}
}

func isInvariantViolation(err error) bool {
	re, ok := err.(*RenderError)
	return ok && re.Kind == RenderErrorInvariantViolation
}

func TestRender_NamedConfIncludesZonesConfExactlyOnce(t *testing.T) {
	files, err := Render(testSnapshot(), testConfig())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	namedConf, ok := files[NamedConfPath]
	if !ok {
		t.Fatal("Render() did not produce a named.conf entry")
	}

	needle := []byte(`include "` + ZonesConfPath + `";`)
	if n := bytes.Count(namedConf, needle); n != 1 {
		t.Errorf("named.conf includes zones.conf %d times, want exactly 1", n)
	}
}
