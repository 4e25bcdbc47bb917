package forwarder

import (
	"testing"
	"time"
)

func TestProbeServer_ConnectionRefusedIsNotOK(t *testing.T) {
	// Port 1 on loopback has no DNS listener; this exercises the
	// error path without requiring a live DNS server in the test environment.
	result := Probe("127.0.0.1", 1, 200*time.Millisecond)
	if result.OK {
		t.Error("expected probe against an unreachable server to fail")
	}
	if result.Error == "" {
		t.Error("expected a non-empty error message on probe failure")
	}
	if result.IP != "127.0.0.1" {
		t.Errorf("IP = %q, want 127.0.0.1", result.IP)
	}
}

func TestProbeName_IsFQDN(t *testing.T) {
	if ProbeName[len(ProbeName)-1] != '.' {
		t.Errorf("ProbeName %q must be a fully-qualified name", ProbeName)
	}
}
