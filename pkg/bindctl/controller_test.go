package bindctl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/meridiandns/dnsctld/pkg/render"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSnapshots struct {
	snapshotCalls int
	restoreCalls  int
	restoreErr    error
}

func (f *fakeSnapshots) Snapshot(ctx context.Context, configDir, reason, rendererHash string) (string, error) {
	f.snapshotCalls++
	return "snap-1", nil
}

func (f *fakeSnapshots) Restore(ctx context.Context, snapshotID, configDir string) error {
	f.restoreCalls++
	return f.restoreErr
}

func newTestController(t *testing.T, configDir string, snapshots SnapshotStore, runCmd func(context.Context, string, ...string) error) *Controller {
	t.Helper()
	c := NewController(Config{ConfigDir: configDir, ServiceName: "bind9", CheckconfBin: "named-checkconf", RndcBin: "rndc"}, snapshots, nil, testLogger())
	c.runCommand = runCmd
	return c
}

func TestDeploy_NoChangeShortCircuits(t *testing.T) {
	configDir := t.TempDir()
	abs := filepath.Join(configDir, "zones.conf")
	files := render.Files{abs: []byte("zone example.com {}\n")}
	if err := os.WriteFile(abs, files[abs], 0o644); err != nil {
		t.Fatal(err)
	}

	snaps := &fakeSnapshots{}
	calls := 0
	c := NewController(Config{ConfigDir: configDir, ServiceName: "bind9"}, snaps, nil, testLogger())
	c.runCommand = func(ctx context.Context, bin string, args ...string) error {
		calls++
		return nil
	}

	result, err := c.Deploy(context.Background(), files, "test")
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if result.Outcome != OutcomeNoChange {
		t.Errorf("Outcome = %v, want no_change", result.Outcome)
	}
	if snaps.snapshotCalls != 0 {
		t.Error("no_change path should never snapshot")
	}
	if calls != 0 {
		t.Error("no_change path should never invoke checkconf/rndc")
	}
}

func TestDeploy_SuccessfulReload(t *testing.T) {
	configDir := t.TempDir()
	abs := filepath.Join(configDir, "named.conf")
	files := render.Files{abs: []byte("options {};\ninclude \"" + render.ZonesConfPath + "\";\n")}

	snaps := &fakeSnapshots{}
	var ran []string
	c := newTestController(t, configDir, snaps, func(ctx context.Context, bin string, args ...string) error {
		ran = append(ran, bin)
		return nil
	})

	result, err := c.Deploy(context.Background(), files, "test")
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if result.Outcome != OutcomeReloaded {
		t.Errorf("Outcome = %v, want reloaded", result.Outcome)
	}
	if snaps.snapshotCalls != 1 {
		t.Errorf("snapshotCalls = %d, want 1", snaps.snapshotCalls)
	}
	want := "options {};\ninclude \"" + render.ZonesConfPath + "\";\n"
	if got, err := os.ReadFile(abs); err != nil || string(got) != want {
		t.Errorf("staged file not swapped into place: %v, %q", err, got)
	}
}

func TestDeploy_ReloadAndRestartFailRollsBack(t *testing.T) {
	configDir := t.TempDir()
	abs := filepath.Join(configDir, "named.conf")
	files := render.Files{abs: []byte("options {};\ninclude \"" + render.ZonesConfPath + "\";\n")}

	snaps := &fakeSnapshots{}
	c := newTestController(t, configDir, snaps, func(ctx context.Context, bin string, args ...string) error {
		if bin == "named-checkconf" {
			return nil
		}
		return errors.New("boom")
	})

	result, err := c.Deploy(context.Background(), files, "test")
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if result.Outcome != OutcomeRolledBack {
		t.Errorf("Outcome = %v, want rolled_back", result.Outcome)
	}
	if snaps.restoreCalls != 1 {
		t.Errorf("restoreCalls = %d, want 1", snaps.restoreCalls)
	}
}

func TestDeploy_ValidationFailureDiscardsStaging(t *testing.T) {
	configDir := t.TempDir()
	abs := filepath.Join(configDir, "named.conf")
	files := render.Files{abs: []byte("options {};\ninclude \"" + render.ZonesConfPath + "\";\n")}

	snaps := &fakeSnapshots{}
	c := newTestController(t, configDir, snaps, func(ctx context.Context, bin string, args ...string) error {
		return errors.New("syntax error")
	})

	_, err := c.Deploy(context.Background(), files, "test")
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if _, statErr := os.Stat(abs); statErr == nil {
		t.Error("file should not have been swapped into place after a failed validation")
	}
}

func TestDeploy_DuplicateIncludeRejectedBeforeCheckconf(t *testing.T) {
	configDir := t.TempDir()
	abs := filepath.Join(configDir, "named.conf")
	dup := "include \"" + render.ZonesConfPath + "\";\n"
	files := render.Files{abs: []byte("options {};\n" + dup + dup)}

	snaps := &fakeSnapshots{}
	var checkconfCalls int
	c := newTestController(t, configDir, snaps, func(ctx context.Context, bin string, args ...string) error {
		if bin == "named-checkconf" {
			checkconfCalls++
		}
		return nil
	})

	_, err := c.Deploy(context.Background(), files, "test")
	if err == nil {
		t.Fatal("expected an error for a duplicated zones.conf include")
	}
	if checkconfCalls != 0 {
		t.Error("checkconf should never run once the single-include invariant fails")
	}
}

func TestDeploy_MissingIncludeRejected(t *testing.T) {
	configDir := t.TempDir()
	abs := filepath.Join(configDir, "named.conf")
	files := render.Files{abs: []byte("options {};\n")}

	snaps := &fakeSnapshots{}
	c := newTestController(t, configDir, snaps, func(ctx context.Context, bin string, args ...string) error {
		return nil
	})

	_, err := c.Deploy(context.Background(), files, "test")
	if err == nil {
		t.Fatal("expected an error when named.conf is missing the zones.conf include")
	}
}

func TestContentHash_StableForEqualInput(t *testing.T) {
	a := render.Files{"/a": []byte("1"), "/b": []byte("2")}
	b := render.Files{"/b": []byte("2"), "/a": []byte("1")}
	if ContentHash(a) != ContentHash(b) {
		t.Error("ContentHash should not depend on map iteration order")
	}
}

func TestContentHash_DiffersOnContentChange(t *testing.T) {
	a := render.Files{"/a": []byte("1")}
	b := render.Files{"/a": []byte("2")}
	if ContentHash(a) == ContentHash(b) {
		t.Error("ContentHash should differ when content differs")
	}
}
