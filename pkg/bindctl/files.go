package bindctl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meridiandns/dnsctld/pkg/render"
)

// stageFiles builds a full mirror of configDir in a fresh directory next to
// it (same filesystem, so the later swap can be a rename), then overlays the
// changed files on top. named.conf and any other file outside the changed
// set still needs to be present for checkconf to resolve its includes, so a
// partial staging tree is not enough (spec §4.3 step 4).
func stageFiles(configDir string, files render.Files) (string, error) {
	parent := filepath.Dir(configDir)
	staging, err := os.MkdirTemp(parent, ".dnsctld-staging-")
	if err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}

	if err := mirrorTree(configDir, staging); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("mirroring current tree: %w", err)
	}

	for path, content := range files {
		rel := relativeTo(configDir, path)
		dst := filepath.Join(staging, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			os.RemoveAll(staging)
			return "", fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			os.RemoveAll(staging)
			return "", fmt.Errorf("writing %s: %w", dst, err)
		}
	}
	return staging, nil
}

// mirrorTree copies src into an already-existing dst directory. A missing
// src (first deploy on a fresh host) just means there's nothing to mirror.
func mirrorTree(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, content, 0o644)
	})
}

// swapIntoPlace replaces the live config tree with the staged one:
// configDir is renamed aside, staging takes its place, and the aside copy
// is discarded. Each rename is atomic on its own, and both directories
// share a filesystem by construction (stageFiles creates staging next to
// configDir), but the swap as a whole is not: between the two renames
// configDir briefly does not exist.
func swapIntoPlace(stagingDir, configDir string) error {
	prev := configDir + ".prev"
	os.RemoveAll(prev)

	if _, err := os.Stat(configDir); err == nil {
		if err := os.Rename(configDir, prev); err != nil {
			return fmt.Errorf("renaming live tree aside: %w", err)
		}
	}

	if err := os.Rename(stagingDir, configDir); err != nil {
		if _, statErr := os.Stat(prev); statErr == nil {
			os.Rename(prev, configDir)
		}
		return fmt.Errorf("renaming staged tree into place: %w", err)
	}

	os.RemoveAll(prev)
	return nil
}

// readCurrentTree reads back the live files at the same paths files
// describes, so deployOnce can hash-compare against what's already on disk
// (spec §4.3 step 2). A missing file just means "definitely different" and
// is not an error worth failing the deploy over.
func readCurrentTree(configDir string, files render.Files) (render.Files, error) {
	current := make(render.Files, len(files))
	for path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				current[path] = nil
				continue
			}
			return nil, err
		}
		current[path] = content
	}
	return current, nil
}

func relativeTo(configDir, path string) string {
	rel, err := filepath.Rel(configDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return strings.TrimPrefix(path, "/")
	}
	return rel
}

func isZoneFile(path string) bool {
	return strings.Contains(filepath.Base(path), "db.")
}

// zoneNameFromPath extracts the zone name from a rendered db.<zone> path,
// e.g. "/etc/bind/zones/db.example.com" -> "example.com".
func zoneNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimPrefix(base, "db.")
}
