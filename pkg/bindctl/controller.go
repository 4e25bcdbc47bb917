// Package bindctl implements the BIND controller (C3): the single-writer
// staging/validate/swap/reload pipeline that turns rendered config files
// into a running, consistent BIND9 instance (spec §4.3).
package bindctl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridiandns/dnsctld/internal/dnserr"
	"github.com/meridiandns/dnsctld/internal/telemetry"
	"github.com/meridiandns/dnsctld/pkg/render"
)

// Outcome is the terminal state of one Deploy call (spec §4.3 step 7/8).
type Outcome string

const (
	OutcomeNoChange   Outcome = "no_change"
	OutcomeReloaded   Outcome = "reloaded"
	OutcomeRestarted  Outcome = "restarted"
	OutcomeRolledBack Outcome = "rolled_back"
)

// DeployResult is what a Deploy call returns to its caller.
type DeployResult struct {
	Outcome      Outcome
	SnapshotID   string
	ContentHash  string
	Detail       string
}

// SnapshotStore is the subset of the audit/snapshot component (C9) the
// controller needs: it owns the snapshot directory, the controller merely
// asks it to capture "what the tree looked like right now" before a swap.
type SnapshotStore interface {
	Snapshot(ctx context.Context, configDir, sourceAction, rendererHash string) (snapshotID string, err error)
	Restore(ctx context.Context, snapshotID, configDir string) error
}

// Config is everything the controller needs to know about the BIND
// installation it drives (spec §6 config tree, config keys).
type Config struct {
	ConfigDir       string // /etc/bind
	ServiceName     string
	CheckconfBin    string
	CheckzoneBin    string
	RndcBin         string
	ReloadTimeout   time.Duration
	RestartTimeout  time.Duration
	CoalesceMaxWait time.Duration
	LockTTL         time.Duration
}

// Controller is the single writer of the BIND config tree. Deploy calls are
// serialized through an internal queue that coalesces concurrent requests
// down to the latest one while still resolving every caller (spec §4.3:
// "coalesces queued deploys by keeping only the latest pending request").
type Controller struct {
	cfg      Config
	snapshots SnapshotStore
	redis    *redis.Client
	logger   *slog.Logger

	// runCommand is overridable in tests so the validate/reload pipeline can
	// be exercised without real named-checkconf/rndc binaries on the host.
	runCommand func(ctx context.Context, bin string, args ...string) error

	mu        sync.Mutex
	queue     []*pendingDeploy
	draining  bool
}

type pendingDeploy struct {
	files    render.Files
	reason   string
	queuedAt time.Time
	resultCh chan deployOutcome
}

type deployOutcome struct {
	result DeployResult
	err    error
}

// NewController creates a Controller.
func NewController(cfg Config, snapshots SnapshotStore, redisClient *redis.Client, logger *slog.Logger) *Controller {
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = 10 * time.Second
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 30 * time.Second
	}
	if cfg.CoalesceMaxWait <= 0 {
		cfg.CoalesceMaxWait = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Controller{cfg: cfg, snapshots: snapshots, redis: redisClient, logger: logger, runCommand: runCommand}
}

// Deploy stages files, validates them, and swaps them into the live BIND
// config tree, reloading (or restarting, or rolling back) BIND9 as needed
// (spec §4.3). Concurrent callers are coalesced: a caller whose request is
// superseded by a later one still receives that later deploy's result.
func (c *Controller) Deploy(ctx context.Context, files render.Files, reason string) (DeployResult, error) {
	pd := &pendingDeploy{files: files, reason: reason, queuedAt: time.Now(), resultCh: make(chan deployOutcome, 1)}

	c.mu.Lock()
	c.queue = append(c.queue, pd)
	if !c.draining {
		c.draining = true
		go c.drain()
	}
	c.mu.Unlock()

	select {
	case out := <-pd.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return DeployResult{}, ctx.Err()
	}
}

func (c *Controller) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		latest := batch[len(batch)-1]
		result, err := c.deployOnce(context.Background(), latest.files, latest.reason)
		out := deployOutcome{result: result, err: err}
		for _, pd := range batch {
			pd.resultCh <- out
		}
	}
}

const deployLockKey = "dnsctld:deploy_lock"

func (c *Controller) acquireLock(ctx context.Context) (func(), error) {
	if c.redis == nil {
		return func() {}, nil
	}
	ok, err := c.redis.SetNX(ctx, deployLockKey, 1, c.cfg.LockTTL).Result()
	if err != nil {
		return nil, dnserr.Wrap(dnserr.KindDeployFailed, "acquiring deploy lock", err)
	}
	if !ok {
		return nil, dnserr.New(dnserr.KindDeployFailed, "deploy already in progress on another instance")
	}
	return func() { c.redis.Del(ctx, deployLockKey) }, nil
}

// deployOnce runs the full algorithm for a single coalesced batch (spec
// §4.3 steps 1-8).
func (c *Controller) deployOnce(ctx context.Context, files render.Files, reason string) (DeployResult, error) {
	start := time.Now()
	result, err := c.deployOnceInner(ctx, files, reason)
	telemetry.DeployDuration.Observe(time.Since(start).Seconds())
	outcome := result.Outcome
	if err != nil && outcome == "" {
		outcome = "error"
	}
	telemetry.DeploysTotal.WithLabelValues(string(outcome)).Inc()
	return result, err
}

func (c *Controller) deployOnceInner(ctx context.Context, files render.Files, reason string) (DeployResult, error) {
	release, err := c.acquireLock(ctx)
	if err != nil {
		return DeployResult{}, err
	}
	defer release()

	hash := ContentHash(files)

	current, err := readCurrentTree(c.cfg.ConfigDir, files)
	if err == nil && ContentHash(current) == hash {
		return DeployResult{Outcome: OutcomeNoChange, ContentHash: hash}, nil
	}

	snapshotID, err := c.snapshots.Snapshot(ctx, c.cfg.ConfigDir, reason, hash)
	if err != nil {
		return DeployResult{}, dnserr.Wrap(dnserr.KindDeployFailed, "snapshotting current config tree", err)
	}

	stagingDir, err := stageFiles(c.cfg.ConfigDir, files)
	if err != nil {
		return DeployResult{}, dnserr.Wrap(dnserr.KindDeployFailed, "staging rendered config", err)
	}
	defer os.RemoveAll(stagingDir)

	if err := c.validate(ctx, stagingDir, files); err != nil {
		return DeployResult{Outcome: "", SnapshotID: snapshotID}, dnserr.Wrap(dnserr.KindDeployFailed, "validating staged config", err)
	}

	if err := swapIntoPlace(stagingDir, c.cfg.ConfigDir); err != nil {
		return DeployResult{}, dnserr.Wrap(dnserr.KindDeployFailed, "swapping staged config into place", err)
	}

	outcome, reloadErr := c.reloadOrRestart(ctx)
	if reloadErr != nil {
		c.logger.Error("bind reload/restart failed, rolling back", "error", reloadErr)
		if err := c.snapshots.Restore(ctx, snapshotID, c.cfg.ConfigDir); err != nil {
			return DeployResult{}, dnserr.Wrap(dnserr.KindDeployFailed, "rollback restore failed after reload failure", err)
		}
		_, _ = c.reloadOrRestart(ctx)
		return DeployResult{Outcome: OutcomeRolledBack, SnapshotID: snapshotID, ContentHash: hash, Detail: reloadErr.Error()}, nil
	}

	return DeployResult{Outcome: outcome, SnapshotID: snapshotID, ContentHash: hash}, nil
}

func (c *Controller) validate(ctx context.Context, stagingDir string, files render.Files) error {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.ReloadTimeout)
	defer cancel()

	namedConf := filepath.Join(stagingDir, "named.conf")

	if err := validateSingleInclude(namedConf); err != nil {
		return err
	}

	if err := c.runCommand(cctx, c.cfg.CheckconfBin, namedConf); err != nil {
		return fmt.Errorf("checkconf: %w", err)
	}

	for path := range files {
		if !isZoneFile(path) {
			continue
		}
		zoneName := zoneNameFromPath(path)
		stagedPath := filepath.Join(stagingDir, relativeTo(c.cfg.ConfigDir, path))
		if err := c.runCommand(cctx, c.cfg.CheckzoneBin, zoneName, stagedPath); err != nil {
			return fmt.Errorf("checkzone %s: %w", zoneName, err)
		}
	}
	return nil
}

// zonesConfInclude is the literal line render.go writes into named.conf's
// managed section for zones.conf.
var zonesConfInclude = []byte(`include "` + render.ZonesConfPath + `";`)

// validateSingleInclude enforces spec §6's named.conf hard invariant: the
// zones.conf include must appear exactly once. A duplicate silently
// double-loads every zone at BIND startup, so this is checked before ever
// shelling out to checkconf rather than left for named to catch.
func validateSingleInclude(namedConfPath string) error {
	content, err := os.ReadFile(namedConfPath)
	if err != nil {
		return fmt.Errorf("reading staged named.conf: %w", err)
	}
	if n := bytes.Count(content, zonesConfInclude); n != 1 {
		return fmt.Errorf("named.conf must include %q exactly once, found %d", render.ZonesConfPath, n)
	}
	return nil
}

func (c *Controller) reloadOrRestart(ctx context.Context) (Outcome, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReloadTimeout)
	defer cancel()
	if err := c.runCommand(rctx, c.cfg.RndcBin, "reload"); err == nil {
		return OutcomeReloaded, nil
	}

	sctx, cancel2 := context.WithTimeout(ctx, c.cfg.RestartTimeout)
	defer cancel2()
	if err := c.runCommand(sctx, "systemctl", "restart", c.cfg.ServiceName); err != nil {
		return "", fmt.Errorf("restart failed: %w", err)
	}
	return OutcomeRestarted, nil
}

func runCommand(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", bin, err, stderr.String())
	}
	return nil
}

// ContentHash is a deterministic digest over a Files set, used for the
// no_change short-circuit (spec §4.3 step 2) and for ConfigSnapshot IDs.
func ContentHash(files render.Files) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write(files[p])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
