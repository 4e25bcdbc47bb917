package dnsservice

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridiandns/dnsctld/internal/db"
	"github.com/meridiandns/dnsctld/pkg/bindctl"
	"github.com/meridiandns/dnsctld/pkg/eventbus"
	"github.com/meridiandns/dnsctld/pkg/rpz"
)

// CreateRPZRule persists a new manual RPZ rule and deploys.
func (s *Service) CreateRPZRule(ctx context.Context, actor string, p rpz.CreateParams) (rpz.Rule, bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var r rpz.Rule
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var txErr error
		r, txErr = rpz.NewService(rpz.NewStore(tx)).CreateRule(ctx, p)
		return txErr
	})
	if err != nil {
		return rpz.Rule{}, bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(r.ID, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "create_rpz_rule", "rpz_rule", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		s.compensate(ctx, actor, "create_rpz_rule", "rpz_rule", targetID, func(tx pgx.Tx) error {
			return rpz.NewStore(tx).DeleteRule(ctx, r.ID)
		})
		return r, result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventRPZRuleCreated, Data: map[string]any{"rule_id": r.ID, "domain": r.Domain}, TS: time.Now()})
	return r, result, nil
}

// UpdateRPZRule updates a manual RPZ rule and deploys. The store layer
// rejects an attempt to touch a feed-owned rule (spec §3) before this ever
// gets here.
func (s *Service) UpdateRPZRule(ctx context.Context, actor string, p rpz.UpdateParams) (rpz.Rule, bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var prior, updated rpz.Rule
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		store := rpz.NewStore(tx)
		var txErr error
		prior, txErr = store.GetRule(ctx, p.ID)
		if txErr != nil {
			return txErr
		}
		updated, txErr = rpz.NewService(store).UpdateRule(ctx, p)
		return txErr
	})
	if err != nil {
		return rpz.Rule{}, bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(updated.ID, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "update_rpz_rule", "rpz_rule", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		revert := rpz.UpdateParams{ID: updated.ID, Action: prior.Action, RedirectTarget: prior.RedirectTarget, Category: prior.Category, IsActive: prior.IsActive}
		s.compensate(ctx, actor, "update_rpz_rule", "rpz_rule", targetID, func(tx pgx.Tx) error {
			_, txErr := rpz.NewStore(tx).UpdateRule(ctx, revert)
			return txErr
		})
		return updated, result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventRPZRuleUpdated, Data: map[string]any{"rule_id": updated.ID}, TS: time.Now()})
	return updated, result, nil
}

// DeleteRPZRule removes a manual RPZ rule and deploys.
func (s *Service) DeleteRPZRule(ctx context.Context, actor string, id int64) (bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)

	var prior rpz.Rule
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		store := rpz.NewStore(tx)
		var txErr error
		prior, txErr = store.GetRule(ctx, id)
		if txErr != nil {
			return txErr
		}
		return store.DeleteRule(ctx, id)
	})
	if err != nil {
		return bindctl.DeployResult{}, err
	}

	targetID := strconv.FormatInt(id, 10)
	result, deployErr := s.deployAndAudit(ctx, actor, "delete_rpz_rule", "rpz_rule", targetID, beforeHash)
	if isDeployRejection(result, deployErr) {
		s.compensate(ctx, actor, "delete_rpz_rule", "rpz_rule", targetID, func(tx pgx.Tx) error {
			return restoreRule(ctx, tx, prior)
		})
		return result, rejectionError(result, deployErr)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventRPZRuleDeleted, Data: map[string]any{"rule_id": id}, TS: time.Now()})
	return result, nil
}

func restoreRule(ctx context.Context, tx pgx.Tx, r rpz.Rule) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO rpz_rules (id, domain, rpz_zone, action, redirect_target, category, source, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Domain, r.RPZZone, r.Action, r.RedirectTarget, r.Category, r.Source, r.IsActive, r.CreatedAt)
	return err
}

// ReloadAll forces a re-render and deploy of the entire model, relying on
// Deploy's own no_change short circuit when nothing has actually drifted.
func (s *Service) ReloadAll(ctx context.Context, actor string) (bindctl.DeployResult, error) {
	beforeHash := s.currentHash(ctx)
	return s.deployAndAudit(ctx, actor, "reload_all", "system", "", beforeHash)
}
