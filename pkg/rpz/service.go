package rpz

import (
	"context"

	"github.com/meridiandns/dnsctld/internal/dnserr"
)

// Service enforces the manual-vs-feed ownership boundary (spec §3: "Feed-
// sourced rules MUST NOT be edited by manual operations") on top of Store.
type Service struct {
	store *Store
}

func NewService(store *Store) *Service { return &Service{store: store} }

func (s *Service) CreateRule(ctx context.Context, p CreateParams) (Rule, error) {
	if p.Action == ActionRedirect && p.RedirectTarget == "" {
		return Rule{}, dnserr.New(dnserr.KindInvalid, "redirect_target is required when action is redirect")
	}
	if p.Action != ActionRedirect {
		p.RedirectTarget = ""
	}
	return s.store.CreateRule(ctx, p)
}

func (s *Service) UpdateRule(ctx context.Context, p UpdateParams) (Rule, error) {
	if p.Action == ActionRedirect && p.RedirectTarget == "" {
		return Rule{}, dnserr.New(dnserr.KindInvalid, "redirect_target is required when action is redirect")
	}
	return s.store.UpdateRule(ctx, p)
}

func (s *Service) DeleteRule(ctx context.Context, id int64) error {
	return s.store.DeleteRule(ctx, id)
}

func (s *Service) GetRule(ctx context.Context, id int64) (Rule, error) { return s.store.GetRule(ctx, id) }

func (s *Service) ListRules(ctx context.Context, f ListFilter) ([]Rule, error) {
	return s.store.ListRules(ctx, f)
}

func (s *Service) ActiveRules(ctx context.Context) ([]Rule, error) { return s.store.ActiveRules(ctx) }

// Diff is the reconciliation result of comparing a feed's current body
// against the feed-owned rules already in the store (spec §4.6).
type Diff struct {
	ToInsert []FeedRule
	ToDelete []Rule
	Unchanged int
}

// ComputeDiff dedups incoming rules by (rpz_zone, domain) (P5) and compares
// them against the feed's existing owned rule set, producing an insert/
// delete plan. It never mutates the store.
func ComputeDiff(existing []Rule, incoming []FeedRule) Diff {
	seen := make(map[string]FeedRule, len(incoming))
	for _, r := range incoming {
		key := r.RPZZone + "\x00" + r.Domain
		seen[key] = r // last one wins on duplicate within the same fetch
	}

	existingByKey := make(map[string]Rule, len(existing))
	for _, r := range existing {
		existingByKey[r.RPZZone+"\x00"+r.Domain] = r
	}

	var d Diff
	for key, r := range seen {
		if _, ok := existingByKey[key]; ok {
			d.Unchanged++
			continue
		}
		d.ToInsert = append(d.ToInsert, r)
	}
	for key, r := range existingByKey {
		if _, ok := seen[key]; !ok {
			d.ToDelete = append(d.ToDelete, r)
		}
	}
	return d
}

// BulkApply applies a Diff for a specific feed's owned rule set: inserts new
// rules via COPY and removes rules no longer present in the feed body
// (spec §4.1, §4.6). Pre-existing rows outside this diff are untouched (P5:
// `source` unchanged for pre-existing rows).
func (s *Service) BulkApply(ctx context.Context, source Source, diff Diff) (inserted int64, deleted int, err error) {
	inserted, err = s.store.BulkInsert(ctx, diff.ToInsert, source)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range diff.ToDelete {
		if err := s.store.DeleteFeedRule(ctx, r.RPZZone, r.Domain, source); err != nil {
			return inserted, deleted, err
		}
		deleted++
	}
	return inserted, deleted, nil
}

// ResolveCollisions picks one winning rule per domain when the same domain
// appears in more than one active rpz_zone, per the deterministic policy
// recorded for this ambiguity: manual source always outranks feed source;
// among same-provenance collisions, the lexicographically lowest rpz_zone
// wins. Used by the renderer (C2) immediately before writing rpz/<zone>
// files.
func ResolveCollisions(rules []Rule) []Rule {
	byDomain := make(map[string]Rule, len(rules))
	for _, r := range rules {
		cur, ok := byDomain[r.Domain]
		if !ok {
			byDomain[r.Domain] = r
			continue
		}
		if winnerOf(cur, r) == r {
			byDomain[r.Domain] = r
		}
	}
	out := make([]Rule, 0, len(byDomain))
	for _, r := range byDomain {
		out = append(out, r)
	}
	return out
}

func winnerOf(a, b Rule) Rule {
	aManual := !a.Source.IsFeedSourced()
	bManual := !b.Source.IsFeedSourced()
	if aManual != bManual {
		if aManual {
			return a
		}
		return b
	}
	if a.RPZZone <= b.RPZZone {
		return a
	}
	return b
}
