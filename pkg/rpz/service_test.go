package rpz

import "testing"

func TestComputeDiff_DedupsIncomingByRPZZoneAndDomain(t *testing.T) {
	incoming := []FeedRule{
		{Domain: "evil.test", RPZZone: "phish-list", Action: ActionBlock},
		{Domain: "evil.test", RPZZone: "phish-list", Action: ActionBlock},
		{Domain: "bad.test", RPZZone: "phish-list", Action: ActionBlock},
	}
	diff := ComputeDiff(nil, incoming)
	if len(diff.ToInsert) != 2 {
		t.Fatalf("ToInsert = %d, want 2 after dedup", len(diff.ToInsert))
	}
}

func TestComputeDiff_UnchangedRowsNotReinserted(t *testing.T) {
	existing := []Rule{{Domain: "evil.test", RPZZone: "phish-list", Source: FeedSource(1)}}
	incoming := []FeedRule{{Domain: "evil.test", RPZZone: "phish-list", Action: ActionBlock}}
	diff := ComputeDiff(existing, incoming)
	if len(diff.ToInsert) != 0 {
		t.Errorf("ToInsert = %d, want 0 for an already-present rule", len(diff.ToInsert))
	}
	if diff.Unchanged != 1 {
		t.Errorf("Unchanged = %d, want 1", diff.Unchanged)
	}
}

func TestComputeDiff_StaleRowsMarkedForDeletion(t *testing.T) {
	existing := []Rule{{Domain: "gone.test", RPZZone: "phish-list", Source: FeedSource(1)}}
	diff := ComputeDiff(existing, nil)
	if len(diff.ToDelete) != 1 {
		t.Fatalf("ToDelete = %d, want 1", len(diff.ToDelete))
	}
	if diff.ToDelete[0].Domain != "gone.test" {
		t.Errorf("ToDelete[0].Domain = %q, want gone.test", diff.ToDelete[0].Domain)
	}
}

func TestResolveCollisions_ManualBeatsFeed(t *testing.T) {
	rules := []Rule{
		{Domain: "evil.test", RPZZone: "feed-zone", Source: FeedSource(1)},
		{Domain: "evil.test", RPZZone: "manual-zone", Source: SourceManual},
	}
	out := ResolveCollisions(rules)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].Source != SourceManual {
		t.Errorf("winner source = %q, want manual", out[0].Source)
	}
}

func TestResolveCollisions_LowestZoneWinsAmongFeeds(t *testing.T) {
	rules := []Rule{
		{Domain: "evil.test", RPZZone: "zzz-list", Source: FeedSource(1)},
		{Domain: "evil.test", RPZZone: "aaa-list", Source: FeedSource(2)},
	}
	out := ResolveCollisions(rules)
	if len(out) != 1 || out[0].RPZZone != "aaa-list" {
		t.Fatalf("winner = %+v, want rpz_zone aaa-list", out)
	}
}

func TestIsFeedSourced(t *testing.T) {
	if SourceManual.IsFeedSourced() {
		t.Error("manual source should not be feed-sourced")
	}
	if !FeedSource(42).IsFeedSourced() {
		t.Error("FeedSource(42) should be feed-sourced")
	}
}
