package threatfeed

import (
	"strings"
	"testing"
)

func TestParse_Domains(t *testing.T) {
	rules := Parse(strings.NewReader("evil.test\n*.bad.test\n"), FormatDomains, "phish-list")
	if len(rules) != 2 {
		t.Fatalf("len(rules) = %d, want 2", len(rules))
	}
	if rules[0].Domain != "evil.test" || rules[0].RPZZone != "phish-list" {
		t.Errorf("rules[0] = %+v", rules[0])
	}
}

func TestParse_Hosts(t *testing.T) {
	body := "127.0.0.1 evil.test\n# comment\n0.0.0.0 bad.test\n"
	rules := Parse(strings.NewReader(body), FormatHosts, "hosts-list")
	if len(rules) != 2 {
		t.Fatalf("len(rules) = %d, want 2", len(rules))
	}
	for _, r := range rules {
		if r.Domain != "evil.test" && r.Domain != "bad.test" {
			t.Errorf("unexpected domain %q", r.Domain)
		}
	}
}

func TestParse_DedupesWithinOneFetch(t *testing.T) {
	rules := Parse(strings.NewReader("evil.test\nEVIL.TEST\nevil.test.\n"), FormatDomains, "phish-list")
	if len(rules) != 1 {
		t.Fatalf("len(rules) = %d, want 1 after case/trailing-dot normalization", len(rules))
	}
}

func TestParse_DropsInvalidLines(t *testing.T) {
	rules := Parse(strings.NewReader("\n   \nevil.test\n"), FormatDomains, "phish-list")
	if len(rules) != 1 {
		t.Fatalf("len(rules) = %d, want 1", len(rules))
	}
}

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		"Evil.Test.": "evil.test",
		"evil.test":  "evil.test",
		"":           "",
		"bad domain": "",
	}
	for in, want := range cases {
		if got := normalizeDomain(in); got != want {
			t.Errorf("normalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
