package threatfeed

import (
	"bufio"
	"io"
	"strings"

	"github.com/meridiandns/dnsctld/pkg/rpz"
)

// Parse normalizes a fetched feed body into deduplicated FeedRules tagged
// for rpzZone, according to format (spec §4.6 steps 2-3).
func Parse(body io.Reader, format Format, rpzZone string) []rpz.FeedRule {
	switch format {
	case FormatHosts:
		return parseHosts(body, rpzZone)
	case FormatRPZ:
		return parseRPZ(body, rpzZone)
	default:
		return parseDomains(body, rpzZone)
	}
}

func parseDomains(body io.Reader, rpzZone string) []rpz.FeedRule {
	return scanLines(body, rpzZone, func(line string) (string, bool) {
		return line, true
	})
}

func parseHosts(body io.Reader, rpzZone string) []rpz.FeedRule {
	return scanLines(body, rpzZone, func(line string) (string, bool) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", false
		}
		return fields[1], true
	})
}

// parseRPZ extracts the owner name from each RR line of a zone-file-style
// body: "<domain> CNAME <target>" or bare "<domain>" lines, ignoring SOA/NS
// control records and directives.
func parseRPZ(body io.Reader, rpzZone string) []rpz.FeedRule {
	return scanLines(body, rpzZone, func(line string) (string, bool) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return "", false
		}
		name := fields[0]
		upper := strings.ToUpper(name)
		if upper == "$TTL" || upper == "$ORIGIN" || strings.Contains(line, "SOA") || strings.Contains(line, "NS ") {
			return "", false
		}
		return name, true
	})
}

func scanLines(body io.Reader, rpzZone string, extract func(line string) (string, bool)) []rpz.FeedRule {
	seen := make(map[string]struct{})
	var out []rpz.FeedRule

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		domain, ok := extract(line)
		if !ok {
			continue
		}
		domain = normalizeDomain(domain)
		if domain == "" {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}
		out = append(out, rpz.FeedRule{Domain: domain, Action: rpz.ActionBlock, RPZZone: rpzZone})
	}
	return out
}

// normalizeDomain lowercases and strips a trailing dot, rejecting empty
// names and names that contain whitespace or a slash. No other DNS-name
// syntax (label length, allowed characters) is checked.
func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimSuffix(d, ".")
	if d == "" || strings.ContainsAny(d, " \t/\\") {
		return ""
	}
	return d
}
