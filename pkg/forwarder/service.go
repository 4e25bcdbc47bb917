package forwarder

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/meridiandns/dnsctld/internal/dnserr"
)

// ProbeName is the query name used by TestForwarder and by the health
// monitor's probe cycle. It defaults to the spec's probe_name default and
// can be overridden at startup to match a configured probe_name.
var ProbeName = "health.checkdns.internal."

// Service enforces the Forwarder aggregate invariants on top of Store, and
// implements the synchronous TestForwarder diagnostic (spec §4.3).
type Service struct {
	store *Store
}

func NewService(store *Store) *Service { return &Service{store: store} }

func (s *Service) CreateForwarder(ctx context.Context, p CreateParams) (Forwarder, error) {
	if len(p.Servers) == 0 {
		return Forwarder{}, dnserr.New(dnserr.KindInvalid, "forwarder requires at least one server")
	}
	return s.store.CreateForwarder(ctx, p)
}

func (s *Service) UpdateForwarder(ctx context.Context, p UpdateParams) (Forwarder, error) {
	if p.Servers != nil && len(p.Servers) == 0 {
		return Forwarder{}, dnserr.New(dnserr.KindInvalid, "forwarder requires at least one server")
	}
	return s.store.UpdateForwarder(ctx, p)
}

func (s *Service) GetForwarder(ctx context.Context, id int64) (Forwarder, error) {
	return s.store.GetForwarder(ctx, id)
}

func (s *Service) ListForwarders(ctx context.Context, f ListFilter) ([]Forwarder, error) {
	return s.store.ListForwarders(ctx, f)
}

func (s *Service) ActiveForwarders(ctx context.Context) ([]Forwarder, error) {
	return s.store.ActiveForwarders(ctx)
}

func (s *Service) ToggleForwarder(ctx context.Context, id int64, active bool) (Forwarder, error) {
	return s.store.ToggleForwarder(ctx, id, active)
}

func (s *Service) DeleteForwarder(ctx context.Context, id int64) error {
	return s.store.DeleteForwarder(ctx, id)
}

// TestForwarder issues a live DNS A query for ProbeName against every
// configured server of a forwarder, in parallel, returning per-server
// results. It never writes HealthStatus: that field is owned exclusively by
// the health monitor (spec §4.3).
func (s *Service) TestForwarder(ctx context.Context, id int64) ([]ProbeResult, error) {
	f, err := s.store.GetForwarder(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(f.Servers) == 0 {
		return nil, dnserr.New(dnserr.KindInvalid, "forwarder has no configured servers")
	}

	timeout := time.Duration(f.HealthCheck.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	results := make([]ProbeResult, len(f.Servers))
	done := make(chan int, len(f.Servers))
	for i, sv := range f.Servers {
		i, sv := i, sv
		go func() {
			results[i] = Probe(sv.IP, sv.Port, timeout)
			done <- i
		}()
	}
	for range f.Servers {
		<-done
	}
	return results, nil
}

// Probe issues a single DNS A query for ProbeName against ip:port, used by
// both TestForwarder and the health monitor's probe cycle (spec §4.5).
func Probe(ip string, port int32, timeout time.Duration) ProbeResult {
	result := ProbeResult{IP: ip}

	m := new(dns.Msg)
	m.SetQuestion(ProbeName, dns.TypeA)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: timeout}
	addr := fmt.Sprintf("%s:%d", ip, port)

	start := time.Now()
	_, _, err := c.Exchange(m, addr)
	elapsed := time.Since(start)

	if err != nil {
		result.OK = false
		result.Error = err.Error()
		return result
	}
	result.OK = true
	result.ResponseMS = elapsed.Milliseconds()
	return result
}
