package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridiandns/dnsctld/internal/telemetry"
	"github.com/meridiandns/dnsctld/pkg/eventbus"
	"github.com/meridiandns/dnsctld/pkg/forwarder"
)

// Monitor runs one probe cycle per enabled forwarder, in parallel across
// forwarders and, within a forwarder, in parallel across servers (spec
// §4.5 concurrency model). It owns HealthStatus writes exclusively.
type Monitor struct {
	fwdStore *forwarder.Store
	fwdSvc   *forwarder.Service
	dedup    *Deduper
	bus      *eventbus.Bus
	logger   *slog.Logger
	thresholds Thresholds

	// k and consecutiveFailuresAlert parameterize the FSM's debounce (spec
	// §4.5: probe_recover_threshold/probe_fail_threshold); zero means "use
	// Step's own defaults".
	k                        int
	consecutiveFailuresAlert int

	mu     sync.Mutex
	states map[int64]*State
}

// NewMonitor creates a Monitor. k is the number of consecutive cycles
// required to commit a status transition; consecutiveFailuresAlert is the
// all-servers-failing streak that forces an immediate unhealthy transition.
func NewMonitor(fwdStore *forwarder.Store, fwdSvc *forwarder.Service, dedup *Deduper, bus *eventbus.Bus, thresholds Thresholds, k, consecutiveFailuresAlert int, logger *slog.Logger) *Monitor {
	return &Monitor{
		fwdStore:                 fwdStore,
		fwdSvc:                   fwdSvc,
		dedup:                    dedup,
		bus:                      bus,
		logger:                   logger,
		thresholds:               thresholds,
		k:                        k,
		consecutiveFailuresAlert: consecutiveFailuresAlert,
		states:                   make(map[int64]*State),
	}
}

// RunCycle probes every active, health-check-enabled forwarder once. Probe
// goroutines are given a deadline of 2x the forwarder's timeout_s so that
// shutdown cancellation always outlives an in-flight retry (spec §4.5:
// "in-flight probes must terminate within 2x timeout_s").
func (m *Monitor) RunCycle(ctx context.Context) {
	forwarders, err := m.fwdStore.ActiveForwarders(ctx)
	if err != nil {
		m.logger.Error("listing active forwarders for health cycle", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, f := range forwarders {
		if !f.HealthCheck.Enabled {
			continue
		}
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probeForwarder(ctx, f)
		}()
	}
	wg.Wait()
}

func (m *Monitor) probeForwarder(ctx context.Context, f forwarder.Forwarder) {
	deadline := time.Duration(f.HealthCheck.Timeout) * 2 * time.Second
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := m.probeAllServers(cctx, f)

	for i, r := range results {
		var respMS *int64
		var probeErr *string
		if r.OK {
			v := r.ResponseMS
			respMS = &v
		} else {
			e := r.Error
			probeErr = &e
		}
		if err := m.fwdStore.RecordSample(ctx, f.ID, f.Servers[i].IP, r.OK, respMS, probeErr); err != nil {
			m.logger.Error("recording health sample", "forwarder", f.Name, "server", f.Servers[i].IP, "error", err)
		}
		if r.OK {
			telemetry.ProbesTotal.WithLabelValues("ok").Inc()
		} else {
			telemetry.ProbesTotal.WithLabelValues("fail").Inc()
		}
	}

	aggregate := AggregateCycle(results, f.ForwardPolicy)

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}

	m.mu.Lock()
	state, ok := m.states[f.ID]
	if !ok {
		state = &State{Current: f.HealthStatus}
		m.states[f.ID] = state
	}
	from := state.Current
	newStatus, transitioned := Step(state, aggregate, m.k, m.consecutiveFailuresAlert)
	failureRate := state.RecordCycle(failed, len(results))
	m.mu.Unlock()

	if transitioned {
		if err := m.fwdStore.SetHealthStatus(ctx, f.ID, newStatus); err != nil {
			m.logger.Error("persisting health status transition", "forwarder", f.Name, "error", err)
		}
		m.publish(eventbus.EventForwarderStatusChange, map[string]any{
			"forwarder_id": f.ID, "from": from, "to": newStatus, "per_server": results,
		})
	} else {
		m.publish(eventbus.EventHealthUpdate, map[string]any{
			"forwarder_id": f.ID, "status": newStatus, "per_server": results,
		})
	}

	m.evaluateAlerts(ctx, f, results, failureRate, newStatus, transitioned)
}

func (m *Monitor) probeAllServers(ctx context.Context, f forwarder.Forwarder) []forwarder.ProbeResult {
	results := make([]forwarder.ProbeResult, len(f.Servers))
	var wg sync.WaitGroup
	for i, sv := range f.Servers {
		if !sv.Enabled {
			results[i] = forwarder.ProbeResult{IP: sv.IP, OK: false, Error: "server disabled"}
			continue
		}
		i, sv := i, sv
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.probeWithRetries(ctx, sv, f.HealthCheck)
		}()
	}
	wg.Wait()
	return results
}

func (m *Monitor) probeWithRetries(ctx context.Context, sv forwarder.Server, hc forwarder.HealthCheck) forwarder.ProbeResult {
	retries := hc.Retries
	if retries <= 0 {
		retries = 1
	}
	timeout := time.Duration(hc.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var last forwarder.ProbeResult
	for attempt := int32(0); attempt < retries; attempt++ {
		select {
		case <-ctx.Done():
			return forwarder.ProbeResult{IP: sv.IP, OK: false, Error: "probe cancelled at shutdown"}
		default:
		}
		last = forwarder.Probe(sv.IP, sv.Port, timeout)
		if last.OK {
			return last
		}
	}
	return last
}

// evaluateAlerts checks this cycle's response times against the
// instantaneous thresholds and the forwarder's failureRate (computed by the
// caller over the last failureRateWindow cycles, spec §4.5) against the
// failure-rate thresholds.
func (m *Monitor) evaluateAlerts(ctx context.Context, f forwarder.Forwarder, results []forwarder.ProbeResult, failureRate float64, status forwarder.HealthStatus, transitioned bool) {
	var maxMS int64
	for _, r := range results {
		if r.OK && r.ResponseMS > maxMS {
			maxMS = r.ResponseMS
		}
	}
	if kind, ok := EvaluateResponseTime(maxMS, m.thresholds); ok {
		m.raiseAlert(ctx, f.ID, kind, map[string]any{"response_ms": maxMS})
	}

	if kind, ok := EvaluateFailureRate(failureRate, m.thresholds); ok {
		m.raiseAlert(ctx, f.ID, kind, map[string]any{"failure_rate": failureRate})
	}

	if transitioned && status == forwarder.HealthUnhealthy {
		m.raiseAlert(ctx, f.ID, AlertUnhealthy, map[string]any{"forwarder_id": f.ID})
	}
}

func (m *Monitor) raiseAlert(ctx context.Context, forwarderID int64, kind AlertKind, data map[string]any) {
	if !m.dedup.ShouldFire(ctx, forwarderID, kind) {
		return
	}
	telemetry.HealthAlertsTotal.WithLabelValues(string(kind)).Inc()
	data["forwarder_id"] = forwarderID
	data["kind"] = kind
	m.publish(eventbus.EventHealthAlert, data)
}

func (m *Monitor) publish(t eventbus.EventType, data any) {
	m.bus.Publish(eventbus.Event{Type: t, Data: data, TS: time.Now()})
}
