// Package health implements the forwarder health monitor (C5): periodic DNS
// probes, a per-forwarder status state machine, alerting, and history
// retention (spec §4.5).
package health

import "github.com/meridiandns/dnsctld/pkg/forwarder"

// Aggregate is one cycle's summary outcome across a forwarder's servers,
// before the K-consecutive-cycles debounce is applied.
type Aggregate string

const (
	AggregateHealthy   Aggregate = "healthy"
	AggregateDegraded  Aggregate = "degraded"
	AggregateUnhealthy Aggregate = "unhealthy"
)

// AggregateCycle computes this cycle's Aggregate from per-server probe
// results and the forwarder's forward_policy (spec §4.5).
func AggregateCycle(results []forwarder.ProbeResult, policy forwarder.ForwardPolicy) Aggregate {
	okCount := 0
	for _, r := range results {
		if r.OK {
			okCount++
		}
	}
	switch {
	case okCount == len(results):
		return AggregateHealthy
	case okCount == 0:
		return AggregateUnhealthy
	case policy == forwarder.PolicyFirst && okCount > 0:
		return AggregateDegraded
	default:
		return AggregateUnhealthy
	}
}

func (a Aggregate) toStatus() forwarder.HealthStatus {
	switch a {
	case AggregateHealthy:
		return forwarder.HealthHealthy
	case AggregateDegraded:
		return forwarder.HealthDegraded
	default:
		return forwarder.HealthUnhealthy
	}
}

// failureRateWindow is the number of past cycles the failure-rate alert
// policy looks back over (spec §4.5: "failure rate over last 10 cycles").
const failureRateWindow = 10

// State is the FSM's per-forwarder memory between cycles: the debounce
// streak toward a pending aggregate, the immediate-unhealthy counter, and a
// ring buffer of recent cycles' server-failure counts.
type State struct {
	Current            forwarder.HealthStatus
	PendingAggregate    Aggregate
	PendingStreak      int
	ConsecutiveAllFail int

	cycleFailed [failureRateWindow]int
	cycleTotal  [failureRateWindow]int
	cycleIdx    int
	cycleCount  int
}

// RecordCycle appends this cycle's failed/total server counts to the
// rolling window and returns the failure rate across the last
// failureRateWindow cycles (or fewer, early in a forwarder's lifetime).
func (s *State) RecordCycle(failed, total int) float64 {
	s.cycleFailed[s.cycleIdx] = failed
	s.cycleTotal[s.cycleIdx] = total
	s.cycleIdx = (s.cycleIdx + 1) % failureRateWindow
	if s.cycleCount < failureRateWindow {
		s.cycleCount++
	}

	var failedSum, totalSum int
	for i := 0; i < s.cycleCount; i++ {
		failedSum += s.cycleFailed[i]
		totalSum += s.cycleTotal[i]
	}
	if totalSum == 0 {
		return 0
	}
	return float64(failedSum) / float64(totalSum)
}

// DefaultK is the number of consecutive cycles in a new aggregate required
// before a transition commits (spec §4.5, default K=2).
const DefaultK = 2

// DefaultConsecutiveFailuresAlert is the all-servers-failing streak that
// forces an immediate transition to unhealthy (spec §4.5, default 3).
const DefaultConsecutiveFailuresAlert = 3

// Step advances the FSM by one cycle's aggregate and returns the resulting
// status and whether a transition (status change) occurred. It mutates
// state in place; callers own state's lifetime (one State per forwarder,
// held by the Monitor across cycles).
func Step(state *State, aggregate Aggregate, k, consecutiveFailuresAlert int) (forwarder.HealthStatus, bool) {
	if state.Current == "" {
		state.Current = forwarder.HealthUnknown
	}
	if k <= 0 {
		k = DefaultK
	}
	if consecutiveFailuresAlert <= 0 {
		consecutiveFailuresAlert = DefaultConsecutiveFailuresAlert
	}

	if aggregate == AggregateUnhealthy {
		state.ConsecutiveAllFail++
	} else {
		state.ConsecutiveAllFail = 0
	}

	if state.ConsecutiveAllFail >= consecutiveFailuresAlert && state.Current != forwarder.HealthUnhealthy {
		state.Current = forwarder.HealthUnhealthy
		state.PendingAggregate = ""
		state.PendingStreak = 0
		return state.Current, true
	}

	target := aggregate.toStatus()
	if target == state.Current {
		state.PendingAggregate = ""
		state.PendingStreak = 0
		return state.Current, false
	}

	// Unhealthy is reached exclusively through the immediate all-fail
	// counter above, never through the generic K-streak debounce below
	// (spec §4.5: transitions to unhealthy after consecutive_failures_alert
	// "are immediate", i.e. not subject to the K-cycle rule at all).
	if target == forwarder.HealthUnhealthy {
		return state.Current, false
	}

	if aggregate == state.PendingAggregate {
		state.PendingStreak++
	} else {
		state.PendingAggregate = aggregate
		state.PendingStreak = 1
	}

	if state.PendingStreak >= k {
		state.Current = target
		state.PendingAggregate = ""
		state.PendingStreak = 0
		return state.Current, true
	}

	return state.Current, false
}
