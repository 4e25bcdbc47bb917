package health

import (
	"testing"

	"github.com/meridiandns/dnsctld/pkg/forwarder"
)

// TestStep_ScenarioS2 replays the five-cycle forwarder failure scenario:
// two servers, forward_policy first, K=2, consecutive_failures_alert=3.
// Cycle 1: one server fails -> stays unknown (K not yet satisfied).
// Cycle 2: same failure pattern again -> degraded (K satisfied).
// Cycles 3-4: both servers fail -> stays degraded (unhealthy only transitions
// through the immediate all-fail counter, not the K-streak path).
// Cycle 5: third consecutive all-fail cycle -> unhealthy.
func TestStep_ScenarioS2(t *testing.T) {
	state := &State{}

	oneFails := AggregateDegraded // one ok, one failed, policy=first
	bothFail := AggregateUnhealthy

	status, transitioned := Step(state, oneFails, 2, 3)
	if status != forwarder.HealthUnknown || transitioned {
		t.Fatalf("cycle 1: got (%v,%v), want (unknown,false)", status, transitioned)
	}

	status, transitioned = Step(state, oneFails, 2, 3)
	if status != forwarder.HealthDegraded || !transitioned {
		t.Fatalf("cycle 2: got (%v,%v), want (degraded,true)", status, transitioned)
	}

	status, transitioned = Step(state, bothFail, 2, 3)
	if status != forwarder.HealthDegraded || transitioned {
		t.Fatalf("cycle 3: got (%v,%v), want (degraded,false)", status, transitioned)
	}

	status, transitioned = Step(state, bothFail, 2, 3)
	if status != forwarder.HealthDegraded || transitioned {
		t.Fatalf("cycle 4: got (%v,%v), want (degraded,false)", status, transitioned)
	}

	status, transitioned = Step(state, bothFail, 2, 3)
	if status != forwarder.HealthUnhealthy || !transitioned {
		t.Fatalf("cycle 5: got (%v,%v), want (unhealthy,true)", status, transitioned)
	}
}

func TestAggregateCycle_AllOkIsHealthy(t *testing.T) {
	results := []forwarder.ProbeResult{{OK: true}, {OK: true}}
	if got := AggregateCycle(results, forwarder.PolicyFirst); got != AggregateHealthy {
		t.Errorf("got %v, want healthy", got)
	}
}

func TestAggregateCycle_NoneOkIsUnhealthy(t *testing.T) {
	results := []forwarder.ProbeResult{{OK: false}, {OK: false}}
	if got := AggregateCycle(results, forwarder.PolicyFirst); got != AggregateUnhealthy {
		t.Errorf("got %v, want unhealthy", got)
	}
}

func TestAggregateCycle_PartialOkWithOnlyPolicyIsUnhealthy(t *testing.T) {
	results := []forwarder.ProbeResult{{OK: true}, {OK: false}}
	if got := AggregateCycle(results, forwarder.PolicyOnly); got != AggregateUnhealthy {
		t.Errorf("got %v, want unhealthy (policy=only has no degraded state)", got)
	}
}

func TestAggregateCycle_PartialOkWithFirstPolicyIsDegraded(t *testing.T) {
	results := []forwarder.ProbeResult{{OK: true}, {OK: false}}
	if got := AggregateCycle(results, forwarder.PolicyFirst); got != AggregateDegraded {
		t.Errorf("got %v, want degraded", got)
	}
}

func TestState_RecordCycle_RollsOffAfterWindow(t *testing.T) {
	state := &State{}

	for i := 0; i < failureRateWindow; i++ {
		state.RecordCycle(2, 2) // all servers failing
	}
	if got := state.RecordCycle(2, 2); got != 1.0 {
		t.Fatalf("all-failing window: got %v, want 1.0", got)
	}

	// A full window of perfect cycles should push the old all-failing
	// samples out and bring the rate back to 0.
	var rate float64
	for i := 0; i < failureRateWindow; i++ {
		rate = state.RecordCycle(0, 2)
	}
	if rate != 0 {
		t.Errorf("after a full healthy window: got %v, want 0", rate)
	}
}

func TestState_RecordCycle_PartialWindowEarlyOn(t *testing.T) {
	state := &State{}
	if got := state.RecordCycle(1, 2); got != 0.5 {
		t.Fatalf("single cycle: got %v, want 0.5", got)
	}
	if got := state.RecordCycle(0, 2); got != 0.25 {
		t.Fatalf("two cycles (1 fail of 4 total): got %v, want 0.25", got)
	}
}

func TestStep_RecoveryRequiresKCycles(t *testing.T) {
	state := &State{Current: forwarder.HealthDegraded}
	status, transitioned := Step(state, AggregateHealthy, 2, 3)
	if status != forwarder.HealthDegraded || transitioned {
		t.Fatalf("first healthy cycle: got (%v,%v), want (degraded,false)", status, transitioned)
	}
	status, transitioned = Step(state, AggregateHealthy, 2, 3)
	if status != forwarder.HealthHealthy || !transitioned {
		t.Fatalf("second healthy cycle: got (%v,%v), want (healthy,true)", status, transitioned)
	}
}
