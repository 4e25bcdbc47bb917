package dnsservice

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/meridiandns/dnsctld/internal/dnserr"
	"github.com/meridiandns/dnsctld/pkg/bindctl"
	"github.com/meridiandns/dnsctld/pkg/eventbus"
	"github.com/meridiandns/dnsctld/pkg/forwarder"
)

func TestIsDeployRejection(t *testing.T) {
	cases := []struct {
		name   string
		result bindctl.DeployResult
		err    error
		want   bool
	}{
		{"deploy error", bindctl.DeployResult{}, errors.New("boom"), true},
		{"rolled back", bindctl.DeployResult{Outcome: bindctl.OutcomeRolledBack}, nil, true},
		{"reloaded", bindctl.DeployResult{Outcome: bindctl.OutcomeReloaded}, nil, false},
		{"no change", bindctl.DeployResult{Outcome: bindctl.OutcomeNoChange}, nil, false},
	}
	for _, c := range cases {
		if got := isDeployRejection(c.result, c.err); got != c.want {
			t.Errorf("%s: isDeployRejection() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRejectionError(t *testing.T) {
	wrapped := rejectionError(bindctl.DeployResult{}, errors.New("controller down"))
	if !dnserr.Is(wrapped, dnserr.KindDeployFailed) {
		t.Errorf("expected KindDeployFailed, got %v", wrapped)
	}

	rollback := rejectionError(bindctl.DeployResult{Outcome: bindctl.OutcomeRolledBack, Detail: "named-checkconf failed"}, nil)
	if !dnserr.Is(rollback, dnserr.KindDeployFailed) {
		t.Errorf("expected KindDeployFailed, got %v", rollback)
	}
	if rollback.Error() == "" {
		t.Error("rejection error should carry the rollback detail")
	}
}

func TestPublishDeployOutcome_NoChangeIsNotAnnounced(t *testing.T) {
	bus := eventbus.NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	s := &Service{bus: bus}
	s.publishDeployOutcome(bindctl.DeployResult{Outcome: bindctl.OutcomeNoChange}, nil)

	select {
	case e := <-sub.C:
		t.Fatalf("no_change deploy should not publish an event, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDeployOutcome_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		result bindctl.DeployResult
		err    error
		status string
	}{
		{"reloaded", bindctl.DeployResult{Outcome: bindctl.OutcomeReloaded}, nil, "reloaded"},
		{"restarted", bindctl.DeployResult{Outcome: bindctl.OutcomeRestarted}, nil, "restarted"},
		{"rolled back", bindctl.DeployResult{Outcome: bindctl.OutcomeRolledBack}, nil, "error"},
		{"deploy error", bindctl.DeployResult{}, errors.New("timeout"), "error"},
	}

	for _, c := range cases {
		bus := eventbus.NewBus()
		sub := bus.Subscribe()
		s := &Service{bus: bus}

		s.publishDeployOutcome(c.result, c.err)

		select {
		case e := <-sub.C:
			if e.Type != eventbus.EventBindReload {
				t.Errorf("%s: expected EventBindReload, got %v", c.name, e.Type)
			}
			data, ok := e.Data.(map[string]any)
			if !ok {
				t.Fatalf("%s: expected map[string]any payload, got %T", c.name, e.Data)
			}
			if data["status"] != c.status {
				t.Errorf("%s: status = %v, want %v", c.name, data["status"], c.status)
			}
		case <-time.After(50 * time.Millisecond):
			t.Fatalf("%s: expected a bind_reload event to be published", c.name)
		}
		sub.Close()
	}
}

func TestTodayYYYYMMDD_MatchesCurrentUTCDate(t *testing.T) {
	want, err := strconv.Atoi(time.Now().UTC().Format("20060102"))
	if err != nil {
		t.Fatalf("formatting reference date: %v", err)
	}
	if got := todayYYYYMMDD(); got != int32(want) {
		t.Errorf("todayYYYYMMDD() = %d, want %d", got, want)
	}
}

func TestServerParamsFrom_RoundTripsFields(t *testing.T) {
	servers := []forwarder.Server{
		{ID: 1, ForwarderID: 9, IP: "10.0.0.1", Port: 53, Priority: 1, Weight: 2, Enabled: true},
		{ID: 2, ForwarderID: 9, IP: "10.0.0.2", Port: 53, Priority: 2, Weight: 1, Enabled: false},
	}

	params := serverParamsFrom(servers)
	if len(params) != len(servers) {
		t.Fatalf("got %d params, want %d", len(params), len(servers))
	}
	for i, p := range params {
		if p.IP != servers[i].IP || p.Port != servers[i].Port || p.Priority != servers[i].Priority ||
			p.Weight != servers[i].Weight || p.Enabled != servers[i].Enabled {
			t.Errorf("serverParamsFrom()[%d] = %+v, did not round-trip from %+v", i, p, servers[i])
		}
	}
}

