package zone

import (
	"testing"

	"github.com/meridiandns/dnsctld/internal/dnserr"
)

func TestValidateTopology_SlaveRequiresMaster(t *testing.T) {
	if err := validateTopology(TypeSlave, nil, nil); err == nil {
		t.Error("expected error for slave zone with no masters")
	}
	if err := validateTopology(TypeSlave, []string{"10.0.0.1"}, nil); err != nil {
		t.Errorf("slave zone with a master should be valid, got %v", err)
	}
}

func TestValidateTopology_ForwardRequiresForwarders(t *testing.T) {
	if err := validateTopology(TypeForward, nil, nil); err == nil {
		t.Error("expected error for forward zone with no forwarders")
	}
	if err := validateTopology(TypeForward, nil, []string{"fwd1"}); err != nil {
		t.Errorf("forward zone with a forwarder should be valid, got %v", err)
	}
}

func TestValidateTopology_MasterHasNoConstraint(t *testing.T) {
	if err := validateTopology(TypeMaster, nil, nil); err != nil {
		t.Errorf("master zone should have no topology constraint, got %v", err)
	}
}

func TestCheckCNAMEExclusion_RejectsOtherAfterCNAME(t *testing.T) {
	existing := []Record{{Type: RecordCNAME, Value: "target.example."}}
	err := checkCNAMEExclusion(existing, RecordA, "1.2.3.4")
	if !dnserr.Is(err, dnserr.KindInvalid) {
		t.Errorf("expected KindInvalid, got %v", err)
	}
}

func TestCheckCNAMEExclusion_RejectsCNAMEAfterOther(t *testing.T) {
	existing := []Record{{Type: RecordA, Value: "1.2.3.4"}}
	err := checkCNAMEExclusion(existing, RecordCNAME, "target.example.")
	if !dnserr.Is(err, dnserr.KindInvalid) {
		t.Errorf("expected KindInvalid, got %v", err)
	}
}

func TestCheckCNAMEExclusion_RejectsDuplicate(t *testing.T) {
	existing := []Record{{Type: RecordA, Value: "1.2.3.4"}}
	err := checkCNAMEExclusion(existing, RecordA, "1.2.3.4")
	if !dnserr.Is(err, dnserr.KindConflict) {
		t.Errorf("expected KindConflict, got %v", err)
	}
}

func TestCheckCNAMEExclusion_AllowsMultipleA(t *testing.T) {
	existing := []Record{{Type: RecordA, Value: "1.2.3.4"}}
	if err := checkCNAMEExclusion(existing, RecordA, "5.6.7.8"); err != nil {
		t.Errorf("multiple distinct A records at one name should be valid, got %v", err)
	}
}

func TestCheckCNAMEExclusion_EmptyIsAlwaysValid(t *testing.T) {
	if err := checkCNAMEExclusion(nil, RecordCNAME, "target.example."); err != nil {
		t.Errorf("first record at a name should always be valid, got %v", err)
	}
}
