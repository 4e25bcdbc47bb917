package audit

import "testing"

func TestWriter_LogDropsWhenBufferFull(t *testing.T) {
	w := &Writer{logger: testLogger(), entries: make(chan Entry, 2)}

	w.Log(Entry{Action: "create", TargetKind: "zone", TargetID: "1"})
	w.Log(Entry{Action: "update", TargetKind: "zone", TargetID: "1"})
	w.Log(Entry{Action: "delete", TargetKind: "zone", TargetID: "1"}) // buffer full, dropped silently (but logged)

	if len(w.entries) != 2 {
		t.Errorf("len(entries) = %d, want 2 (buffer capacity)", len(w.entries))
	}
}

func TestWriter_LogFillsDefaultTs(t *testing.T) {
	w := &Writer{logger: testLogger(), entries: make(chan Entry, 1)}
	w.Log(Entry{Action: "create"})

	got := <-w.entries
	if got.Ts.IsZero() {
		t.Error("Log should default Ts when unset")
	}
}
