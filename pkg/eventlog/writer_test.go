package eventlog

import (
	"testing"

	"conductor/pkg/proto"
)

func TestWriteAndReadResults(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer w.Close()

	results := []*proto.WorkerResult{
		{InvocationID: "inv-1", GroupID: "g1", Role: proto.RolePlanner, Tier: proto.TierBase, Status: proto.StatusPlanReady},
		{InvocationID: "inv-2", GroupID: "g1", Role: proto.RoleVerifier, Tier: proto.TierBase, Status: proto.StatusFail,
			Payload: proto.ResultPayload{VerificationOutput: "3 tests failed"}},
	}
	for _, r := range results {
		if err := w.WriteResult(r); err != nil {
			t.Fatalf("WriteResult failed: %v", err)
		}
	}

	path := w.GetCurrentLogFile()
	if path == "" {
		t.Fatal("expected an active log file")
	}

	read, err := ReadResults(path)
	if err != nil {
		t.Fatalf("ReadResults failed: %v", err)
	}
	if len(read) != 2 {
		t.Fatalf("read %d results, want 2", len(read))
	}
	if read[0].InvocationID != "inv-1" || read[1].Status != proto.StatusFail {
		t.Errorf("round trip lost fields: %+v", read)
	}
	if read[1].Payload.VerificationOutput != "3 tests failed" {
		t.Errorf("payload lost: %+v", read[1].Payload)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
