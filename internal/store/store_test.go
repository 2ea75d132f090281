package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rbitts/kis-trading-gateway-repo/pkg/types"
)

func sampleEvent(orderID string, ts int64) types.ReconciliationEvent {
	return types.ReconciliationEvent{
		OrderID:         orderID,
		InternalStatus:  "SENT",
		BrokerStatus:    "FILLED",
		CorrectedStatus: "FILLED",
		Ts:              ts,
	}
}

func TestAppendAndReplay(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Append(sampleEvent("ord_1", 100)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Append(sampleEvent("ord_2", 200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh open replays the file.
	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	if got := j2.PersistedCount(); got != 2 {
		t.Fatalf("PersistedCount = %d, want 2", got)
	}
	recent := j2.Recent()
	if len(recent) != 2 {
		t.Fatalf("Recent = %d events, want 2", len(recent))
	}
	if recent[0].OrderID != "ord_1" || recent[1].OrderID != "ord_2" {
		t.Fatalf("replay order = %s, %s", recent[0].OrderID, recent[1].OrderID)
	}
	if recent[1] != sampleEvent("ord_2", 200) {
		t.Fatalf("replayed event = %+v", recent[1])
	}
}

func TestOpenCreatesParentDirs(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data", "nested", "events.jsonl")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	if err := j.Append(sampleEvent("ord_1", 100)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("journal file missing: %v", err)
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	content := `{"order_id":"ord_1","internal_status":"SENT","broker_status":"FILLED","corrected_status":"FILLED","ts":100}
not json at all
{"order_id":"ord_2","internal_status":"SENT","broker_status":"CANCELED","corrected_status":"CANCELED","ts":200}

{"order_id":"ord_3","tr`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	if got := j.PersistedCount(); got != 2 {
		t.Fatalf("PersistedCount = %d, want 2 well-formed lines", got)
	}
	recent := j.Recent()
	if len(recent) != 2 || recent[0].OrderID != "ord_1" || recent[1].OrderID != "ord_2" {
		t.Fatalf("Recent = %+v", recent)
	}

	// Appending after a dirty replay keeps counting from the good lines.
	if err := j.Append(sampleEvent("ord_4", 300)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := j.PersistedCount(); got != 3 {
		t.Fatalf("PersistedCount after append = %d, want 3", got)
	}
}

func TestRecentKeepsLastHundred(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	for i := 0; i < recentLimit+20; i++ {
		if err := j.Append(sampleEvent("ord", int64(i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if got := j.PersistedCount(); got != recentLimit+20 {
		t.Fatalf("PersistedCount = %d, want %d", got, recentLimit+20)
	}
	recent := j.Recent()
	if len(recent) != recentLimit {
		t.Fatalf("Recent = %d events, want %d", len(recent), recentLimit)
	}
	if recent[0].Ts != 20 || recent[len(recent)-1].Ts != int64(recentLimit+19) {
		t.Fatalf("ring window = [%d, %d]", recent[0].Ts, recent[len(recent)-1].Ts)
	}
}
