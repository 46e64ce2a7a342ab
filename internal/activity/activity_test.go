package activity

import (
	"path/filepath"
	"testing"
)

func openLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), DefaultFileName))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndListByExecution(t *testing.T) {
	l := openLog(t)

	events := []Entry{
		{ExecutionID: "e1", Branch: "ralph/a", EventType: EventClaim, FromStatus: "ready", ToStatus: "starting"},
		{ExecutionID: "e1", Branch: "ralph/a", EventType: EventLaunch, FromStatus: "starting", ToStatus: "running"},
		{ExecutionID: "e2", Branch: "ralph/b", EventType: EventStop, FromStatus: "running", ToStatus: "stopped"},
	}
	for _, e := range events {
		if err := l.Record(e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := l.ListByExecution("e1", 10)
	if err != nil {
		t.Fatalf("ListByExecution: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].EventType != EventLaunch || entries[1].EventType != EventClaim {
		t.Errorf("order = %s, %s", entries[0].EventType, entries[1].EventType)
	}
	if entries[0].ID == "" || entries[0].CreatedAt.IsZero() {
		t.Errorf("entry not stamped: %+v", entries[0])
	}
}

func TestRecent_AppliesLimit(t *testing.T) {
	l := openLog(t)
	for range 5 {
		if err := l.Record(Entry{ExecutionID: "e1", EventType: EventUpdate}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.Recent(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3", len(entries))
	}
}
