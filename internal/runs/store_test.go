package runs

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "runs.db"), filepath.Join(dir, "runs.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSaveGetList(t *testing.T) {
	store := openTestStore(t)

	run := Run{RunID: NewRunID(), Status: StatusStarting, ForkBlock: 22476889, StartedAt: time.Now().UTC()}
	if err := store.Save(run); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Get(run.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusStarting || got.ForkBlock != 22476889 {
		t.Fatalf("unexpected run: %+v", got)
	}

	got.Status = StatusReady
	got.RouterAddress = "0x3aD2306eDfBe72ce013cdb6b429212d9CdDE4F96"
	if err := store.Save(got); err != nil {
		t.Fatalf("Save update failed: %v", err)
	}
	ready, err := store.List(StatusReady, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ready) != 1 || ready[0].RouterAddress != got.RouterAddress {
		t.Fatalf("expected one ready run, got %+v", ready)
	}
	starting, err := store.List(StatusStarting, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(starting) != 0 {
		t.Fatalf("expected status update to replace the row, got %d starting runs", len(starting))
	}
}

func TestStoreListOrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		run := Run{RunID: NewRunID(), Status: StatusStopped, StartedAt: base.Add(time.Duration(i) * time.Second), NodePID: 100 + i}
		if err := store.Save(run); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	all, err := store.List("", 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(all))
	}
	if all[0].NodePID != 102 || all[1].NodePID != 101 {
		t.Fatalf("expected newest first, got %d then %d", all[0].NodePID, all[1].NodePID)
	}
}

func TestStoreErrors(t *testing.T) {
	store := openTestStore(t)
	if err := store.Save(Run{}); err == nil {
		t.Fatal("expected missing run id error")
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if id := NewRunID(); !strings.HasPrefix(id, "run_") || len(id) != len("run_")+36 {
		t.Fatalf("unexpected run id format: %s", id)
	}
}
