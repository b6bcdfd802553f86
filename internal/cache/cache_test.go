package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clock := &fakeClock{now: time.Now().Truncate(time.Millisecond)}
	store.now = clock.Now
	return store, clock
}

func TestScopeFreshExpiredUnusable(t *testing.T) {
	store, clock := openTestStore(t)
	sc := store.Scope("0xrouter")
	if err := sc.Put("/pools", []byte(`[]`), 500*time.Millisecond); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entry, err := sc.Get("/pools", 5*time.Second)
	if err != nil {
		t.Fatalf("Get fresh failed: %v", err)
	}
	if !entry.Found || entry.Expired || string(entry.Body) != `[]` {
		t.Fatalf("expected fresh entry, got %+v", entry)
	}

	clock.Advance(800 * time.Millisecond)
	entry, err = sc.Get("/pools", 5*time.Second)
	if err != nil {
		t.Fatalf("Get expired failed: %v", err)
	}
	if !entry.Expired || entry.Unusable || entry.Age != 800*time.Millisecond {
		t.Fatalf("expected expired but usable entry, got %+v", entry)
	}

	clock.Advance(5 * time.Second)
	entry, err = sc.Get("/pools", 5*time.Second)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !entry.Unusable {
		t.Fatalf("expected unusable entry, got %+v", entry)
	}
	if entry, _ = sc.Get("/pools", -1); entry.Unusable {
		t.Fatalf("negative maxStale must never mark unusable: %+v", entry)
	}
}

func TestScopeMiss(t *testing.T) {
	store, _ := openTestStore(t)
	entry, err := store.Scope("0xrouter").Get("/swaps", time.Second)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Found || entry.Body != nil {
		t.Fatalf("expected miss, got %+v", entry)
	}
}

func TestScopesAreIsolated(t *testing.T) {
	store, _ := openTestStore(t)
	a, b := store.Scope("0xaaa"), store.Scope("0xbbb")
	for _, sc := range []*Scope{a, b} {
		for _, route := range []string{"/pools", "/swaps"} {
			if err := sc.Put(route, []byte(sc.Namespace()), time.Minute); err != nil {
				t.Fatalf("Put %s%s failed: %v", sc.Namespace(), route, err)
			}
		}
	}
	if err := a.Purge(); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	for _, route := range []string{"/pools", "/swaps"} {
		if entry, _ := a.Get(route, 0); entry.Found {
			t.Fatalf("expected %s purged from 0xaaa", route)
		}
		entry, _ := b.Get(route, 0)
		if !entry.Found || string(entry.Body) != "0xbbb" {
			t.Fatalf("expected %s kept in 0xbbb, got %+v", route, entry)
		}
	}
}

func TestPruneHonoursGrace(t *testing.T) {
	store, clock := openTestStore(t)
	sc := store.Scope("0xrouter")
	if err := sc.Put("/users", []byte(`[]`), time.Second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	clock.Advance(2 * time.Second)
	if err := store.Prune(time.Minute); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if entry, _ := sc.Get("/users", -1); !entry.Found {
		t.Fatal("entry inside the grace window should survive")
	}

	if err := store.Prune(0); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if entry, _ := sc.Get("/users", -1); entry.Found {
		t.Fatalf("expected pruned entry to be gone, got %+v", entry)
	}
}

func TestConcurrentPuts(t *testing.T) {
	store, _ := openTestStore(t)
	sc := store.Scope("0xrouter")
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sc.Put(fmt.Sprintf("/r%d", i%4), []byte(fmt.Sprintf(`%d`, i)), time.Minute); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Put failed: %v", err)
	}
}
