package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (r *resultLog) record(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultLog) byID(id string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if res.ItemID == id {
			return res, true
		}
	}
	return Result{}, false
}

func TestPoolRunsInPriorityOrder(t *testing.T) {
	pool, err := NewPool(1, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	var mu sync.Mutex
	var order []string
	run := func(id string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	// Submit everything before Start so dispatch sees the full queue.
	for _, it := range []Item{
		{ID: "low", Priority: 1, Run: run("low")},
		{ID: "high", Priority: 10, Run: run("high")},
		{ID: "mid-a", Priority: 5, Run: run("mid-a")},
		{ID: "mid-b", Priority: 5, Run: run("mid-b")},
	} {
		if err := pool.Submit(it); err != nil {
			t.Fatalf("Submit(%s): %v", it.ID, err)
		}
	}

	pool.Start(context.Background())
	pool.Stop()

	want := []string{"high", "mid-a", "mid-b", "low"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("ran %d items, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s (full order %v)", i, order[i], want[i], order)
		}
	}
}

func TestPoolHoldsBackUnmetDependencies(t *testing.T) {
	pool, err := NewPool(2, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	var mu sync.Mutex
	var order []string
	record := func(id string) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}

	if err := pool.Submit(Item{
		ID:        "child",
		Priority:  100, // priority must not beat an unmet dependency
		DependsOn: []string{"parent"},
		Run: func(context.Context) error {
			record("child")
			return nil
		},
	}); err != nil {
		t.Fatalf("Submit child: %v", err)
	}
	if err := pool.Submit(Item{
		ID: "parent",
		Run: func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			record("parent")
			return nil
		},
	}); err != nil {
		t.Fatalf("Submit parent: %v", err)
	}

	pool.Start(context.Background())
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "parent" || order[1] != "child" {
		t.Errorf("order = %v, want [parent child]", order)
	}
}

func TestPoolReportsResults(t *testing.T) {
	pool, err := NewPool(2, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	log := &resultLog{}
	pool.SetResultFunc(log.record)

	boom := errors.New("boom")
	pool.Submit(Item{ID: "ok", Type: "offspring", Payload: 42, Run: func(context.Context) error { return nil }})   //nolint:errcheck
	pool.Submit(Item{ID: "fails", Run: func(context.Context) error { return boom }})                               //nolint:errcheck
	pool.Submit(Item{ID: "panics", Run: func(context.Context) error { panic("unexpected") }})                      //nolint:errcheck

	pool.Start(context.Background())
	pool.Stop()

	okRes, found := log.byID("ok")
	if !found {
		t.Fatal("no result for ok item")
	}
	if okRes.Err != nil || okRes.Type != "offspring" || okRes.Payload != 42 {
		t.Errorf("ok result = %+v", okRes)
	}

	failRes, found := log.byID("fails")
	if !found || !errors.Is(failRes.Err, boom) {
		t.Errorf("fails result = %+v, want wrapped boom", failRes)
	}

	panicRes, found := log.byID("panics")
	if !found || panicRes.Err == nil {
		t.Error("panicking item must surface a terminal error result")
	}
}

func TestPoolFailsStalledItemsOnStop(t *testing.T) {
	pool, err := NewPool(1, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	log := &resultLog{}
	pool.SetResultFunc(log.record)

	pool.Submit(Item{ //nolint:errcheck
		ID:        "orphan",
		DependsOn: []string{"never-submitted"},
		Run:       func(context.Context) error { return nil },
	})

	pool.Start(context.Background())
	pool.Stop()

	res, found := log.byID("orphan")
	if !found {
		t.Fatal("stalled item produced no terminal result")
	}
	if res.Err == nil {
		t.Error("stalled item must fail, not succeed")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := NewPool(1, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	pool.Start(context.Background())
	pool.Stop()

	err = pool.Submit(Item{ID: "late", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Submit after Stop: err = %v, want ErrStopped", err)
	}
}
