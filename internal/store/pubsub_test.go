package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"channelhub/internal/domain"
)

func TestPubSub_ListActiveFIFO(t *testing.T) {
	q := testStore(t).Queue()
	ctx := context.Background()

	base := time.UnixMilli(1700000000000)
	// inserted out of order
	for _, r := range []struct {
		id  string
		off time.Duration
	}{{"t3", 3 * time.Second}, {"t1", time.Second}, {"t2", 2 * time.Second}} {
		if err := q.Insert(ctx, domain.PubSubRecord{ID: r.id, Prop: 1, Tax: 1, CreatedAt: base.Add(r.off)}); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := q.ListActive(ctx, domain.TaskProp)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].ID != "t1" || recs[1].ID != "t2" || recs[2].ID != "t3" {
		t.Errorf("expected t1,t2,t3, got %+v", recs)
	}
}

func TestPubSub_InsertDuplicate(t *testing.T) {
	q := testStore(t).Queue()
	ctx := context.Background()

	rec := domain.PubSubRecord{ID: "dup", Prop: 1, Tax: 1, CreatedAt: time.Now()}
	if err := q.Insert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := q.Insert(ctx, rec); !domain.IsValidation(err) {
		t.Errorf("expected validation error for duplicate id, got %v", err)
	}
}

func TestPubSub_CompleteBothDeletes(t *testing.T) {
	q := testStore(t).Queue()
	ctx := context.Background()

	q.Insert(ctx, domain.PubSubRecord{ID: "r1", Prop: 1, Tax: 1, Data: []byte(`{"a":1}`), CreatedAt: time.Now()})

	rec, deleted, err := q.Complete(ctx, "r1", domain.TaskTax)
	if err != nil {
		t.Fatal(err)
	}
	if deleted || rec.Tax != 0 || rec.Prop != 1 {
		t.Fatalf("after tax: %+v deleted=%v", rec, deleted)
	}
	if active, _ := q.ListActive(ctx, domain.TaskTax); len(active) != 0 {
		t.Errorf("tax list should be empty, got %+v", active)
	}

	rec, deleted, err = q.Complete(ctx, "r1", domain.TaskProp)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted || !rec.Done() {
		t.Fatalf("record should be deleted: %+v deleted=%v", rec, deleted)
	}

	if _, err := q.Get(ctx, "r1"); !domain.IsNotFound(err) {
		t.Errorf("expected not found after deletion, got %v", err)
	}
	if _, _, err := q.Complete(ctx, "r1", domain.TaskProp); !domain.IsNotFound(err) {
		t.Errorf("completing a deleted record should be not found, got %v", err)
	}
}

func TestPubSub_CompleteTwiceSameKind(t *testing.T) {
	q := testStore(t).Queue()
	ctx := context.Background()

	q.Insert(ctx, domain.PubSubRecord{ID: "r1", Prop: 1, Tax: 1, CreatedAt: time.Now()})
	q.Complete(ctx, "r1", domain.TaskProp)

	rec, deleted, err := q.Complete(ctx, "r1", domain.TaskProp)
	if err != nil || deleted || rec.Tax != 1 {
		t.Errorf("repeat completion should be a no-op: %+v %v %v", rec, deleted, err)
	}
}

func TestPubSub_ConcurrentCompletionDeletesOnce(t *testing.T) {
	q := testStore(t).Queue()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := "r" + string(rune('a'+i))
		q.Insert(ctx, domain.PubSubRecord{ID: id, Prop: 1, Tax: 1, CreatedAt: time.Now()})

		var wg sync.WaitGroup
		results := make(chan bool, 2)
		for _, kind := range []domain.TaskKind{domain.TaskProp, domain.TaskTax} {
			wg.Add(1)
			go func(kind domain.TaskKind) {
				defer wg.Done()
				_, deleted, err := q.Complete(ctx, id, kind)
				if err != nil {
					t.Errorf("complete %s: %v", kind, err)
				}
				results <- deleted
			}(kind)
		}
		wg.Wait()
		close(results)

		deletions := 0
		for d := range results {
			if d {
				deletions++
			}
		}
		if deletions != 1 {
			t.Fatalf("%s: expected exactly one deletion, got %d", id, deletions)
		}
	}

	if n, _ := q.Depth(ctx, domain.TaskProp); n != 0 {
		t.Errorf("expected empty queue, depth %d", n)
	}
}

func TestPubSub_Depth(t *testing.T) {
	q := testStore(t).Queue()
	ctx := context.Background()

	q.Insert(ctx, domain.PubSubRecord{ID: "a", Prop: 1, Tax: 0, CreatedAt: time.Now()})
	q.Insert(ctx, domain.PubSubRecord{ID: "b", Prop: 1, Tax: 1, CreatedAt: time.Now()})

	if n, _ := q.Depth(ctx, domain.TaskProp); n != 2 {
		t.Errorf("prop depth: got %d", n)
	}
	if n, _ := q.Depth(ctx, domain.TaskTax); n != 1 {
		t.Errorf("tax depth: got %d", n)
	}
}
