package dict_test

import (
	"context"
	"sync"
	"testing"

	"shielded/dict"
	"shielded/stm"
)

func newTestDict[K comparable, V any](t *testing.T) *dict.Dict[K, V] {
	t.Helper()
	rt := stm.NewRuntime(stm.WithSpinCount(4))
	return dict.New[K, V](rt)
}

func TestGetSet(t *testing.T) {
	d := newTestDict[string, int](t)
	ctx := context.Background()

	if _, ok := d.Get(ctx, "a"); ok {
		t.Fatal("expected key to be absent initially")
	}

	d.Set(ctx, "a", 1)
	v, ok := d.Get(ctx, "a")
	if !ok || v != 1 {
		t.Fatalf("expected (1, true), got (%d, %v)", v, ok)
	}
}

func TestSet_OverwritesExistingKey(t *testing.T) {
	d := newTestDict[string, int](t)
	ctx := context.Background()

	d.Set(ctx, "a", 1)
	d.Set(ctx, "a", 2)

	v, ok := d.Get(ctx, "a")
	if !ok || v != 2 {
		t.Fatalf("expected (2, true), got (%d, %v)", v, ok)
	}
	if got := d.Len(ctx); got != 1 {
		t.Errorf("expected len 1 after overwrite, got %d", got)
	}
}

func TestDelete(t *testing.T) {
	d := newTestDict[string, int](t)
	ctx := context.Background()

	d.Set(ctx, "a", 1)
	if !d.Delete(ctx, "a") {
		t.Fatal("expected Delete to report true for an existing key")
	}
	if _, ok := d.Get(ctx, "a"); ok {
		t.Error("expected key to be gone after Delete")
	}
	if d.Delete(ctx, "a") {
		t.Error("expected second Delete to report false")
	}
}

// TestDelete_ThenSet_ResurrectsTombstone проверяет, что удалённый ключ
// не исчезает физически (его ячейка становится tombstone, spec.md §4.8),
// а при повторном Set оживает с новым значением и снова учитывается в Len.
func TestDelete_ThenSet_ResurrectsTombstone(t *testing.T) {
	d := newTestDict[string, int](t)
	ctx := context.Background()

	d.Set(ctx, "a", 1)
	d.Delete(ctx, "a")
	if got := d.Len(ctx); got != 0 {
		t.Fatalf("expected len 0 after delete, got %d", got)
	}

	d.Set(ctx, "a", 7)
	v, ok := d.Get(ctx, "a")
	if !ok || v != 7 {
		t.Fatalf("expected (7, true) after resurrecting key, got (%d, %v)", v, ok)
	}
	if got := d.Len(ctx); got != 1 {
		t.Errorf("expected len 1 after resurrection, got %d", got)
	}
}

func TestModify_ExistingAndMissingKey(t *testing.T) {
	d := newTestDict[string, int](t)
	ctx := context.Background()

	d.Modify(ctx, "a", func(v int) int { return v + 10 })
	v, ok := d.Get(ctx, "a")
	if !ok || v != 10 {
		t.Fatalf("expected (10, true) for missing key seeded via Modify, got (%d, %v)", v, ok)
	}

	d.Modify(ctx, "a", func(v int) int { return v * 2 })
	v, ok = d.Get(ctx, "a")
	if !ok || v != 20 {
		t.Fatalf("expected (20, true), got (%d, %v)", v, ok)
	}
}

func TestLenAndKeys(t *testing.T) {
	d := newTestDict[string, int](t)
	ctx := context.Background()

	keys := []string{"a", "b", "c"}
	for i, k := range keys {
		d.Set(ctx, k, i)
	}

	if got := d.Len(ctx); got != len(keys) {
		t.Errorf("expected len %d, got %d", len(keys), got)
	}

	seen := make(map[string]bool)
	for _, k := range d.Keys(ctx) {
		seen[k] = true
	}
	for _, k := range keys {
		if !seen[k] {
			t.Errorf("expected key %q in Keys()", k)
		}
	}
}

func TestHas(t *testing.T) {
	d := newTestDict[string, int](t)
	ctx := context.Background()

	if d.Has(ctx, "a") {
		t.Fatal("expected Has to report false for a missing key")
	}
	d.Set(ctx, "a", 1)
	if !d.Has(ctx, "a") {
		t.Error("expected Has to report true after Set")
	}
}

// TestConcurrentSetOnDifferentKeys_DoesNotConflictOnCount проверяет, что
// параллельные вставки в разные ключи не порождают write-write конфликт
// вокруг общего счётчика размера — ради этого count коммутируется, а не
// пишется напрямую.
func TestConcurrentSetOnDifferentKeys_DoesNotConflictOnCount(t *testing.T) {
	d := newTestDict[int, int](t)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(key int) {
			defer wg.Done()
			d.Set(ctx, key, key*2)
		}(i)
	}
	wg.Wait()

	if got := d.Len(ctx); got != n {
		t.Errorf("expected len %d, got %d", n, got)
	}
	for i := range n {
		v, ok := d.Get(ctx, i)
		if !ok || v != i*2 {
			t.Errorf("key %d: expected (%d, true), got (%d, %v)", i, i*2, v, ok)
		}
	}
}
