package dataset

import (
	"context"
	"reflect"
	"testing"
)

func TestLoaderBatchesUnshuffled(t *testing.T) {
	loader := TestLoader(syntheticSet(10), 4)
	if loader.NumBatches() != 3 {
		t.Fatalf("expected 3 batches, got %d", loader.NumBatches())
	}
	labels, sizes := drain(t, loader, 0)
	if !reflect.DeepEqual(sizes, []int{4, 4, 2}) {
		t.Fatalf("unexpected batch sizes %v", sizes)
	}
	for i, l := range labels {
		if l != i {
			t.Fatalf("unshuffled order broken at %d: %v", i, labels)
		}
	}
}

func TestLoaderDropLast(t *testing.T) {
	loader := &Loader{Set: syntheticSet(10), BatchSize: 4, DropLast: true}
	if loader.NumBatches() != 2 {
		t.Fatalf("expected 2 batches, got %d", loader.NumBatches())
	}
	_, sizes := drain(t, loader, 0)
	if !reflect.DeepEqual(sizes, []int{4, 4}) {
		t.Fatalf("unexpected batch sizes %v", sizes)
	}
}

func TestLoaderShuffleDeterministicPerEpoch(t *testing.T) {
	loader := TrainLoader(syntheticSet(50), 8, 7)
	first, _ := drain(t, loader, 0)
	again, _ := drain(t, loader, 0)
	next, _ := drain(t, loader, 1)
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("same epoch produced different orders")
	}
	if reflect.DeepEqual(first, next) {
		t.Fatalf("epochs 0 and 1 share an order")
	}
	seen := make(map[int]bool)
	for _, l := range first {
		seen[l] = true
	}
	if len(seen) != 50 {
		t.Fatalf("epoch visited %d distinct examples, want 50", len(seen))
	}
}

func TestLoaderCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batches, errCh := TestLoader(syntheticSet(1000), 1).Batches(ctx, 0)
	for range batches {
	}
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// syntheticSet labels example i with i so batch order is observable.
func syntheticSet(n int) *Set {
	set := &Set{}
	for i := 0; i < n; i++ {
		set.Images = append(set.Images, []float64{float64(i)})
		set.Labels = append(set.Labels, i)
	}
	return set
}

func drain(t *testing.T, l *Loader, epoch int) (labels, sizes []int) {
	t.Helper()
	batches, errCh := l.Batches(context.Background(), epoch)
	for b := range batches {
		labels = append(labels, b.Labels...)
		sizes = append(sizes, len(b.Labels))
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Batches: %v", err)
	}
	return labels, sizes
}
