package splitrw

import (
	"sync"
	"testing"
)

func TestReaderSeesWriterUpdates(t *testing.T) {
	r, w := New(1)
	if got := r.Get(); got != 1 {
		t.Fatalf("Get() = %d, want 1", got)
	}
	w.Set(2)
	if got := r.Get(); got != 2 {
		t.Fatalf("Get() after Set = %d, want 2", got)
	}
	w.Update(func(v int) int { return v + 40 })
	if got := r.Get(); got != 42 {
		t.Fatalf("Get() after Update = %d, want 42", got)
	}
}

func TestConcurrentReaders(t *testing.T) {
	r, w := New(0)
	w.Set(7)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := r.Get(); got != 7 {
				t.Errorf("concurrent Get() = %d, want 7", got)
			}
		}()
	}
	wg.Wait()
}
