package directory

import (
	"context"
	"sync"
	"testing"
)

func TestStoreGetSetRoundTrip(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, found, err := s.Get(ctx, "k1"); err != nil || found {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}
	if err := s.Set(ctx, "k1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	v, found, err := s.Get(ctx, "k1")
	if err != nil || !found || string(v) != "v1" {
		t.Fatalf("expected v1/true, got %s/%v/%v", v, found, err)
	}
}

func TestWritePoolConcurrentSameKeyWrites(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	pool := NewWritePool(s, 4, 16)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			// all writes target the same key; the write pool must
			// serialize them via blake2b lane routing (§4.2/§5).
			_ = pool.Set(ctx, "same-object", []byte{byte(i)})
		}()
	}
	wg.Wait()
	// the backend should hold exactly one of the written values, never
	// a torn/partial write - buntdb.Update already guarantees this,
	// this test exercises that the pool doesn't break it under
	// concurrent callers.
	if _, found, err := s.Get(ctx, "same-object"); err != nil || !found {
		t.Fatalf("expected a value present, found=%v err=%v", found, err)
	}
}

func TestReadPoolGet(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}

	pool := NewReadPool(s, 4, 16)
	v, found, err := pool.Get(ctx, "k")
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("unexpected result: %s/%v/%v", v, found, err)
	}
}
