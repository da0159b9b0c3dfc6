package cache

import (
	"strconv"
	"testing"
	"time"
)

func TestLRU_EvictsByRecency(t *testing.T) {
	c := NewLRU[int](2, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" is the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a missing before eviction")
	}

	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a should survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c should survive")
	}
}

func TestLRU_TTLExpiry(t *testing.T) {
	c := NewLRU[string](10, 10*time.Millisecond)

	c.Set("k", "v")
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry missing right after Set")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Error("entry should have expired")
	}
}

func TestLRU_DeleteAndSize(t *testing.T) {
	c := NewLRU[int](10, time.Minute)

	for i := 0; i < 5; i++ {
		c.Set(strconv.Itoa(i), i)
	}
	if got := c.Size(); got != 5 {
		t.Fatalf("Size = %d, want 5", got)
	}

	c.Delete("3")
	if _, ok := c.Get("3"); ok {
		t.Error("deleted entry still present")
	}
	if got := c.Size(); got != 4 {
		t.Errorf("Size = %d, want 4", got)
	}
}

func TestLRU_CleanExpired(t *testing.T) {
	c := NewLRU[int](10, 5*time.Millisecond)

	c.Set("x", 1)
	c.Set("y", 2)
	time.Sleep(10 * time.Millisecond)
	c.Set("z", 3)

	if cleaned := c.CleanExpired(); cleaned != 2 {
		t.Errorf("CleanExpired = %d, want 2", cleaned)
	}
	if _, ok := c.Get("z"); !ok {
		t.Error("fresh entry must survive cleanup")
	}
}
