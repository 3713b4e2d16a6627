package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewPlanCache(t *testing.T) {
	t.Run("valid size", func(t *testing.T) {
		c := NewPlanCache[string](100, 5*time.Minute)
		if c.maxSize != 100 {
			t.Errorf("maxSize = %d, want 100", c.maxSize)
		}
		if !c.enabled.Load() {
			t.Error("cache should be enabled by default")
		}
	})

	t.Run("non-positive size uses default", func(t *testing.T) {
		for _, size := range []int{0, -10} {
			if c := NewPlanCache[string](size, 0); c.maxSize != DefaultSize {
				t.Errorf("size %d: maxSize = %d, want %d", size, c.maxSize, DefaultSize)
			}
		}
	})
}

func TestKey(t *testing.T) {
	t.Run("whitespace and trailing semicolon are ignored", func(t *testing.T) {
		a := Key("SELECT name FROM functions")
		b := Key("  SELECT   name\n FROM\tfunctions ; ")
		if a != b {
			t.Errorf("normalized statements produced different keys: %q vs %q", a, b)
		}
	})

	t.Run("string literals are verbatim", func(t *testing.T) {
		a := Key("FIND 'a  b'")
		b := Key("FIND 'a b'")
		if a == b {
			t.Error("different literals produced the same key")
		}
	})

	t.Run("case matters", func(t *testing.T) {
		if Key("SHOW DEPENDENCIES OF 'A'") == Key("SHOW DEPENDENCIES OF 'a'") {
			t.Error("literal case was folded")
		}
	})
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"SELECT  *  FROM modules", "SELECT * FROM modules"},
		{"FIND 'x  y';", "FIND 'x  y'"},
		{`FIND "it\"s  here"`, `FIND "it\"s  here"`},
		{"a\n\n'b'", "a 'b'"},
	}
	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlanCache_GetPut(t *testing.T) {
	c := NewPlanCache[string](10, 0)

	if _, ok := c.Get("q1"); ok {
		t.Fatal("empty cache returned a hit")
	}
	c.Put("q1", "plan-1")
	v, ok := c.Get("q1")
	if !ok || v != "plan-1" {
		t.Fatalf("Get(q1) = %q, %v", v, ok)
	}

	c.Put("q1", "plan-1b")
	if v, _ := c.Get("q1"); v != "plan-1b" {
		t.Errorf("update not visible, got %q", v)
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", stats.Hits, stats.Misses)
	}
	if stats.Size != 1 || stats.MaxSize != 10 {
		t.Errorf("size = %d/%d", stats.Size, stats.MaxSize)
	}
}

func TestPlanCache_LRUEviction(t *testing.T) {
	c := NewPlanCache[int](3, 0)
	for i, k := range []string{"a", "b", "c"} {
		c.Put(k, i)
	}
	c.Get("a") // b is now least recently used
	c.Put("d", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("key b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("key %s should still be cached", k)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
}

func TestPlanCache_TTL(t *testing.T) {
	c := NewPlanCache[string](10, 20*time.Millisecond)
	c.Put("x", "x")
	if _, ok := c.Get("x"); !ok {
		t.Fatal("fresh entry missing")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("x"); ok {
		t.Error("expired entry returned")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, Len() = %d", c.Len())
	}
}

func TestPlanCache_Disable(t *testing.T) {
	c := NewPlanCache[string](10, 0)
	c.Put("x", "x")
	c.SetEnabled(false)
	if c.Len() != 0 {
		t.Error("disabling should clear the cache")
	}
	c.Put("y", "y")
	if _, ok := c.Get("y"); ok {
		t.Error("disabled cache returned a hit")
	}

	c.SetEnabled(true)
	c.Put("z", "z")
	if _, ok := c.Get("z"); !ok {
		t.Error("re-enabled cache missed")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Error("Clear left entries behind")
	}
}

func TestPlanCache_DistinctStatementsNeverShareAPlan(t *testing.T) {
	c := NewPlanCache[string](2000, 0)
	statements := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		statements = append(statements, fmt.Sprintf("FIND 'f%d'", i))
	}
	for _, q := range statements {
		c.Put(Key(q), q)
	}
	for _, q := range statements {
		got, ok := c.Get(Key(q))
		if !ok || got != q {
			t.Fatalf("Get(Key(%q)) = %q, %v", q, got, ok)
		}
	}
	if c.Len() != len(statements) {
		t.Errorf("Len() = %d, want %d", c.Len(), len(statements))
	}
}

func TestPlanCache_Concurrent(t *testing.T) {
	c := NewPlanCache[string](50, 0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := Key(fmt.Sprintf("SELECT * FROM functions LIMIT %d", i%80))
				if _, ok := c.Get(k); !ok {
					c.Put(k, fmt.Sprint(i))
				}
			}
		}(w)
	}
	wg.Wait()

	stats := c.Stats()
	if stats.Hits+stats.Misses != 8*200 {
		t.Errorf("lookups = %d, want %d", stats.Hits+stats.Misses, 8*200)
	}
	if stats.Size > 50 {
		t.Errorf("size %d exceeds capacity", stats.Size)
	}
}
