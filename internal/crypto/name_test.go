package crypto

import (
	"encoding/hex"
	"strings"
	"sync"
	"testing"
)

func TestNamerProducesUniquePrefixedNames(t *testing.T) {
	n := NewNamer("", "run-1")

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		name := n.Next()
		if !strings.HasPrefix(name, "hunt-") {
			t.Fatalf("name %q has wrong prefix", name)
		}
		if len(name) != len("hunt-")+NameHexLen {
			t.Fatalf("name %q has wrong length", name)
		}
		if seen[name] {
			t.Fatalf("duplicate name %q", name)
		}
		seen[name] = true
	}
}

func TestNamerIsDeterministicPerRun(t *testing.T) {
	a := NewNamer("vm", "run-1")
	b := NewNamer("vm", "run-1")
	c := NewNamer("vm", "run-2")

	first := a.Next()
	if first != b.Next() {
		t.Error("same run should give the same sequence")
	}
	if first == c.Next() {
		t.Error("different runs should diverge")
	}
}

func TestNamerConcurrent(t *testing.T) {
	n := NewNamer("fip", "run")
	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				name := n.Next()
				mu.Lock()
				seen[name] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 1600 {
		t.Errorf("expected 1600 unique names, got %d", len(seen))
	}
}

func TestKeccak256KnownVector(t *testing.T) {
	got := hex.EncodeToString(Keccak256(nil))
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got != want {
		t.Errorf("Keccak256(nil) = %s, want %s", got, want)
	}
	if len(Fingerprint("token")) != 8 {
		t.Error("fingerprint should be 8 hex chars")
	}
}
