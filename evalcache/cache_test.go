package evalcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/lazyfree"
)

// countingEngine implements the contract with call counters.
type countingEngine struct {
	compiled int
	freed    int
	resets   int
	asyncs   int
}

func (f *countingEngine) CompileCode(sub engine.Subsystem, code string, timeout time.Duration) ([]*engine.CompiledFunction, error) {
	f.compiled++
	return []*engine.CompiledFunction{{Handle: code}}, nil
}

func (f *countingEngine) FreeFunction(sub engine.Subsystem, fn *engine.CompiledFunction) {
	f.freed++
	fn.Handle = nil
}

func (f *countingEngine) CallFunction(rctx *engine.RunContext, fn *engine.CompiledFunction, sub engine.Subsystem, keys, args [][]byte) {
}

func (f *countingEngine) FunctionMemoryOverhead(fn *engine.CompiledFunction) uint64 { return 1 }

func (f *countingEngine) ResetEvalEnv(async bool) engine.LazyEvalReset {
	f.resets++
	if async {
		return func() { f.asyncs++ }
	}
	return nil
}

func (f *countingEngine) MemoryInfo(sub engine.Subsystem) engine.MemoryInfo {
	return engine.MemoryInfo{}
}

func newTestCache(t *testing.T) (*Cache, *countingEngine, *lazyfree.Worker) {
	t.Helper()
	mgr := engine.NewManager()
	eng := &countingEngine{}
	if err := mgr.Register("lua", nil, eng); err != nil {
		t.Fatalf("register engine: %v", err)
	}
	worker := lazyfree.NewWorker()
	t.Cleanup(worker.Close)
	return New(mgr, worker), eng, worker
}

func TestRegisterComputesDigest(t *testing.T) {
	c, _, _ := newTestCache(t)
	body := "return 'ok'"
	entry, err := c.Register(body, true)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if entry.Sha != Sha1Hex(body) {
		t.Errorf("digest key must equal the SHA-1 of the stored body")
	}
	if entry.Body != body {
		t.Errorf("body not preserved")
	}
	if !entry.LRUTracked() {
		t.Errorf("EVAL admission must be LRU tracked")
	}
	if !c.Exists(entry.Sha) {
		t.Errorf("registered script must exist")
	}
}

func TestRegisterHitDoesNotRecompile(t *testing.T) {
	c, eng, _ := newTestCache(t)
	body := "return 1"
	if _, err := c.Register(body, true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Register(body, true); err != nil {
		t.Fatal(err)
	}
	if eng.compiled != 1 {
		t.Errorf("expected a single compile, got %d", eng.compiled)
	}
	if c.Count() != 1 {
		t.Errorf("duplicate registration created a second entry")
	}
}

func TestScriptLoadPromotion(t *testing.T) {
	c, _, _ := newTestCache(t)
	body := "return 2"
	entry, err := c.Register(body, true)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.LRUTracked() {
		t.Fatal("precondition: entry should be tracked")
	}
	// SCRIPT LOAD of the same script promotes it out of the LRU.
	promoted, err := c.Register(body, false)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != entry {
		t.Fatal("promotion must reuse the existing entry")
	}
	if promoted.LRUTracked() {
		t.Error("promoted entry must not be LRU tracked")
	}
	if c.LRULen() != 0 {
		t.Errorf("LRU list should be empty, has %d", c.LRULen())
	}
}

func TestEvictionKeepsLoadedScripts(t *testing.T) {
	c, eng, _ := newTestCache(t)

	loaded, err := c.Register("loaded script", false)
	if err != nil {
		t.Fatal(err)
	}

	shas := make([]string, 0, LRUListLength+1)
	for i := 0; i <= LRUListLength; i++ {
		e, err := c.Register(fmt.Sprintf("return %d", i), true)
		if err != nil {
			t.Fatal(err)
		}
		shas = append(shas, e.Sha)
	}

	if c.Evicted() != 1 {
		t.Fatalf("inserting entry %d must evict exactly one script, got %d", LRUListLength+1, c.Evicted())
	}
	if c.Exists(shas[0]) {
		t.Error("the oldest EVAL script must be evicted")
	}
	if !c.Exists(shas[1]) || !c.Exists(shas[LRUListLength]) {
		t.Error("younger scripts must survive")
	}
	if !c.Exists(loaded.Sha) {
		t.Error("SCRIPT LOADed scripts are never evicted")
	}
	if c.LRULen() != LRUListLength {
		t.Errorf("LRU list exceeded its bound: %d", c.LRULen())
	}
	if eng.freed != 1 {
		t.Errorf("eviction must release the compiled function through the engine, freed=%d", eng.freed)
	}
}

func TestTouchProtectsFromEviction(t *testing.T) {
	c, _, _ := newTestCache(t)
	first, err := c.Register("return 'first'", true)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < LRUListLength; i++ {
		if _, err := c.Register(fmt.Sprintf("return %d", i), true); err != nil {
			t.Fatal(err)
		}
	}
	// A hit moves the entry to the most-recently-used tail.
	c.Touch(first)
	if _, err := c.Register("return 'overflow'", true); err != nil {
		t.Fatal(err)
	}
	if !c.Exists(first.Sha) {
		t.Error("touched entry must not be the eviction victim")
	}
}

func TestFlushSync(t *testing.T) {
	c, eng, _ := newTestCache(t)
	for i := 0; i < 10; i++ {
		if _, err := c.Register(fmt.Sprintf("return %d", i), i%2 == 0); err != nil {
			t.Fatal(err)
		}
	}
	c.Flush(false)
	if c.Count() != 0 || c.LRULen() != 0 {
		t.Errorf("flush left entries behind: %d/%d", c.Count(), c.LRULen())
	}
	if eng.freed != 10 {
		t.Errorf("flush must free every compiled function, freed=%d", eng.freed)
	}
	if eng.resets != 1 {
		t.Errorf("flush must reset every engine once, resets=%d", eng.resets)
	}
	if c.Mem() >= 96 {
		// Only fixed structure overhead may remain in the estimate.
		t.Errorf("memory accounting not released: %d", c.Mem())
	}
}

func TestFlushAsync(t *testing.T) {
	c, eng, worker := newTestCache(t)
	for i := 0; i < 5; i++ {
		if _, err := c.Register(fmt.Sprintf("return %d", i), true); err != nil {
			t.Fatal(err)
		}
	}
	c.Flush(true)
	if c.Count() != 0 {
		t.Fatal("cache must forget entries immediately on async flush")
	}
	// The teardown job and the deferred reset run on the worker.
	deadline := time.After(2 * time.Second)
	for eng.asyncs == 0 {
		select {
		case <-deadline:
			t.Fatalf("async reset closure never ran (freed=%d)", eng.freed)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if eng.freed != 5 {
		t.Errorf("worker must free the handed-off entries, freed=%d", eng.freed)
	}
	if worker.Freed() == 0 {
		t.Errorf("worker stats must account for the flush job")
	}
}

func TestNormalizeSha(t *testing.T) {
	sha := Sha1Hex("x")
	upper, ok := NormalizeSha(toUpper(sha))
	if !ok || upper != sha {
		t.Errorf("digest case-normalization failed: %q", upper)
	}
	if _, ok := NormalizeSha(sha[:39]); ok {
		t.Error("39-char digest must be rejected")
	}
	if _, ok := NormalizeSha(sha + "0"); ok {
		t.Error("41-char digest must be rejected")
	}
}

func toUpper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

func TestRegisterUnknownEngine(t *testing.T) {
	c, _, _ := newTestCache(t)
	if _, err := c.Register("#!nosuch\nreturn 1", true); err == nil {
		t.Fatal("expected unknown-engine error")
	}
	if c.Count() != 0 {
		t.Error("failed compilation must not insert a cache entry")
	}
}
