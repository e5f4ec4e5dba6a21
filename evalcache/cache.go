// Package evalcache is the SHA-keyed store of previously compiled ad-hoc
// scripts. Entries admitted via EVAL are tracked in a bounded LRU list and
// evicted oldest-first; entries admitted via SCRIPT LOAD live until an
// explicit flush. Teardown is synchronous or handed to the lazy-free
// worker as one self-contained job.
package evalcache

import (
	"container/list"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/caffeineduck/scriptkv/engine"
	"github.com/caffeineduck/scriptkv/lazyfree"
)

// LRUListLength bounds the number of EVAL-admitted scripts kept resident.
const LRUListLength = 500

// Sha1Hex returns the 40-char lowercase hex SHA-1 of body.
func Sha1Hex(body string) string {
	sum := sha1.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}

// NormalizeSha lowercases a client-supplied digest. Returns false unless
// the digest is exactly 40 characters.
func NormalizeSha(sha string) (string, bool) {
	if len(sha) != 40 {
		return "", false
	}
	return strings.ToLower(sha), true
}

// Entry is one cached script. The digest key always equals the SHA-1 of
// Body. node is nil for entries admitted via SCRIPT LOAD; otherwise it is
// the entry's handle into the LRU list, whose element value is a copy of
// the digest.
type Entry struct {
	Sha    string
	Body   string
	Engine *engine.Descriptor
	Fn     *engine.CompiledFunction
	Flags  engine.Flags

	node *list.Element
}

// LRUTracked reports whether the entry is an eviction candidate.
func (e *Entry) LRUTracked() bool { return e.node != nil }

// Cache is the EVAL script cache. It is accessed only from the main
// command loop; the only cross-thread interaction is the one-way handoff
// of discarded structures to the lazy-free worker.
type Cache struct {
	mgr     *engine.Manager
	worker  *lazyfree.Worker
	scripts map[string]*Entry
	lru     *list.List
	mem     uint64
	evicted atomic.Uint64
}

func New(mgr *engine.Manager, worker *lazyfree.Worker) *Cache {
	return &Cache{
		mgr:     mgr,
		worker:  worker,
		scripts: make(map[string]*Entry),
		lru:     list.New(),
	}
}

// Lookup returns the entry for a normalized digest, or nil.
func (c *Cache) Lookup(sha string) *Entry {
	return c.scripts[strings.ToLower(sha)]
}

// Exists reports per-digest membership.
func (c *Cache) Exists(sha string) bool {
	norm, ok := NormalizeSha(sha)
	if !ok {
		return false
	}
	return c.scripts[norm] != nil
}

// Count returns the number of cached scripts.
func (c *Cache) Count() int { return len(c.scripts) }

// LRULen returns the length of the eviction list.
func (c *Cache) LRULen() int { return c.lru.Len() }

// Mem returns the tracked sum of digest and body bytes plus a fixed
// estimate of 96 bytes per entry and 48 bytes per LRU node. Best effort,
// reporting only.
func (c *Cache) Mem() uint64 {
	return c.mem + uint64(len(c.scripts))*96 + uint64(c.lru.Len())*48
}

// Evicted returns the eviction counter.
func (c *Cache) Evicted() uint64 { return c.evicted.Load() }

// Register admits a script body, compiling it through the engine named by
// its shebang. lruTracked selects the EVAL admission path; SCRIPT LOAD
// passes false and, when the script is already cached through EVAL,
// promotes the existing entry out of the LRU list instead of recompiling.
func (c *Cache) Register(body string, lruTracked bool) (*Entry, error) {
	sha := Sha1Hex(body)

	if e := c.scripts[sha]; e != nil {
		if !lruTracked && e.node != nil {
			c.lru.Remove(e.node)
			e.node = nil
		}
		return e, nil
	}

	sb, err := engine.ParseShebang(body)
	if err != nil {
		return nil, err
	}
	eng := c.mgr.Find(sb.Engine)
	if eng == nil {
		return nil, fmt.Errorf("Could not find scripting engine '%s'", sb.Engine)
	}

	fns, err := eng.CallCompileCode(engine.SubsystemEval, body[sb.BodyOffset:], 0)
	if err != nil {
		return nil, err
	}
	if len(fns) != 1 {
		panic(fmt.Sprintf("evalcache: engine %q compiled %d functions for EVAL", eng.Name(), len(fns)))
	}

	e := &Entry{
		Sha:    sha,
		Body:   body,
		Engine: eng,
		Fn:     fns[0],
		Flags:  sb.Flags,
	}
	if lruTracked {
		c.evictForAdd()
		e.node = c.lru.PushBack(sha)
	}
	c.scripts[sha] = e
	c.mem += uint64(len(sha)) + uint64(len(body))
	return e, nil
}

// Touch moves an LRU-tracked entry to the most-recently-used tail.
func (c *Cache) Touch(e *Entry) {
	if e.node != nil {
		c.lru.MoveToBack(e.node)
	}
}

// evictForAdd makes room before an LRU-tracked insertion: while the list
// is at capacity the head entry is deleted and the eviction counter
// incremented.
func (c *Cache) evictForAdd() {
	for c.lru.Len() >= LRUListLength {
		head := c.lru.Front()
		sha := head.Value.(string)
		e := c.scripts[sha]
		if e == nil {
			panic("evalcache: lru digest not present in cache")
		}
		e.node = nil
		c.lru.Remove(head)
		c.delete(e)
		c.evicted.Add(1)
	}
}

// delete removes an entry from the map and releases its compiled function
// through the owning engine. The caller handles the LRU node.
func (c *Cache) delete(e *Entry) {
	delete(c.scripts, e.Sha)
	sub := uint64(len(e.Sha)) + uint64(len(e.Body))
	if sub > c.mem {
		c.mem = 0
	} else {
		c.mem -= sub
	}
	e.Engine.CallFreeFunction(engine.SubsystemEval, e.Fn)
}

// Flush discards the entire cache and asks every engine to reset its EVAL
// environment. With async=true the old structures and the deferred-reset
// closures are handed to the lazy-free worker as a single job; the cache
// forgets them immediately.
func (c *Cache) Flush(async bool) {
	scripts := c.scripts
	lru := c.lru
	c.scripts = make(map[string]*Entry)
	c.lru = list.New()
	c.mem = 0

	if async {
		var resets []engine.LazyEvalReset
		c.mgr.ForEach(func(d *engine.Descriptor) {
			if r := d.CallResetEvalEnv(true); r != nil {
				resets = append(resets, r)
			}
		})
		c.worker.Enqueue(lazyfree.Job{
			Effort: int64(len(scripts)),
			Free: func() {
				freeScripts(scripts, lru)
				for _, r := range resets {
					r()
				}
			},
		})
		return
	}

	freeScripts(scripts, lru)
	c.mgr.ForEach(func(d *engine.Descriptor) {
		d.CallResetEvalEnv(false)
	})
}

// freeScripts releases every cached entry through its owning engine and
// drops the LRU list.
func freeScripts(scripts map[string]*Entry, lru *list.List) {
	for _, e := range scripts {
		e.Engine.CallFreeFunction(engine.SubsystemEval, e.Fn)
	}
	lru.Init()
}

// EnginesUsedMemory sums the EVAL used memory every engine reports.
func (c *Cache) EnginesUsedMemory() uint64 {
	var sum uint64
	c.mgr.ForEach(func(d *engine.Descriptor) {
		sum += d.CallGetMemoryInfo(engine.SubsystemEval).UsedMemory
	})
	return sum
}
