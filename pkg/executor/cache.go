package executor

import (
	"sync"

	"github.com/dop251/goja"
)

// unitCache keeps compiled programs per tool. Entries carry the unit
// fingerprint (dependency versions plus draft code hash), so a stale entry
// is recompiled even if invalidation was missed; publish/rollback listeners
// drop entries eagerly. sync.Map keeps reads lock-free on the hot path.
type unitCache struct {
	store sync.Map // tool id -> *cacheEntry
}

type cacheEntry struct {
	fingerprint string
	program     *goja.Program
}

func newUnitCache() *unitCache { return &unitCache{} }

// get returns the cached program when the fingerprint still matches.
func (c *unitCache) get(toolID, fingerprint string) (*goja.Program, bool) {
	v, ok := c.store.Load(toolID)
	if !ok {
		return nil, false
	}
	entry := v.(*cacheEntry)
	if entry.fingerprint != fingerprint {
		return nil, false
	}
	return entry.program, true
}

func (c *unitCache) put(toolID, fingerprint string, p *goja.Program) {
	c.store.Store(toolID, &cacheEntry{fingerprint: fingerprint, program: p})
}

// invalidate drops the entry for a tool. Compilation races are benign:
// last write wins and programs are immutable once built.
func (c *unitCache) invalidate(toolID string) {
	c.store.Delete(toolID)
}
