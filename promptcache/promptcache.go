// Package promptcache implements the LRU-like store of
// (token-sequence → serialized backend state) shared across slots, keyed by
// best longest-common-prefix match rather than exact key lookup (spec §3
// PromptCacheEntry, §4.2).
package promptcache

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/wireloom/llamaserve/checkpoint"
	"github.com/wireloom/llamaserve/internal/log"
	"github.com/wireloom/llamaserve/token"
)

// Entry is one cached prompt: the text-only token sequence it corresponds
// to, the serialized backend state for that sequence, and the checkpoint
// ring that was attached to the slot that produced it.
type Entry struct {
	Tokens      *token.TokenBuf
	Data        []byte
	Checkpoints []checkpoint.Checkpoint

	firstTokenHash uint64 // cheap prefilter, see fingerprint()
}

// Cache is the bounded prompt cache. All methods are intended to be called
// only from the scheduler goroutine (spec §5: "the prompt cache is read and
// written only on the scheduler thread"); the mutex exists solely so
// metrics/debug HTTP handlers can read Len/SizeBytes from another goroutine
// without racing the scheduler.
type Cache struct {
	mu sync.Mutex

	entries *lru.Cache[uint64, *Entry] // insertion-sequence key -> entry, oldest-first via Keys()

	ramBudget int64 // hard byte ceiling; exceeding it triggers limitSize backoff
	limitSize int64
	nTokens   int
	sizeBytes int64
	seq       uint64
}

// New creates a cache with the given RAM budget in bytes. limitSize starts
// equal to the budget and shrinks under OOM pressure (see Alloc).
func New(ramBudgetBytes int64) *Cache {
	entries, _ := lru.New[uint64, *Entry](1 << 20)

	return &Cache{
		entries:   entries,
		ramBudget: ramBudgetBytes,
		limitSize: ramBudgetBytes,
	}
}

// fingerprint hashes up to the first 64 tokens, used to cheaply skip
// entries that cannot possibly share a long common prefix with a candidate
// before paying for the full CommonPrefixLen scan.
func fingerprint(t *token.TokenBuf) uint64 {
	h := xxhash.New()

	ids := t.IDs()

	n := min(len(ids), 64)
	for _, id := range ids[:n] {
		var b [4]byte

		b[0] = byte(id)
		b[1] = byte(id >> 8)
		b[2] = byte(id >> 16)
		b[3] = byte(id >> 24)
		_, _ = h.Write(b[:])
	}

	return h.Sum64()
}

// Alloc reserves an entry for prompt holding stateSize bytes of backend
// state. Returns (nil, false) in two cases distinguished only by caller
// behavior, per spec: prompt is already fully contained by an existing
// entry (nothing to do), or the reservation hit the RAM budget and the
// caller should retry after Update() has freed space.
func (c *Cache) Alloc(ctx context.Context, prompt *token.TokenBuf, stateSize int) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.findContainingLocked(prompt) != nil {
		return nil, false
	}

	c.evictStrictPrefixesOfLocked(prompt)

	if c.sizeBytes+int64(stateSize) > c.ramBudget {
		c.limitSize = max64(1, int64(float64(c.sizeBytes)*0.4))
		c.updateLocked()

		return nil, false
	}

	entry := &Entry{
		Tokens:         prompt.Clone(),
		Data:           make([]byte, stateSize),
		firstTokenHash: fingerprint(prompt),
	}

	c.insertLocked(entry)

	return entry, true
}

// Load finds the best entry to reuse for newTokens, given the requesting
// slot's own current prompt (baseline). An entry is eligible only if its
// f_keep (lcp/entry.len) is ≥0.25 and both its f_keep and sim (lcp/new.len)
// exceed the baseline's own f_keep/sim against newTokens. On a hit the
// entry is removed from the cache (the caller takes ownership of its blob
// and checkpoints) and its byte/token accounting is released.
func (c *Cache) Load(ctx context.Context, newTokens, baselineTokens *token.TokenBuf) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	baseLCP := baselineTokens.CommonPrefixLen(newTokens)

	var baseFKeep, baseSim float64
	if baselineTokens.Len() > 0 {
		baseFKeep = float64(baseLCP) / float64(baselineTokens.Len())
	}

	if newTokens.Len() > 0 {
		baseSim = float64(baseLCP) / float64(newTokens.Len())
	}

	var (
		best    *Entry
		bestKey uint64
		bestSim float64
	)

	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok || e.Tokens.Len() == 0 {
			continue
		}

		lcp := e.Tokens.CommonPrefixLen(newTokens)

		fKeep := float64(lcp) / float64(e.Tokens.Len())
		if fKeep < 0.25 {
			continue
		}

		var sim float64
		if newTokens.Len() > 0 {
			sim = float64(lcp) / float64(newTokens.Len())
		}

		if fKeep > baseFKeep && sim > baseSim && sim > bestSim {
			best = e
			bestSim = sim
			bestKey = key
		}
	}

	if best == nil {
		return nil, false
	}

	c.removeEntryLocked(bestKey, best)

	return best, true
}

// Update evicts the oldest entries while the cache is over its current
// byte or (dynamically-derived) token limit, always keeping at least one
// entry — spec §4.2 "update".
func (c *Cache) Update(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updateLocked()
}

func (c *Cache) updateLocked() {
	for c.entries.Len() > 1 {
		effTokenLimit := c.effectiveTokenLimitLocked()

		if c.sizeBytes <= c.limitSize && c.nTokens <= effTokenLimit {
			break
		}

		keys := c.entries.Keys()
		if len(keys) == 0 {
			break
		}

		oldestKey := keys[0]

		e, ok := c.entries.Peek(oldestKey)
		if !ok {
			break
		}

		c.removeEntryLocked(oldestKey, e)
	}
}

func (c *Cache) effectiveTokenLimitLocked() int {
	if c.nTokens == 0 {
		return 1 << 30
	}

	avgBytesPerToken := float64(c.sizeBytes) / float64(c.nTokens)
	if avgBytesPerToken <= 0 {
		return 1 << 30
	}

	return int(float64(c.limitSize) / avgBytesPerToken)
}

func (c *Cache) insertLocked(e *Entry) {
	c.seq++
	c.entries.Add(c.seq, e)
	c.sizeBytes += int64(len(e.Data))
	c.nTokens += e.Tokens.Len()
}

func (c *Cache) removeEntryLocked(key uint64, e *Entry) {
	c.entries.Remove(key)
	c.sizeBytes -= int64(len(e.Data))
	c.nTokens -= e.Tokens.Len()
}

// findContainingLocked returns an entry whose tokens fully contain prompt
// (prompt is a prefix of, or equal to, the entry).
func (c *Cache) findContainingLocked(prompt *token.TokenBuf) *Entry {
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok || e.Tokens.Len() < prompt.Len() {
			continue
		}

		if e.Tokens.CommonPrefixLen(prompt) == prompt.Len() {
			return e
		}
	}

	return nil
}

// evictStrictPrefixesOfLocked removes every entry whose tokens are a
// strict prefix of prompt — they're obsolete now that a longer version is
// about to be cached (spec §4.2 "alloc").
func (c *Cache) evictStrictPrefixesOfLocked(prompt *token.TokenBuf) {
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok || e.Tokens.Len() >= prompt.Len() {
			continue
		}

		if e.Tokens.CommonPrefixLen(prompt) == e.Tokens.Len() {
			c.removeEntryLocked(key, e)
		}
	}
}

// Fingerprint returns the entry's precomputed prefix hash, surfaced by the
// /slots debug endpoint to let operators spot duplicate prompts without
// diffing full token sequences.
func (e *Entry) Fingerprint() uint64 { return e.firstTokenHash }

// Len reports how many entries are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries.Len()
}

// SizeBytes reports the current total cached byte size, for metrics.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sizeBytes
}

// CheckInvariant verifies the monotonicity property from spec §8.1: no
// entry's tokens are a strict prefix of another's. Exposed for tests only.
func (c *Cache) CheckInvariant() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	all := lo.FilterMap(c.entries.Keys(), func(k uint64, _ int) (*Entry, bool) {
		return c.entries.Peek(k)
	})

	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}

			if a.Tokens.Len() < b.Tokens.Len() && a.Tokens.CommonPrefixLen(b.Tokens) == a.Tokens.Len() {
				log.Warn(context.Background(), "promptcache invariant violated",
					log.Int("shorter_len", a.Tokens.Len()), log.Int("longer_len", b.Tokens.Len()))

				return false
			}
		}
	}

	return true
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}

	return b
}
