// Package grammar compiles JSON-schema-constrained and lazy (trigger-word)
// grammars used by the sampler's grammar-masking path, with compiled
// grammars cached by schema hash so repeated tool-call requests against the
// same schema skip recompilation.
package grammar

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dlclark/regexp2/v2"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/wireloom/llamaserve/internal/pkg/xcache"
	"github.com/wireloom/llamaserve/token"
)

// Spec is the caller-supplied grammar constraint, corresponding to the
// grammar-related TaskParams fields (spec §3): either a raw JSON Schema, or
// a set of trigger words/patterns that lazily activate constraint once
// matched in the generated text (used by tool-calling chat formats).
type Spec struct {
	JSONSchema json.RawMessage

	// Lazy activates the grammar only after one of TriggerWords appears
	// verbatim, or TriggerPatterns matches, in the generated text so far.
	Lazy            bool
	TriggerWords    []string
	TriggerPatterns []string
}

func (s Spec) hash() uint64 {
	h := xxhash.New()
	_, _ = h.Write(s.JSONSchema)

	for _, w := range s.TriggerWords {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(w))
	}

	for _, p := range s.TriggerPatterns {
		_, _ = h.Write([]byte{1})
		_, _ = h.Write([]byte(p))
	}

	if s.Lazy {
		_, _ = h.Write([]byte{2})
	}

	return h.Sum64()
}

// Compiled is a grammar ready to be attached to a sampler via NewState.
type Compiled struct {
	schema    *jsonschema.Schema
	resolved  *jsonschema.Resolved
	lazy      bool
	triggerWords []string
	triggerRe    []*regexp2.Regexp
}

// Compiler compiles Specs into Compiled grammars, caching results by schema
// hash so identical tool definitions across requests are compiled once.
type Compiler struct {
	cache xcache.Cache[*Compiled]
	mu    sync.Mutex
}

// NewCompiler builds a Compiler backed by cfg (typically the process-wide
// in-memory cache; empty Config disables caching).
func NewCompiler(cfg xcache.Config) *Compiler {
	return &Compiler{cache: xcache.NewFromConfig[*Compiled](cfg)}
}

// Compile returns a Compiled grammar for spec, reusing a cached compilation
// when one exists for the same schema/trigger set.
func (c *Compiler) Compile(ctx context.Context, spec Spec) (*Compiled, error) {
	key := spec.hash()

	if hit, err := c.cache.Get(ctx, keyString(key)); err == nil && hit != nil {
		return hit, nil
	}

	compiled, err := compile(spec)
	if err != nil {
		return nil, err
	}

	_ = c.cache.Set(ctx, keyString(key), compiled)

	return compiled, nil
}

func keyString(h uint64) string {
	const hexDigits = "0123456789abcdef"

	buf := make([]byte, 16)
	for i := 0; i < 16; i++ {
		buf[15-i] = hexDigits[(h>>(4*i))&0xf]
	}

	return string(buf)
}

func compile(spec Spec) (*Compiled, error) {
	c := &Compiled{
		lazy:         spec.Lazy,
		triggerWords: spec.TriggerWords,
	}

	if len(spec.JSONSchema) > 0 {
		var schema jsonschema.Schema
		if err := json.Unmarshal(spec.JSONSchema, &schema); err != nil {
			return nil, err
		}

		resolved, err := schema.Resolve(nil)
		if err != nil {
			return nil, err
		}

		c.schema = &schema
		c.resolved = resolved
	}

	for _, p := range spec.TriggerPatterns {
		re, err := regexp2.Compile(p, regexp2.None)
		if err != nil {
			return nil, err
		}

		c.triggerRe = append(c.triggerRe, re)
	}

	return c, nil
}

// NewState creates fresh, per-generation parser state for this compiled
// grammar, mirroring the sampler's reset/accept lifecycle.
func (c *Compiled) NewState() *State {
	return &State{compiled: c, active: !c.lazy}
}

// State is the mutable, per-slot grammar parse state: how much generated
// text has been checked against triggers, and (once active) the partial
// JSON document accepted so far.
type State struct {
	compiled *Compiled
	active   bool
	text     string
	accepted []token.ID
}

// Accept records id as generated and, for lazy grammars, checks whether a
// trigger has now fired.
func (s *State) Accept(id token.ID) error {
	s.accepted = append(s.accepted, id)

	if !s.active {
		s.checkTriggers()
	}

	return nil
}

// SawText lets the caller feed detokenized text directly (cheaper than
// redetokenizing on every token when checking triggers). Only this
// package's tests call it; the scheduler does not feed generated text here.
func (s *State) SawText(text string) {
	s.text += text

	if !s.active {
		s.checkTriggers()
	}
}

func (s *State) checkTriggers() {
	for _, w := range s.compiled.triggerWords {
		if w != "" && containsWord(s.text, w) {
			s.active = true
			return
		}
	}

	for _, re := range s.compiled.triggerRe {
		if ok, _ := re.MatchString(s.text); ok {
			s.active = true
			return
		}
	}
}

func containsWord(haystack, needle string) bool {
	return len(needle) > 0 && len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}

	return -1
}

// Active reports whether the grammar constraint is currently in force
// (always true for non-lazy grammars; only after a trigger fires for
// lazy ones).
func (s *State) Active() bool { return s.active }

// ApplyMask is a deliberate no-op: this codebase does not implement
// token-level grammar-constrained decoding. The scheduler samples by
// calling backend.Backend.Sample directly (spec's "backend does its own
// internal sampling" contract), so sampler.Sampler.GetCandidates/Sample —
// the only callers of ApplyMask — are never reached by a real generation;
// masking logits here would have no effect on what token is actually
// emitted. Enforcing a JSON-schema grammar over the real path would mean
// extending backend.Backend with a per-seq dynamic logit-mask push ahead
// of each decode, which doesn't exist today. Active()'s lazy-trigger
// detection (checkTriggers) fires only on text fed through SawText, which
// only this package's tests call: Sampler.Accept passes token ids, which
// never extend the scanned text, and nothing outside this package reads
// Active(). "grammar-constrained sampling" in the request surface amounts
// to downstream repair, not schema-enforced token selection — see
// DESIGN.md.
func (s *State) ApplyMask(logits []float32) {}
