// Package sampler implements C4: per-slot token sampling state, covering
// the numeric samplers (temperature, top-k/p, min-p, penalties, logit bias)
// and the grammar-constrained path (see sampler/grammar), matching the
// TaskParams surface described in spec §3.
package sampler

import (
	"context"
	"math"
	"sort"

	"github.com/wireloom/llamaserve/sampler/grammar"
	"github.com/wireloom/llamaserve/token"
)

// Config mirrors the sampling-relevant fields of TaskParams (spec §3).
type Config struct {
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32

	RepeatPenalty  float32
	RepeatLastN    int
	FrequencyPenalty float32
	PresencePenalty  float32

	LogitBias map[token.ID]float32

	NProbs int // when > 0, Sample also returns the top-N candidate logprobs

	Grammar *grammar.Compiled // nil when unconstrained
	Seed    uint64
}

// DefaultConfig returns the engine's stock sampling defaults.
func DefaultConfig() Config {
	return Config{
		Temperature: 0.8,
		TopK:        40,
		TopP:        0.95,
		MinP:        0.05,
		RepeatLastN: 64,
	}
}

// Candidate is one token and its score, used both for NProbs echoing and
// internally while filtering the distribution.
type Candidate struct {
	Token token.ID
	Logit float32
	Prob  float32
}

// Sampler holds the per-slot mutable sampling state: the configuration plus
// the rolling token history penalties are computed against and the grammar
// parser state (if any). A Sampler is owned by exactly one slot.
type Sampler struct {
	cfg Config

	history []token.ID // most recent tokens, bounded by RepeatLastN
	rng     *xorshiftRNG

	grammarState *grammar.State
}

// New creates a sampler bound to cfg. A fresh grammar parser state is
// created from cfg.Grammar if present.
func New(cfg Config) *Sampler {
	s := &Sampler{
		cfg: cfg,
		rng: newRNG(cfg.Seed),
	}

	if cfg.Grammar != nil {
		s.grammarState = cfg.Grammar.NewState()
	}

	return s
}

// Reset clears rolling history and grammar state, reusing the sampler for a
// new generation without reallocating (spec §4.3 "reset").
func (s *Sampler) Reset() {
	s.history = s.history[:0]

	if s.cfg.Grammar != nil {
		s.grammarState = s.cfg.Grammar.NewState()
	}
}

// Accept records id as generated, advancing repetition-penalty history and,
// if active, the grammar parser (spec §4.3 "accept").
func (s *Sampler) Accept(id token.ID) error {
	n := s.cfg.RepeatLastN
	if n > 0 {
		s.history = append(s.history, id)
		if len(s.history) > n {
			s.history = s.history[len(s.history)-n:]
		}
	}

	if s.grammarState != nil {
		return s.grammarState.Accept(id)
	}

	return nil
}

// GetCandidates returns the full candidate list for logits after applying
// penalties, logit bias, and grammar masking but before truncation/temp —
// used by Sample and by tests asserting on the pre-truncation distribution
// (spec §3 "get_candidates"). No HTTP endpoint echoes these candidates: the
// scheduler samples through backend.Backend.Sample instead.
func (s *Sampler) GetCandidates(ctx context.Context, logits []float32) []Candidate {
	adjusted := make([]float32, len(logits))
	copy(adjusted, logits)

	s.applyPenalties(adjusted)
	s.applyLogitBias(adjusted)

	if s.grammarState != nil {
		s.grammarState.ApplyMask(adjusted)
	}

	cands := make([]Candidate, len(adjusted))
	for i, l := range adjusted {
		cands[i] = Candidate{Token: token.ID(i), Logit: l}
	}

	softmax(cands)

	sort.Slice(cands, func(i, j int) bool { return cands[i].Logit > cands[j].Logit })

	return cands
}

// Sample draws one token from logits, applying penalties, bias, grammar
// mask, top-k/top-p/min-p filtering, and temperature, then returns it along
// with up to NProbs runner-up candidates for echoing (spec §3 "sample").
func (s *Sampler) Sample(ctx context.Context, logits []float32) (token.ID, []Candidate) {
	cands := s.GetCandidates(ctx, logits)

	if s.cfg.Temperature <= 0 {
		return cands[0].Token, topN(cands, s.cfg.NProbs)
	}

	filtered := s.filterTopKTopPMinP(cands)
	applyTemperature(filtered, s.cfg.Temperature)
	softmax(filtered)

	chosen := s.weightedChoice(filtered)

	return chosen, topN(cands, s.cfg.NProbs)
}

func (s *Sampler) applyPenalties(logits []float32) {
	if s.cfg.RepeatPenalty == 0 && s.cfg.FrequencyPenalty == 0 && s.cfg.PresencePenalty == 0 {
		return
	}

	counts := make(map[token.ID]int, len(s.history))
	for _, id := range s.history {
		counts[id]++
	}

	for id, cnt := range counts {
		if int(id) < 0 || int(id) >= len(logits) {
			continue
		}

		if s.cfg.RepeatPenalty > 0 {
			if logits[id] > 0 {
				logits[id] /= s.cfg.RepeatPenalty
			} else {
				logits[id] *= s.cfg.RepeatPenalty
			}
		}

		logits[id] -= s.cfg.FrequencyPenalty * float32(cnt)
		logits[id] -= s.cfg.PresencePenalty
	}
}

func (s *Sampler) applyLogitBias(logits []float32) {
	for id, bias := range s.cfg.LogitBias {
		if int(id) < 0 || int(id) >= len(logits) {
			continue
		}

		logits[id] += bias
	}
}

func (s *Sampler) filterTopKTopPMinP(cands []Candidate) []Candidate {
	out := cands

	if k := s.cfg.TopK; k > 0 && k < len(out) {
		out = out[:k]
	}

	if p := s.cfg.TopP; p > 0 && p < 1 {
		softmax(out)

		var cum float32

		cut := len(out)

		for i, c := range out {
			cum += c.Prob
			if cum >= p {
				cut = i + 1
				break
			}
		}

		out = out[:cut]
	}

	if mp := s.cfg.MinP; mp > 0 && len(out) > 0 {
		softmax(out)

		maxProb := out[0].Prob

		cut := len(out)

		for i, c := range out {
			if c.Prob < mp*maxProb {
				cut = i
				break
			}
		}

		if cut == 0 {
			cut = 1
		}

		out = out[:cut]
	}

	return out
}

func applyTemperature(cands []Candidate, temp float32) {
	for i := range cands {
		cands[i].Logit /= temp
	}
}

func softmax(cands []Candidate) {
	if len(cands) == 0 {
		return
	}

	maxLogit := cands[0].Logit
	for _, c := range cands {
		if c.Logit > maxLogit {
			maxLogit = c.Logit
		}
	}

	var sum float32

	for i, c := range cands {
		e := float32(math.Exp(float64(c.Logit - maxLogit)))
		cands[i].Prob = e
		sum += e
	}

	if sum == 0 {
		return
	}

	for i := range cands {
		cands[i].Prob /= sum
	}
}

func (s *Sampler) weightedChoice(cands []Candidate) token.ID {
	if len(cands) == 0 {
		return 0
	}

	r := s.rng.Float64()

	var cum float32

	for _, c := range cands {
		cum += c.Prob
		if float64(cum) >= r {
			return c.Token
		}
	}

	return cands[len(cands)-1].Token
}

func topN(cands []Candidate, n int) []Candidate {
	if n <= 0 {
		return nil
	}

	if n > len(cands) {
		n = len(cands)
	}

	out := make([]Candidate, n)
	copy(out, cands[:n])

	return out
}
