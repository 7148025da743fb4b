package httpapi

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/wireloom/llamaserve/chatparser"
	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi/middleware"
	"github.com/wireloom/llamaserve/sampler"
	"github.com/wireloom/llamaserve/sampler/grammar"
	"github.com/wireloom/llamaserve/slot"
	"github.com/wireloom/llamaserve/token"
)

// SamplerParams is the sampling-knob vocabulary shared by every generation
// endpoint (spec §6), embedded directly into each request DTO so its
// fields surface at the top level of the JSON body rather than nested.
type SamplerParams struct {
	Temperature      *float32         `json:"temperature,omitempty"`
	TopK             *int             `json:"top_k,omitempty"`
	TopP             *float32         `json:"top_p,omitempty"`
	MinP             *float32         `json:"min_p,omitempty"`
	RepeatPenalty    *float32         `json:"repeat_penalty,omitempty"`
	RepeatLastN      *int             `json:"repeat_last_n,omitempty"`
	FrequencyPenalty *float32         `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32         `json:"presence_penalty,omitempty"`
	Seed             *uint64          `json:"seed,omitempty"`
	NProbs           *int             `json:"n_probs,omitempty"`
	LogitBias        map[string]float32 `json:"logit_bias,omitempty"`
}

// LoraEntry is one element of the "lora" request array: {id, scale}.
type LoraEntry struct {
	ID    string  `json:"id"`
	Scale float32 `json:"scale"`
}

// SpeculativeParams is the "speculative" request object (spec §4.4 step 8):
// n_min/n_max bound how many draft tokens to propose per round, p_min is
// reserved for a future confidence-gated draft backend and currently only
// threaded through to slot.TaskParams unused by the scheduler.
type SpeculativeParams struct {
	NMin int     `json:"n_min"`
	NMax int     `json:"n_max"`
	PMin float64 `json:"p_min"`
}

// GenParams is the common, dialect-independent subset of every generation
// request's fields (spec §6), shared by /completion and every chat/
// responses/messages variant after each endpoint's own parsing peels off
// its dialect-specific envelope (messages[] vs prompt, model name, ...).
type GenParams struct {
	Sampler SamplerParams

	Stream        bool
	CachePrompt   *bool
	NPredict      int
	NKeep         int
	NDiscard      int
	NIndent       int
	TMaxPredictMs int64
	Stop          []string
	NCmpl         int
	Lora          []LoraEntry
	Speculative   SpeculativeParams

	Grammar        string
	JSONSchema     json.RawMessage
	ResponseFields []string

	ChatFormat         string
	ReasoningFormat    string
	ThinkingForcedOpen bool
	ParseToolCalls     bool
	ChatParser         string
}

func loraScales(entries []LoraEntry) map[string]float32 {
	if len(entries) == 0 {
		return nil
	}

	out := make(map[string]float32, len(entries))
	for _, e := range entries {
		out[e.ID] = e.Scale
	}

	return out
}

// buildSamplerConfig translates wire-level sampler knobs onto
// sampler.Config, defaulting anything unset from sampler.DefaultConfig and
// compiling a grammar when the request carries a json_schema (spec §6's
// "grammar/json_schema" knobs). A raw grammar string (GenParams.Grammar)
// is not compiled and leaves cfg.Grammar unset.
func buildSamplerConfig(ctx context.Context, compiler *grammar.Compiler, gp GenParams) (sampler.Config, error) {
	cfg := sampler.DefaultConfig()

	sp := gp.Sampler
	if sp.Temperature != nil {
		cfg.Temperature = *sp.Temperature
	}
	if sp.TopK != nil {
		cfg.TopK = *sp.TopK
	}
	if sp.TopP != nil {
		cfg.TopP = *sp.TopP
	}
	if sp.MinP != nil {
		cfg.MinP = *sp.MinP
	}
	if sp.RepeatPenalty != nil {
		cfg.RepeatPenalty = *sp.RepeatPenalty
	}
	if sp.RepeatLastN != nil {
		cfg.RepeatLastN = *sp.RepeatLastN
	}
	if sp.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = *sp.FrequencyPenalty
	}
	if sp.PresencePenalty != nil {
		cfg.PresencePenalty = *sp.PresencePenalty
	}
	if sp.Seed != nil {
		cfg.Seed = *sp.Seed
	}
	if sp.NProbs != nil {
		cfg.NProbs = *sp.NProbs
	}

	if len(sp.LogitBias) > 0 {
		cfg.LogitBias = make(map[token.ID]float32, len(sp.LogitBias))

		for k, v := range sp.LogitBias {
			id, err := strconv.ParseInt(k, 10, 32)
			if err == nil {
				cfg.LogitBias[token.ID(id)] = v
			}
		}
	}

	if len(gp.JSONSchema) > 0 {
		compiled, err := compiler.Compile(ctx, grammar.Spec{JSONSchema: gp.JSONSchema})
		if err != nil {
			return cfg, middleware.New(middleware.KindInvalidRequest, 400, "invalid json_schema: "+err.Error())
		}

		cfg.Grammar = compiled
	}

	return cfg, nil
}

// buildTaskParams translates the common fields onto slot.TaskParams.
func buildTaskParams(gp GenParams, embedding, rerank bool, poolingType string) slot.TaskParams {
	nPredict := gp.NPredict
	if nPredict == 0 {
		nPredict = -1
	}

	return slot.TaskParams{
		NPredict:      nPredict,
		NKeep:         gp.NKeep,
		NDiscard:      gp.NDiscard,
		NIndent:       gp.NIndent,
		TMaxPredictMs: gp.TMaxPredictMs,
		Antiprompt:    gp.Stop,
		LoraAdapters:  loraScales(gp.Lora),
		Embedding:     embedding,
		Rerank:        rerank,
		PoolingType:   poolingType,
		SpecNMin:      gp.Speculative.NMin,
		SpecNMax:      gp.Speculative.NMax,
		SpecPMin:      gp.Speculative.PMin,
	}
}

// chatParserOptions translates the request's chat-parsing knobs onto
// chatparser.Options, defaulting Format from facade config when the
// request didn't name one.
func chatParserOptions(gp GenParams, defaultFormat string) chatparser.Options {
	format := gp.ChatParser
	if format == "" {
		format = gp.ChatFormat
	}
	if format == "" {
		format = defaultFormat
	}

	rf := chatparser.ReasoningAuto

	switch gp.ReasoningFormat {
	case "deepseek":
		rf = chatparser.ReasoningDeepSeek
	case "none":
		rf = chatparser.ReasoningNone
	}

	return chatparser.Options{
		Format:             format,
		ReasoningFormat:    rf,
		ThinkingForcedOpen: gp.ThinkingForcedOpen,
		ParseToolCalls:     gp.ParseToolCalls,
	}
}

func cachePromptEnabled(f *facade.Facade, gp GenParams) bool {
	if gp.CachePrompt != nil {
		return *gp.CachePrompt
	}

	return f.Config().Slots.CachePrompt
}
