package chatparser

import (
	"context"

	"github.com/kaptinlin/jsonrepair"
	"github.com/samber/lo"
)

// State is the per-reader, per-task-index parser state named in spec §3
// ("ParserState"): the raw text accumulated so far and the last parsed
// ChatMsg. Tool-call ids are whatever the underlying Format assigns (some
// dialects, e.g. Hermes-2-Pro, don't assign one at all — see S6).
type State struct {
	opts Options
	fmt  Format

	accumulated string
	parsed      ChatMsg
}

// NewState creates parser state for opts.Format, resolved from the
// registry built up by blank-importing chatparser/formats.
func NewState(opts Options) (*State, error) {
	f, err := Lookup(opts.Format)
	if err != nil {
		return nil, err
	}

	return &State{opts: opts, fmt: f, parsed: ChatMsg{Role: "assistant"}}, nil
}

// Feed appends delta to the accumulated text and reparses, returning the
// diff between the previous and new parsed message (spec §4.5
// "compute_diffs").
func (s *State) Feed(ctx context.Context, delta string) Diff {
	s.accumulated += delta

	prev := s.parsed
	curr := s.fmt.Parse(s.accumulated, true, s.opts)
	s.parsed = curr

	return ComputeDiffs(prev, curr)
}

// Finish reparses the full accumulated text with partial=false, for the
// non-streaming response path. Each tool call's Arguments is run through a
// JSON repair pass first: dialects extract "arguments" by scanning for a
// brace-matched span rather than a full parse (see formats.objectField),
// which can leave a trailing comma or an unescaped quote a strict decoder
// would reject.
func (s *State) Finish() ChatMsg {
	s.parsed = s.fmt.Parse(s.accumulated, false, s.opts)

	s.parsed.ToolCalls = lo.Map(s.parsed.ToolCalls, func(tc ToolCall, _ int) ToolCall {
		if tc.Arguments == "" {
			return tc
		}

		if repaired, err := jsonrepair.JSONRepair(tc.Arguments); err == nil {
			tc.Arguments = repaired
		}

		return tc
	})

	return s.parsed
}

// Current returns the last parsed message without reparsing.
func (s *State) Current() ChatMsg { return s.parsed }
