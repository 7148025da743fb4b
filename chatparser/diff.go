package chatparser

// ToolCallDelta is the incremental portion of one tool call since the
// previous diff — grounded on the teacher's choice-aggregation-by-index
// pattern (map/slice indexed by position, monotonic string builders) from
// its OpenAI-compatible response aggregator.
type ToolCallDelta struct {
	Index        int
	NameDelta    string
	IDDelta      string
	ArgumentsDelta string
}

// Diff is one incremental update emitted by Feed, matching spec §4.5
// "compute_diffs": {content_delta, reasoning_content_delta,
// tool_call_index, tool_call_delta}.
type Diff struct {
	ContentDelta          string
	ReasoningContentDelta string
	ToolCallDeltas        []ToolCallDelta
}

// ComputeDiffs derives the delta needed to bring prev up to curr, assuming
// the monotonicity invariant holds (every field of curr extends the
// corresponding field of prev by a suffix — spec §8 property 4). When a
// field unexpectedly fails to have the other as a prefix (a format bug),
// the whole new value is emitted rather than panicking, so streaming
// degrades to a content replace instead of crashing the reader.
func ComputeDiffs(prev, curr ChatMsg) Diff {
	d := Diff{
		ContentDelta:          suffixDelta(prev.Content, curr.Content),
		ReasoningContentDelta: suffixDelta(prev.ReasoningContent, curr.ReasoningContent),
	}

	for i, c := range curr.ToolCalls {
		var p ToolCall
		if i < len(prev.ToolCalls) {
			p = prev.ToolCalls[i]
		}

		delta := ToolCallDelta{
			Index:          i,
			NameDelta:      suffixDelta(p.Name, c.Name),
			IDDelta:        suffixDelta(p.ID, c.ID),
			ArgumentsDelta: suffixDelta(p.Arguments, c.Arguments),
		}

		if delta.NameDelta == "" && delta.IDDelta == "" && delta.ArgumentsDelta == "" {
			continue
		}

		d.ToolCallDeltas = append(d.ToolCallDeltas, delta)
	}

	return d
}

func suffixDelta(prev, curr string) string {
	if len(curr) <= len(prev) {
		if curr == prev {
			return ""
		}
		// curr failed to extend prev: emit the full new value as a
		// reset rather than silently dropping bytes.
		return curr
	}

	if curr[:len(prev)] != prev {
		return curr
	}

	return curr[len(prev):]
}

// Apply folds d onto base, used by tests to verify property 5 (diff
// composition): concatenating every Feed's diff and applying it in order
// must reproduce the final Finish() result.
func Apply(base ChatMsg, d Diff) ChatMsg {
	out := base.Clone()
	out.Content += d.ContentDelta
	out.ReasoningContent += d.ReasoningContentDelta

	for _, td := range d.ToolCallDeltas {
		for len(out.ToolCalls) <= td.Index {
			out.ToolCalls = append(out.ToolCalls, ToolCall{})
		}

		out.ToolCalls[td.Index].Name += td.NameDelta
		out.ToolCalls[td.Index].ID += td.IDDelta
		out.ToolCalls[td.Index].Arguments += td.ArgumentsDelta
	}

	return out
}
