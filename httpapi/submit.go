package httpapi

import (
	"context"

	"github.com/wireloom/llamaserve/chatparser"
	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/mtmd"
	"github.com/wireloom/llamaserve/queue"
	"github.com/wireloom/llamaserve/reader"
	"github.com/wireloom/llamaserve/scheduler"
	"github.com/wireloom/llamaserve/token"
)

// buildPromptTokens tokenizes text and, for each media input, pre-sizes
// its chunk via the multimodal processor and pushes a placeholder span
// onto the buffer immediately after the text, so the scheduler's prompt
// walk (which re-invokes the processor per spec §4.4 step 4) advances
// NPast by the same amount pre-sizing it here promised.
func buildPromptTokens(ctx context.Context, f *facade.Facade, text string, media []mtmd.Input) (*token.TokenBuf, error) {
	ids, err := f.Backend().Tokenize(text, true, true)
	if err != nil {
		return nil, err
	}

	buf := token.New(len(media) > 0)
	for _, id := range ids {
		buf.PushText(id)
	}

	mm := f.MTMD()
	if mm == nil {
		mm = mtmd.Disabled{}
	}

	for _, in := range media {
		chunk, err := mm.Process(ctx, in)
		if err != nil {
			continue
		}

		buf.PushMedia(chunk.Media)
	}

	return buf, nil
}

// submitGeneration posts one generation task and binds a Reader to it, the
// shared tail every completion/chat/responses/messages handler uses after
// building its dialect-specific GenerateRequest (spec §4.5 "post_tasks").
// state is nil for non-chat dialects; for chat dialects it carries the
// single per-task chatparser.State the reader feeds partial text through.
func submitGeneration(f *facade.Facade, req scheduler.GenerateRequest, state *chatparser.State) *reader.Reader {
	r := f.GetResponseReader()

	var states []*chatparser.State
	if state != nil {
		states = []*chatparser.State{state}
	}

	r.PostTasks([]queue.Task{{Kind: queue.KindGenerate, IDSlot: -1, Payload: req}}, states, false)

	f.RequestWakeup()

	return r
}

// submitGenerationN posts req as an n_cmpl parent/child fan-out (spec §4.3
// WaitOther / §4.4 step 7 seq_cp): the prompt is processed once by a parent
// slot, then each child's KV is copied from the parent the moment its
// prompt finishes, so the n completions only pay the shared prefix once.
// One Reader is bound to all n ids, indexed 0..n-1 in post order (parent
// first).
func submitGenerationN(f *facade.Facade, req scheduler.GenerateRequest, n int, states []*chatparser.State) *reader.Reader {
	if n < 1 {
		n = 1
	}

	r := f.GetResponseReader()

	if n == 1 {
		r.PostTasks([]queue.Task{{Kind: queue.KindGenerate, IDSlot: -1, Payload: req}}, states, false)
		f.RequestWakeup()

		return r
	}

	tq := f.TaskQueue()

	childIDs := make([]int64, n-1)
	for i := range childIDs {
		childIDs[i] = tq.NextID()
	}

	req.NChildren = n - 1
	req.ChildIDs = childIDs

	r.PostFanOut(queue.Task{Kind: queue.KindGenerate, IDSlot: -1, Payload: req}, childIDs, states)

	f.RequestWakeup()

	return r
}
