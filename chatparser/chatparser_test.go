package chatparser_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloom/llamaserve/chatparser"
	_ "github.com/wireloom/llamaserve/chatparser/formats"
)

func TestHermesToolCall_S6(t *testing.T) {
	state, err := chatparser.NewState(chatparser.Options{Format: "Hermes-2-Pro", ParseToolCalls: true})
	require.NoError(t, err)

	state.Feed(context.Background(), "<tool_call>\n{\"name\": \"lookup\", \"arguments\": {\"q\": \"abc\"}}\n</tool_call>")
	msg := state.Finish()

	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "lookup", msg.ToolCalls[0].Name)
	assert.Equal(t, `{"q": "abc"}`, msg.ToolCalls[0].Arguments)
	assert.Equal(t, "", msg.ToolCalls[0].ID)
}

func TestDeepSeekR1Reasoning_S7(t *testing.T) {
	state, err := chatparser.NewState(chatparser.Options{
		Format:             "DeepSeek-R1",
		ReasoningFormat:    chatparser.ReasoningDeepSeek,
		ThinkingForcedOpen: true,
	})
	require.NoError(t, err)

	state.Feed(context.Background(), "I'm\nthinking</think>Hello")
	msg := state.Finish()

	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, "I'm\nthinking", msg.ReasoningContent)
	assert.Empty(t, msg.ToolCalls)
}

// TestToolCallArgumentsGrowMonotonically exercises the arguments-only half
// of spec §8 property 4 (the half load-bearing for streaming UX): once the
// <tool_call> tag itself is fully open, feeding more of the JSON body never
// shrinks ToolCalls[0].Arguments.
func TestToolCallArgumentsGrowMonotonically(t *testing.T) {
	prefix := "<tool_call>\n"
	jsonBody := `{"name": "lookup", "arguments": {"q": "abc"}}`
	opts := chatparser.Options{Format: "Hermes-2-Pro"}

	f, err := chatparser.Lookup(opts.Format)
	require.NoError(t, err)

	var prevArgs string

	for i := 1; i <= len(jsonBody); i++ {
		curr := f.Parse(prefix+jsonBody[:i], true, opts)

		require.Len(t, curr.ToolCalls, 1)
		assert.True(t, strings.HasPrefix(curr.ToolCalls[0].Arguments, prevArgs) || prevArgs == "")

		if len(curr.ToolCalls[0].Arguments) >= len(prevArgs) {
			prevArgs = curr.ToolCalls[0].Arguments
		}
	}
}

func TestDiffCompositionReproducesFinalMessage(t *testing.T) {
	// Feed the opening tag as one chunk so the stream never observes an
	// ambiguous partial-tag prefix (a real reader feeds whole detokenized
	// chunks, not individual bytes mid-tag).
	prefix := "<tool_call>\n"
	jsonBody := "{\"name\": \"lookup\", \"arguments\": {\"q\": \"abc\"}}\n</tool_call>"

	state, err := chatparser.NewState(chatparser.Options{Format: "Hermes-2-Pro"})
	require.NoError(t, err)

	accumulated := chatparser.ChatMsg{Role: "assistant"}

	d := state.Feed(context.Background(), prefix)
	accumulated = chatparser.Apply(accumulated, d)

	for i := 0; i < len(jsonBody); i++ {
		d := state.Feed(context.Background(), string(jsonBody[i]))
		accumulated = chatparser.Apply(accumulated, d)
	}

	final := state.Finish()

	assert.Equal(t, final.Content, accumulated.Content)
	assert.Equal(t, final.ReasoningContent, accumulated.ReasoningContent)
	require.Len(t, accumulated.ToolCalls, len(final.ToolCalls))

	for i := range final.ToolCalls {
		assert.Equal(t, final.ToolCalls[i].Name, accumulated.ToolCalls[i].Name)
		assert.Equal(t, final.ToolCalls[i].Arguments, accumulated.ToolCalls[i].Arguments)
	}
}

func TestQwen3CoderParameterCoercion(t *testing.T) {
	f, err := chatparser.Lookup("Qwen3-Coder")
	require.NoError(t, err)

	text := "<tool_call><function=get_weather><parameter=city>Paris</parameter><parameter=days>3</parameter></function></tool_call>"
	msg := f.Parse(text, false, chatparser.Options{Format: "Qwen3-Coder"})

	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "get_weather", msg.ToolCalls[0].Name)
	assert.Equal(t, `{"city":"Paris","days":3}`, msg.ToolCalls[0].Arguments)
}

func TestUnknownFormatErrors(t *testing.T) {
	_, err := chatparser.NewState(chatparser.Options{Format: "not-a-real-format"})
	assert.Error(t, err)
}
