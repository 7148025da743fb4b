package formats

import (
	"strings"

	"github.com/wireloom/llamaserve/chatparser"
)

// genericConfig parameterizes the tagged-block engine shared by the
// simpler dialects: each wraps its tool call(s) in one open/close tag pair
// around a {"name":...,"arguments":{...}} (or bare-object) body, and most
// have no reasoning span of their own (reasoning, where present, already
// arrives pre-split by the chat template and these dialects only need to
// find tool calls in the remaining content).
type genericConfig struct {
	toolOpen, toolClose   string
	reasoningOpen, reasoningClose string
}

var genericDialects = map[string]genericConfig{
	"Functionary-v3.1":  {toolOpen: ">>>", toolClose: "\n"},
	"Functionary-v3.2":  {toolOpen: "<|start|>assistant<|channel|>commentary", toolClose: "<|end|>"},
	"Firefunction-v2":   {toolOpen: " functools[", toolClose: "]"},
	"Command-R7B":       {toolOpen: "<|START_ACTION|>", toolClose: "<|END_ACTION|>"},
	"Mistral-Nemo":      {toolOpen: "[TOOL_CALLS]", toolClose: "[/TOOL_CALLS]"},
	"Magistral":         {toolOpen: "[TOOL_CALLS]", toolClose: "[/TOOL_CALLS]", reasoningOpen: "[THINK]", reasoningClose: "[/THINK]"},
	"Granite":           {toolOpen: "<tool_call>", toolClose: "</tool_call>"},
	"Nemotron-v2":       {toolOpen: "<TOOLCALL>", toolClose: "</TOOLCALL>", reasoningOpen: "<think>", reasoningClose: "</think>"},
	"Seed-OSS":          {toolOpen: "<seed:tool_call>", toolClose: "</seed:tool_call>", reasoningOpen: "<seed:think>", reasoningClose: "</seed:think>"},
	"Apertus":           {toolOpen: "<|tool_call_start|>", toolClose: "<|tool_call_end|>", reasoningOpen: "<|inner_prefix|>", reasoningClose: "<|inner_suffix|>"},
	"LFM2":              {toolOpen: "<|tool_call_start|>", toolClose: "<|tool_call_end|>"},
	"MiniMax-M2":        {toolOpen: "<minimax:tool_call>", toolClose: "</minimax:tool_call>", reasoningOpen: "<think>", reasoningClose: "</think>"},
	"GLM-4.5":           {toolOpen: "<tool_call>", toolClose: "</tool_call>", reasoningOpen: "<think>", reasoningClose: "</think>"},
	"GLM-4.6":           {toolOpen: "<tool_call>", toolClose: "</tool_call>", reasoningOpen: "<think>", reasoningClose: "</think>"},
	"Kimi-K2":           {toolOpen: "<|tool_calls_section_begin|>", toolClose: "<|tool_calls_section_end|>", reasoningOpen: "<think>", reasoningClose: "</think>"},
}

func init() {
	for name, cfg := range genericDialects {
		cfg := cfg
		chatparser.Register(name, chatparser.FormatFunc(func(text string, partial bool, opts chatparser.Options) chatparser.ChatMsg {
			return parseGeneric(cfg, text, partial, opts)
		}))
	}
}

func parseGeneric(cfg genericConfig, text string, partial bool, opts chatparser.Options) chatparser.ChatMsg {
	msg := chatparser.ChatMsg{Role: "assistant"}

	rest := text

	if cfg.reasoningOpen != "" {
		reasoning, after, inReasoning := splitReasoning(text, cfg.reasoningOpen, cfg.reasoningClose, opts.ThinkingForcedOpen)
		if opts.ReasoningFormat != chatparser.ReasoningNone {
			msg.ReasoningContent = reasoning
		} else if opts.ReasoningInContent {
			msg.Content = reasoning
		}

		if inReasoning {
			return msg
		}

		rest = after
	}

	if cfg.toolOpen == "" {
		msg.Content += rest
		return msg
	}

	content, calls := extractToolCalls(rest, cfg.toolOpen, cfg.toolClose)
	msg.Content += content
	msg.ToolCalls = calls

	return msg
}
