package formats

import (
	"strings"

	"github.com/wireloom/llamaserve/chatparser"
)

func init() {
	chatparser.Register("GPT-OSS", chatparser.FormatFunc(parseGPTOSS))
}

// parseGPTOSS implements the GPT-OSS multi-channel dialect (spec §4.5):
// <|channel|>analysis|commentary|final<|message|>...<|end|>, with an
// optional "to=functions.NAME" in the role header and a "<|constrain|>json"
// marker preceding function-call arguments in the commentary channel.
func parseGPTOSS(text string, partial bool, opts chatparser.Options) chatparser.ChatMsg {
	msg := chatparser.ChatMsg{Role: "assistant"}

	rest := text
	for {
		idx := strings.Index(rest, "<|channel|>")
		if idx < 0 {
			break
		}

		rest = rest[idx+len("<|channel|>"):]

		header, body, hasEnd, after := splitChannelBody(rest)

		channel, target := splitChannelHeader(header)

		switch channel {
		case "analysis":
			if opts.ReasoningFormat != chatparser.ReasoningNone {
				msg.ReasoningContent += body
			} else if opts.ReasoningInContent {
				msg.Content += body
			}
		case "commentary":
			if target != "" {
				msg.ToolCalls = append(msg.ToolCalls, parseGPTOSSCall(target, body))
			} else {
				msg.Content += body
			}
		case "final":
			msg.Content += body
		}

		if !hasEnd {
			break
		}

		rest = after
	}

	return msg
}

func splitChannelHeader(header string) (channel, target string) {
	parts := strings.Fields(header)
	if len(parts) == 0 {
		return "", ""
	}

	channel = parts[0]

	for _, p := range parts[1:] {
		if strings.HasPrefix(p, "to=functions.") {
			target = strings.TrimPrefix(p, "to=functions.")
		}
	}

	return channel, target
}

// splitChannelBody splits "HEADER<|message|>BODY<|end|>REST", tolerating a
// missing <|end|> for partial streaming (hasEnd=false, after is empty).
func splitChannelBody(rest string) (header, body string, hasEnd bool, after string) {
	msgIdx := strings.Index(rest, "<|message|>")
	if msgIdx < 0 {
		return rest, "", false, ""
	}

	header = rest[:msgIdx]
	tail := rest[msgIdx+len("<|message|>"):]

	endIdx := strings.Index(tail, "<|end|>")
	if endIdx < 0 {
		return header, tail, false, ""
	}

	return header, tail[:endIdx], true, tail[endIdx+len("<|end|>"):]
}

func parseGPTOSSCall(name, body string) chatparser.ToolCall {
	body = strings.TrimPrefix(strings.TrimSpace(body), "<|constrain|>json")
	return chatparser.ToolCall{Name: name, Arguments: strings.TrimSpace(body)}
}
