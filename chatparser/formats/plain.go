package formats

import "github.com/wireloom/llamaserve/chatparser"

func init() {
	chatparser.Register("Plain", chatparser.FormatFunc(parsePlain))
}

// parsePlain is the fallback dialect for models with no tool-calling
// convention of their own: the entire accumulated text is content, with no
// reasoning span and no tool calls.
func parsePlain(text string, partial bool, opts chatparser.Options) chatparser.ChatMsg {
	return chatparser.ChatMsg{Role: "assistant", Content: text}
}
