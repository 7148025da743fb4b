package chatparser

// TemplateRenderer renders a chat message array into the raw prompt string
// a model expects, mirroring the opaque Jinja/minja chat-template engine —
// out of scope the same way backend and mtmd are (spec §1), injected here
// so /apply-template can preview a rendered prompt without generating.
type TemplateRenderer interface {
	Render(messages []ChatMsg, addGenerationPrompt bool) (string, error)
}

// RenderFunc adapts a plain function to TemplateRenderer.
type RenderFunc func(messages []ChatMsg, addGenerationPrompt bool) (string, error)

func (f RenderFunc) Render(messages []ChatMsg, addGenerationPrompt bool) (string, error) {
	return f(messages, addGenerationPrompt)
}
