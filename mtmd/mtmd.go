// Package mtmd declares the opaque multimodal-preprocessing collaborator:
// the component that turns raw image/audio bytes into MediaChunk-sized
// embeddings the backend can decode like any other token span. Its
// internals (vision/audio encoders) are out of scope per spec §1.
package mtmd

import (
	"context"

	"github.com/wireloom/llamaserve/token"
)

// Input is one piece of raw media referenced from a chat message.
type Input struct {
	MimeType string
	Data     []byte
}

// Chunk is the result of preprocessing one Input: a MediaChunk descriptor
// plus the opaque encoded payload the backend will consume at decode time.
type Chunk struct {
	Media   *token.MediaChunk
	Payload []byte
}

// Processor tokenizes media inputs into MediaChunk-backed spans that can be
// appended to a TokenBuf alongside ordinary text tokens.
type Processor interface {
	// Process encodes input and returns the chunk to push onto the
	// prompt's TokenBuf via TokenBuf.PushMedia.
	Process(ctx context.Context, input Input) (Chunk, error)

	// Supports reports whether this processor can handle the given MIME
	// type, so the facade can reject unsupported media up front.
	Supports(mimeType string) bool
}

// Disabled is a Processor that rejects everything, used when a model was
// loaded without multimodal support.
type Disabled struct{}

func (Disabled) Process(ctx context.Context, input Input) (Chunk, error) {
	return Chunk{}, ErrUnsupported
}

func (Disabled) Supports(mimeType string) bool { return false }

// ErrUnsupported is returned by Disabled, and by a real Processor for MIME
// types it doesn't recognize.
var ErrUnsupported = errUnsupported{}

type errUnsupported struct{}

func (errUnsupported) Error() string { return "mtmd: media type not supported by loaded model" }
