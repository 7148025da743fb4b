package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/httpapi/middleware"
	"github.com/wireloom/llamaserve/internal/pkg/streams"
	"github.com/wireloom/llamaserve/reader"
)

// Frame is one SSE wire frame. Event is left empty for the plain OpenAI
// completions/chat style ("data: <json>\n\n"); it is set to a name for the
// Responses/Anthropic style ("event: <name>\ndata: <json>\n\n"), matching
// the per-dialect shapes in spec §6. gin's SSEvent omits the "event:" line
// entirely when Event is "".
type Frame struct {
	Event string
	Data  any
}

// FrameFunc converts one reader.Item into the wire frames it produces. Most
// items produce exactly one frame; a dialect whose payload is a JSON array
// (spec §6 "a JSON array as event payload produces one event per element")
// returns one Frame per element instead.
type FrameFunc func(item reader.Item) []Frame

// WriteSSEStream drives stream to completion, converting each item to wire
// frames via toFrames and writing them as they arrive, grounded on the
// teacher gateway's WriteSSEStream: detect client disconnect via
// CloseNotify, bail out on ctx cancellation, otherwise pull-and-flush one
// item at a time so no response is buffered longer than necessary. The
// first error seen (either from the stream itself or a terminal error
// item) is written as a single SSE "error" event per spec §7's "subsequent
// errors become an SSE error event" rule, since headers are already
// committed by the time streaming starts. done, if non-nil, is appended as
// a final frame once the stream ends cleanly (e.g. OpenAI's "data:
// [DONE]\n\n").
func WriteSSEStream(c *gin.Context, stream streams.Stream[reader.Item], toFrames FrameFunc, done *Frame) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	clientGone := c.Writer.CloseNotify()
	ctx := c.Request.Context()

	for {
		select {
		case <-clientGone:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !stream.Next() {
			if err := stream.Err(); err != nil {
				middleware.WriteSSEError(c, err)
				return
			}

			break
		}

		item := stream.Current()
		if item.Err != nil {
			middleware.WriteSSEError(c, item.Err)
			return
		}

		for _, f := range toFrames(item) {
			c.SSEvent(f.Event, f.Data)
			c.Writer.Flush()
		}

		if item.Final {
			break
		}

		continue
	}

	if done != nil {
		c.SSEvent(done.Event, done.Data)
		c.Writer.Flush()
	}
}

// DoneFrame is the OpenAI-style stream terminator: "data: [DONE]\n\n".
var DoneFrame = Frame{Data: "[DONE]"}

// writeJSON writes a single non-streaming JSON response body (spec §6's
// "stream: false" path).
func writeJSON(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
