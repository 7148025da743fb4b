// Package middleware holds httpapi's gin middleware chain: error envelope,
// API key auth, recovery and access logging, grounded on the teacher
// gateway's own internal/server/middleware package.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorKind is the error envelope's "type" field (spec §7 "Error kinds
// propagated to clients").
type ErrorKind string

const (
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindAuthentication    ErrorKind = "authentication"
	KindNotFound          ErrorKind = "not_found"
	KindPermission        ErrorKind = "permission"
	KindUnavailable       ErrorKind = "unavailable"
	KindNotSupported      ErrorKind = "not_supported"
	KindExceedContextSize ErrorKind = "exceed_context_size"
	KindServer            ErrorKind = "server"
)

// APIError carries both the Go error interface and the envelope fields
// AbortWithError serializes, including ExceedContextSize's extra counters.
type APIError struct {
	Kind    ErrorKind
	Message string
	Code    int

	NPromptTokens int
	NCtx          int
}

func (e *APIError) Error() string { return e.Message }

// New builds a plain APIError of the given kind.
func New(kind ErrorKind, status int, msg string) *APIError {
	return &APIError{Kind: kind, Message: msg, Code: status}
}

// ExceedContextSize builds the exceed_context_size variant, which carries
// n_prompt_tokens and n_ctx alongside message/type (spec §6).
func ExceedContextSize(nPromptTokens, nCtx int) *APIError {
	return &APIError{
		Kind:          KindExceedContextSize,
		Code:          http.StatusBadRequest,
		Message:       "the request exceeds the available context size",
		NPromptTokens: nPromptTokens,
		NCtx:          nCtx,
	}
}

type errorBody struct {
	Message       string `json:"message"`
	Type          string `json:"type"`
	Code          int    `json:"code"`
	NPromptTokens int    `json:"n_prompt_tokens,omitempty"`
	NCtx          int    `json:"n_ctx,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// AbortWithError aborts the request with the spec §6 JSON error envelope,
// registering err on the gin context for access logging (mirrors the
// teacher's middleware.AbortWithError).
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)

	apiErr, ok := err.(*APIError)
	if !ok {
		apiErr = &APIError{Kind: KindServer, Code: http.StatusInternalServerError, Message: err.Error()}
	}

	c.AbortWithStatusJSON(apiErr.Code, errorEnvelope{Error: errorBody{
		Message:       apiErr.Message,
		Type:          string(apiErr.Kind),
		Code:          apiErr.Code,
		NPromptTokens: apiErr.NPromptTokens,
		NCtx:          apiErr.NCtx,
	}})
}

// WriteSSEError emits the spec §7 "subsequent errors become an SSE error
// event" path: a single `event: error` / `data: <envelope>` frame, used
// once streaming has already started and a 4xx/5xx body is no longer
// possible.
func WriteSSEError(c *gin.Context, err error) {
	apiErr, ok := err.(*APIError)
	if !ok {
		apiErr = &APIError{Kind: KindServer, Code: http.StatusInternalServerError, Message: err.Error()}
	}

	body := errorEnvelope{Error: errorBody{
		Message:       apiErr.Message,
		Type:          string(apiErr.Kind),
		Code:          apiErr.Code,
		NPromptTokens: apiErr.NPromptTokens,
		NCtx:          apiErr.NCtx,
	}}

	c.SSEvent("error", body)
	c.Writer.Flush()
}
