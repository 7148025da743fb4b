package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi/middleware"
	"github.com/wireloom/llamaserve/token"
)

type tokenizeRequest struct {
	Content      string `json:"content"`
	AddSpecial   bool   `json:"add_special"`
	ParseSpecial *bool  `json:"parse_special"`
	WithPieces   bool   `json:"with_pieces"`
}

type tokenPiece struct {
	ID    token.ID `json:"id"`
	Piece string   `json:"piece"`
}

// handleTokenize implements /tokenize: with_pieces swaps the plain id
// array for {id, piece} pairs, each piece detokenized on its own so the
// caller can align ids to surface text one-for-one.
func handleTokenize(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		parseSpecial := true
		if req.ParseSpecial != nil {
			parseSpecial = *req.ParseSpecial
		}

		ids, err := f.Backend().Tokenize(req.Content, req.AddSpecial, parseSpecial)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		if !req.WithPieces {
			c.JSON(http.StatusOK, gin.H{"tokens": ids})
			return
		}

		pieces := make([]tokenPiece, len(ids))

		for i, id := range ids {
			text, _ := f.Backend().Detokenize([]token.ID{id}, true)
			pieces[i] = tokenPiece{ID: id, Piece: text}
		}

		c.JSON(http.StatusOK, gin.H{"tokens": pieces})
	}
}

type detokenizeRequest struct {
	Tokens []token.ID `json:"tokens"`
}

func handleDetokenize(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req detokenizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		text, err := f.Backend().Detokenize(req.Tokens, true)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
			return
		}

		c.JSON(http.StatusOK, gin.H{"content": text})
	}
}

type applyTemplateRequest struct {
	Messages []ChatMessageJSON `json:"messages"`
}

// handleApplyTemplate renders messages through the configured chat
// template and returns the raw prompt string, without tokenizing or
// submitting any generation — a dry run of what /chat/completions would
// send the model.
func handleApplyTemplate(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req applyTemplateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		if f.Renderer() == nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindNotSupported, http.StatusNotImplemented, "no chat template configured for this model"))
			return
		}

		msgs, _ := toChatMsgs(req.Messages)

		prompt, err := f.Renderer().Render(msgs, true)
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "chat template render: "+err.Error()))
			return
		}

		c.JSON(http.StatusOK, gin.H{"prompt": prompt})
	}
}
