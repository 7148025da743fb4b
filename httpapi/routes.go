package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi/middleware"
	"github.com/wireloom/llamaserve/internal/config"
	"github.com/wireloom/llamaserve/internal/log"

	// Register every built-in chat-parsing dialect.
	_ "github.com/wireloom/llamaserve/chatparser/formats"
)

// defaultChatFormat is the fallback dialect for requests that don't name
// one, a permissive parser that treats the whole message as plain content.
const defaultChatFormat = "Plain"

// registerRoutes wires every path spec §6 names onto engine, grouped the
// way the teacher's SetupRoutes groups admin vs. API-key-gated traffic:
// health and metrics are public, everything else sits behind the shared
// key and a per-request timeout.
func registerRoutes(engine *gin.Engine, cfg config.Config, f *facade.Facade) {
	public := engine.Group("")
	{
		public.GET("/health", handleHealth(f))
		public.GET("/v1/health", handleHealth(f))
		public.GET("/metrics", handleMetrics(f))
	}

	var keyStore *middleware.KeyStore

	if cfg.Auth.Enabled {
		ks, err := middleware.NewKeyStore(cfg.Auth.APIKeys)
		if err != nil {
			log.Error(context.Background(), "failed to build API key store", log.Cause(err))
		} else {
			keyStore = ks
		}
	}

	api := engine.Group("",
		middleware.WithAPIKeyAuth(keyStore),
		middleware.WithTimeout(cfg.Server.RequestTimeout),
	)

	api.GET("/props", handleProps(f))
	api.POST("/props", handleUpdateProps(f))
	api.GET("/api/show", handleShow(f))

	api.GET("/models", handleModels(f))
	api.GET("/v1/models", handleModels(f))
	api.GET("/api/tags", handleTags(f))

	api.POST("/tokenize", handleTokenize(f))
	api.POST("/detokenize", handleDetokenize(f))
	api.POST("/apply-template", handleApplyTemplate(f))

	api.POST("/completion", handleCompletion(f))
	api.POST("/completions", handleCompletion(f))
	api.POST("/v1/completions", handleCompletion(f))

	api.POST("/chat/completions", handleChatCompletions(f, defaultChatFormat))
	api.POST("/v1/chat/completions", handleChatCompletions(f, defaultChatFormat))
	api.POST("/api/chat", handleChatCompletions(f, defaultChatFormat))

	api.POST("/v1/responses", handleResponses(f, defaultChatFormat))

	api.POST("/v1/messages", handleMessages(f, defaultChatFormat))
	api.POST("/v1/messages/count_tokens", handleCountTokens(f))

	api.POST("/infill", handleInfill(f))

	api.POST("/embedding", handleEmbeddings(f))
	api.POST("/embeddings", handleEmbeddings(f))
	api.POST("/v1/embeddings", handleEmbeddings(f))

	api.POST("/rerank", handleRerank(f))
	api.POST("/reranking", handleRerank(f))
	api.POST("/v1/rerank", handleRerank(f))
	api.POST("/v1/reranking", handleRerank(f))

	api.GET("/lora-adapters", handleGetLora(f))
	api.POST("/lora-adapters", handleSetLora(f))

	api.GET("/slots", handleSlots(f))
	api.POST("/slots/:id_slot", handleSlotAction(f))
}
