package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/facade"
)

type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// handleModels implements /models and /v1/models: a single-entry list
// naming the one model this process loaded (spec §4.9 "get_meta").
func handleModels(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := f.GetMeta()

		c.JSON(http.StatusOK, gin.H{
			"object": "list",
			"data":   []modelCard{{ID: meta.Alias, Object: "model", OwnedBy: "llamaserve"}},
		})
	}
}

// handleTags implements Ollama's /api/tags.
func handleTags(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := f.GetMeta()

		c.JSON(http.StatusOK, gin.H{
			"models": []gin.H{{"name": meta.Alias, "model": meta.Alias}},
		})
	}
}

// handleShow implements Ollama's /api/show, echoing model capability
// fields a client would otherwise have to guess.
func handleShow(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := f.GetMeta()

		c.JSON(http.StatusOK, gin.H{
			"modelfile": "",
			"parameters": "",
			"template":  meta.ChatTemplate,
			"details": gin.H{
				"family":       meta.ModelName,
				"parameter_size": "",
			},
			"model_info": gin.H{
				"n_ctx":        meta.NCtx,
				"n_parallel":   meta.NParallel,
				"pooling_type": meta.PoolingType,
				"multimodal":   meta.Multimodal,
			},
		})
	}
}

// handleProps implements GET /props: the server/model capability snapshot
// clients probe before issuing completions (chat template, context size,
// bos/eos strings).
func handleProps(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := f.GetMeta()

		c.JSON(http.StatusOK, gin.H{
			"default_generation_settings": gin.H{
				"n_ctx": meta.NCtx,
			},
			"total_slots":   meta.NParallel,
			"model_path":    meta.ModelName,
			"chat_template": meta.ChatTemplate,
			"bos_token":     meta.BOS,
			"eos_token":     meta.EOS,
		})
	}
}

type propsUpdateRequest struct {
	Props map[string]any `json:"props"`
}

// handleUpdateProps implements POST /props. This server's capability
// snapshot is derived from the loaded model and process configuration, so
// there is nothing in it a request body can mutate; the endpoint exists
// for client compatibility and always reports success.
func handleUpdateProps(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req propsUpdateRequest
		_ = c.ShouldBindJSON(&req)

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
