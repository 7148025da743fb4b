package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi/middleware"
	"github.com/wireloom/llamaserve/queue"
)

// slotFilePath resolves filename against the configured slot_save_path,
// rejecting anything that would escape it (path traversal via "../").
func slotFilePath(f *facade.Facade, filename string) (string, error) {
	if filename == "" || filepath.Base(filename) != filename {
		return "", fmt.Errorf("invalid filename %q", filename)
	}

	dir := f.Config().Slots.SlotSavePath
	if dir == "" {
		dir = "."
	}

	return filepath.Join(dir, filename), nil
}

func writeSlotFile(f *facade.Facade, filename string, blob []byte) error {
	path, err := slotFilePath(f, filename)
	if err != nil {
		return err
	}

	return os.WriteFile(path, blob, 0o600)
}

func readSlotFile(f *facade.Facade, filename string) ([]byte, error) {
	path, err := slotFilePath(f, filename)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(path)
}

// handleHealth implements /health and /v1/health: a bare liveness probe,
// always 200 once the process is serving requests at all.
func handleHealth(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// handleMetrics serves /metrics by handing the registry straight to
// promhttp, the same Gatherer/Handler split the teacher's metrics package
// wires prometheus' own client with.
func handleMetrics(f *facade.Facade) gin.HandlerFunc {
	h := promhttp.HandlerFor(f.Registry(), promhttp.HandlerOpts{})

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func submitControl(f *facade.Facade, c *gin.Context, kind queue.TaskKind, idSlot int, payload any) (queue.Result, bool) {
	rq := f.ResponseQueue()

	id := f.TaskQueue().Post(queue.Task{Kind: kind, IDSlot: idSlot, Payload: payload}, false)
	rq.Watch(id)

	f.RequestWakeup()

	res, ok := rq.Recv(c.Request.Context(), []int64{id}, 30*time.Second)
	rq.Unwatch(id)

	return res, ok
}

// handleSlots implements GET /slots: per-slot busy/idle state alongside
// the aggregate counters the scheduler already tracks in metrics.
func handleSlots(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, ok := submitControl(f, c, queue.KindMetrics, -1, nil)
		if !ok {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusGatewayTimeout, "metrics request timed out"))
			return
		}

		if res.Err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, res.Err.Error()))
			return
		}

		c.JSON(http.StatusOK, res.Payload)
	}
}

// slotFile is the on-disk container for a saved slot's KV state (spec §6
// "/slots/:id_slot?action=save"), msgpack-encoded the same way the
// teacher's cache layer serializes structured blobs to bytes.
type slotFile struct {
	Filename string `msgpack:"filename"`
	State    []byte `msgpack:"state"`
}

// handleSlotAction implements POST /slots/:id_slot?action=save|restore|erase.
func handleSlotAction(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		idSlot, err := strconv.Atoi(c.Param("id_slot"))
		if err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "invalid id_slot"))
			return
		}

		switch c.Query("action") {
		case "save":
			handleSlotSave(f, c, idSlot)
		case "restore":
			handleSlotRestore(f, c, idSlot)
		case "erase":
			handleSlotErase(f, c, idSlot)
		default:
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "unknown action"))
		}
	}
}

type slotActionRequest struct {
	Filename string `json:"filename"`
}

func handleSlotSave(f *facade.Facade, c *gin.Context, idSlot int) {
	var req slotActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
		return
	}

	res, ok := submitControl(f, c, queue.KindSlotSave, idSlot, nil)
	if !ok {
		middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusGatewayTimeout, "slot save timed out"))
		return
	}

	if res.Err != nil {
		middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, res.Err.Error()))
		return
	}

	state, _ := res.Payload.([]byte)

	blob, err := msgpack.Marshal(slotFile{Filename: req.Filename, State: state})
	if err != nil {
		middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
		return
	}

	if err := writeSlotFile(f, req.Filename, blob); err != nil {
		middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"id_slot": idSlot, "filename": req.Filename, "n_saved": len(state)})
}

func handleSlotRestore(f *facade.Facade, c *gin.Context, idSlot int) {
	var req slotActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
		return
	}

	raw, err := readSlotFile(f, req.Filename)
	if err != nil {
		middleware.AbortWithError(c, middleware.New(middleware.KindNotFound, http.StatusNotFound, err.Error()))
		return
	}

	var sf slotFile
	if err := msgpack.Unmarshal(raw, &sf); err != nil {
		f.Dumper().DumpBytes(c.Request.Context(), raw, "corrupt_slot_file")
		middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, "corrupt slot file: "+err.Error()))
		return
	}

	res, ok := submitControl(f, c, queue.KindSlotRestore, idSlot, sf.State)
	if !ok {
		middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusGatewayTimeout, "slot restore timed out"))
		return
	}

	if res.Err != nil {
		middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, res.Err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"id_slot": idSlot, "filename": req.Filename, "n_restored": len(sf.State)})
}

func handleSlotErase(f *facade.Facade, c *gin.Context, idSlot int) {
	res, ok := submitControl(f, c, queue.KindSlotErase, idSlot, nil)
	if !ok {
		middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusGatewayTimeout, "slot erase timed out"))
		return
	}

	if res.Err != nil {
		middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, res.Err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"id_slot": idSlot, "erased": true})
}

// handleGetLora implements GET /lora-adapters, reporting the process-wide
// default scale set last pushed via POST (empty until then).
func handleGetLora(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, ok := submitControl(f, c, queue.KindGetLora, -1, nil)
		if !ok {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusGatewayTimeout, "lora query timed out"))
			return
		}

		if res.Err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, res.Err.Error()))
			return
		}

		scales, _ := res.Payload.(map[string]float32)

		adapters := make([]LoraEntry, 0, len(scales))
		for id, scale := range scales {
			adapters = append(adapters, LoraEntry{ID: id, Scale: scale})
		}

		c.JSON(http.StatusOK, adapters)
	}
}

func handleSetLora(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var entries []LoraEntry
		if err := c.ShouldBindJSON(&entries); err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindInvalidRequest, http.StatusBadRequest, err.Error()))
			return
		}

		res, ok := submitControl(f, c, queue.KindSetLora, -1, loraScales(entries))
		if !ok {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusGatewayTimeout, "lora update timed out"))
			return
		}

		if res.Err != nil {
			middleware.AbortWithError(c, middleware.New(middleware.KindServer, http.StatusInternalServerError, res.Err.Error()))
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
