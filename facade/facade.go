// Package facade implements C12: the small surface httpapi and
// cmd/llamaserve drive the rest of the system through — load_model,
// start_loop, terminate, get_response_reader, get_meta (spec §4.9).
package facade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/chatparser"
	"github.com/wireloom/llamaserve/internal/config"
	"github.com/wireloom/llamaserve/internal/dumper"
	"github.com/wireloom/llamaserve/internal/log"
	"github.com/wireloom/llamaserve/internal/pkg/xcache"
	"github.com/wireloom/llamaserve/internal/pkg/xcontext"
	"github.com/wireloom/llamaserve/metrics"
	"github.com/wireloom/llamaserve/mtmd"
	"github.com/wireloom/llamaserve/promptcache"
	"github.com/wireloom/llamaserve/queue"
	"github.com/wireloom/llamaserve/reader"
	"github.com/wireloom/llamaserve/sampler/grammar"
	"github.com/wireloom/llamaserve/scheduler"
)

// Meta is the read-only snapshot handlers format /props, /api/show and
// /models responses from (spec §4.9 "get_meta").
type Meta struct {
	ModelName    string
	Alias        string
	NCtx         int
	BOS          string
	EOS          string
	FIMPrefix    string
	FIMSuffix    string
	FIMMiddle    string
	PoolingType  string
	Multimodal   bool
	NParallel    int
	ChatTemplate string
}

// Facade is the single entry point the HTTP layer and the CLI use; it owns
// every long-lived collaborator (backend, scheduler, caches) and is the
// only thing that knows how they're wired together.
type Facade struct {
	cfg config.Config

	be backend.Backend
	mm mtmd.Processor

	sched    *scheduler.Scheduler
	tq       *queue.TaskQueue
	rq       *queue.ResponseQueue
	pcache   *promptcache.Cache
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	grammars *grammar.Compiler
	renderer chatparser.TemplateRenderer
	sweeper  *slotFileSweeper
	dumper   *dumper.Dumper

	meta Meta

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// LoadModel performs spec §4.9's load_model: it wires the backend,
// multimodal processor, slot pool, prompt cache and chat-template object.
// draftBE is the optional speculative-decoding collaborator (spec §4.4
// step 8); nil disables drafting regardless of any per-request
// speculative.* knobs. Each call constructs a fresh Facade with its own
// scheduler and queues; an already-loaded Facade is neither looked up nor
// reused.
func LoadModel(cfg config.Config, be backend.Backend, draftBE backend.Backend, mm mtmd.Processor, renderer chatparser.TemplateRenderer, reg *prometheus.Registry) (*Facade, error) {
	if mm == nil {
		mm = mtmd.Disabled{}
	}

	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	var pcache *promptcache.Cache
	if cfg.Slots.CacheRAMMiB > 0 {
		pcache = promptcache.New(int64(cfg.Slots.CacheRAMMiB) << 20)
	}

	m := metrics.New(reg)
	m.SlotsTotal.Set(float64(cfg.Slots.NParallel))

	schedCfg := scheduler.Config{
		NCtx:                 cfg.Model.NCtx,
		NBatch:               cfg.Model.NBatch,
		NParallel:            cfg.Slots.NParallel,
		ContextShiftEnabled:  cfg.Slots.ContextShift,
		CachePrompt:          cfg.Slots.CachePrompt,
		SlotPromptSimilarity: cfg.Slots.SlotPromptSimilarity,
		NCtxCheckpoints:      cfg.Slots.NCtxCheckpoints,
		IdleSleepMS:          cfg.Slots.IdleSleepMS,
		PollingInterval:      cfg.Slots.PollingInterval,
	}

	tq := queue.New()
	rq := queue.NewResponseQueue()
	dmp := dumper.New(cfg.Dumper)
	sched := scheduler.New(schedCfg, be, mm, tq, rq, pcache, m)
	sched.SetDumper(dmp)

	if draftBE != nil {
		sched.SetDraft(draftBE)
	}

	f := &Facade{
		cfg:      cfg,
		be:       be,
		mm:       mm,
		sched:    sched,
		tq:       tq,
		rq:       rq,
		pcache:   pcache,
		metrics:  m,
		registry: reg,
		grammars: grammar.NewCompiler(xcache.DefaultConfig()),
		renderer: renderer,
		meta: Meta{
			ModelName:    cfg.Model.Path,
			Alias:        cfg.Model.Alias,
			NCtx:         cfg.Model.NCtx,
			PoolingType:  cfg.Model.PoolingType,
			Multimodal:   cfg.Model.Multimodal,
			NParallel:    cfg.Slots.NParallel,
			ChatTemplate: cfg.Model.ChatTemplate,
			FIMPrefix:    cfg.Model.FIMPrefix,
			FIMSuffix:    cfg.Model.FIMSuffix,
			FIMMiddle:    cfg.Model.FIMMiddle,
		},
		sweeper: newSlotFileSweeper(cfg.Slots.SlotSavePath),
		dumper:  dmp,
	}

	return f, nil
}

// StartLoop runs the scheduler until ctx is cancelled or Terminate is
// called, whichever comes first (spec §4.9 "start_loop runs the scheduler
// until terminate()"). Blocks the calling goroutine; callers typically run
// it in an fx.Lifecycle OnStart goroutine.
func (f *Facade) StartLoop(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	f.cancel = cancel
	f.loopDone = make(chan struct{})
	f.mu.Unlock()

	defer close(f.loopDone)

	if err := f.sweeper.Start(loopCtx); err != nil {
		log.Error(loopCtx, "slot file sweeper failed to start", log.Cause(err))
	}

	f.sched.Run(loopCtx)
}

// Terminate stops the scheduler loop, stops the slot file sweeper and
// closes the backend, aggregating every teardown error (spec §9 "Scoped
// resources"). The mtmd processor has no close step.
func (f *Facade) Terminate() error {
	f.mu.Lock()
	cancel := f.cancel
	done := f.loopDone
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		<-done
	}

	// Detached from whatever request triggered termination (e.g. a /health
	// check racing shutdown) but still bounded, so a stuck sweeper can't
	// hang process exit indefinitely.
	shutdownCtx, cancelShutdown := xcontext.DetachWithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	var result *multierror.Error

	if err := f.sweeper.Stop(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("slot file sweeper shutdown: %w", err))
	}

	if err := f.be.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("backend close: %w", err))
	}

	return result.ErrorOrNil()
}

// GetResponseReader constructs a Reader bound to this facade's queues
// (spec §4.9).
func (f *Facade) GetResponseReader() *reader.Reader {
	return reader.New(f.tq, f.rq, f.cfg.Slots.PollingInterval)
}

// GetMeta returns the snapshot HTTP handlers format responses from.
func (f *Facade) GetMeta() Meta { return f.meta }

// TaskQueue exposes the facade's task queue for submitting generation and
// control tasks; httpapi handlers build a scheduler.GenerateRequest and
// Post it here directly.
func (f *Facade) TaskQueue() *queue.TaskQueue { return f.tq }

// ResponseQueue exposes the facade's response queue, used directly by
// handlers that don't need the Reader's chat-parser integration (e.g.
// /slots save/restore, /metrics).
func (f *Facade) ResponseQueue() *queue.ResponseQueue { return f.rq }

// Backend exposes the loaded backend for handlers that call it directly
// (tokenize/detokenize, embeddings dimension probing).
func (f *Facade) Backend() backend.Backend { return f.be }

// MTMD exposes the multimodal preprocessor so handlers can pre-size a
// prompt's media chunks before tokens are handed to the scheduler.
func (f *Facade) MTMD() mtmd.Processor { return f.mm }

// Registry exposes the Prometheus registry /metrics scrapes.
func (f *Facade) Registry() *prometheus.Registry { return f.registry }

// Metrics exposes the counters/gauges for handlers that read a snapshot
// directly. /slots does not use it; it answers from the scheduler's own
// slot counts.
func (f *Facade) Metrics() *metrics.Metrics { return f.metrics }

// Grammars exposes the compiled-grammar cache for handlers that need to
// validate a json_schema/grammar request field ahead of submission.
func (f *Facade) Grammars() *grammar.Compiler { return f.grammars }

// Renderer exposes the injected chat-template engine for /apply-template.
func (f *Facade) Renderer() chatparser.TemplateRenderer { return f.renderer }

// Dumper exposes the debug dump-to-disk helper for handlers that want to
// capture a payload on an unexpected failure (e.g. a corrupt slot file).
func (f *Facade) Dumper() *dumper.Dumper { return f.dumper }

// Config returns the configuration the facade was loaded with.
func (f *Facade) Config() config.Config { return f.cfg }

// RequestWakeup forces the scheduler out of idle sleep (spec §5
// "Sleeping"), used by handlers before posting a task to a possibly
// sleeping scheduler.
func (f *Facade) RequestWakeup() { f.sched.RequestWakeup() }
