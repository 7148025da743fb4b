package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/andreazorzetto/yh/highlight"
	"github.com/hokaccha/go-prettyjson"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gopkg.in/yaml.v3"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/backend/fake"
	"github.com/wireloom/llamaserve/chatparser"
	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi"
	"github.com/wireloom/llamaserve/internal/config"
	"github.com/wireloom/llamaserve/internal/log"
	"github.com/wireloom/llamaserve/mtmd"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			handleConfigCommand()
			return
		case "version", "--version", "-v":
			fmt.Println("llamaserve (dev build)")
			return
		case "help", "--help", "-h":
			showHelp()
			return
		}
	}

	startServer()
}

type fxLogger struct{}

func (l *fxLogger) LogEvent(event fxevent.Event) {
	log.Debug(context.Background(), "fx event", log.Any("event", event))
}

// loadConfig reads the path named by the LLAMASERVE_CONFIG env var, if set,
// otherwise falls back to config.Default() alone.
func loadConfig() (config.Config, error) {
	return config.Load(os.Getenv("LLAMASERVE_CONFIG"))
}

// newBackend wires the runtime stand-in: the real tensor engine is out of
// scope (spec §1), so the process always loads backend/fake, the same
// deterministic collaborator the test suite drives the scheduler with.
func newBackend(cfg config.Config) backend.Backend {
	mem := backend.MemoryCapability{CanShift: cfg.Slots.ContextShift}
	return fake.New(cfg.Model.NCtx, mem)
}

// newRenderer builds a minimal chat-template stand-in: the real Jinja/minja
// engine is out of scope the same way the backend is, so this renderer
// just concatenates role-tagged turns, enough to drive /apply-template and
// every chat dialect's prompt construction end to end.
func newRenderer() chatparser.TemplateRenderer {
	return chatparser.RenderFunc(func(messages []chatparser.ChatMsg, addGenerationPrompt bool) (string, error) {
		var buf bytes.Buffer

		for _, m := range messages {
			fmt.Fprintf(&buf, "<|%s|>\n%s\n", m.Role, m.Content)
		}

		if addGenerationPrompt {
			buf.WriteString("<|assistant|>\n")
		}

		return buf.String(), nil
	})
}

func startServer() {
	app := fx.New(
		fx.WithLogger(func() fxevent.Logger { return &fxLogger{} }),
		fx.NopLogger,
		fx.Provide(loadConfig),
		fx.Provide(newBackend),
		fx.Provide(func() mtmd.Processor { return mtmd.Disabled{} }),
		fx.Provide(func() chatparser.TemplateRenderer { return newRenderer() }),
		fx.Provide(func(cfg config.Config, be backend.Backend, mm mtmd.Processor, renderer chatparser.TemplateRenderer) (*facade.Facade, error) {
			var draftBE backend.Backend
			if cfg.Model.SpeculativePath != "" {
				draftBE = newBackend(cfg)
			}

			return facade.LoadModel(cfg, be, draftBE, mm, renderer, nil)
		}),
		fx.Provide(func(cfg config.Config, f *facade.Facade) *httpapi.Server {
			return httpapi.New(cfg, f)
		}),
		fx.Invoke(func(cfg config.Config) {
			log.SetGlobalConfig(cfg.Log)
		}),
		fx.Invoke(func(lc fx.Lifecycle, f *facade.Facade) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					go f.StartLoop(context.Background())
					return nil
				},
				OnStop: func(ctx context.Context) error {
					return f.Terminate()
				},
			})
		}),
		fx.Invoke(func(lc fx.Lifecycle, srv *httpapi.Server) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					go func() {
						if err := srv.Run(); err != nil {
							log.Error(context.Background(), "server run error", log.Cause(err))
							os.Exit(1)
						}
					}()

					return nil
				},
				OnStop: func(ctx context.Context) error {
					return srv.Shutdown(ctx)
				},
			})
		}),
	)

	app.Run()
}

func handleConfigCommand() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: llamaserve config <preview>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "preview":
		configPreview()
	default:
		fmt.Println("Usage: llamaserve config <preview>")
		os.Exit(1)
	}
}

func configPreview() {
	format := "yml"

	for i := 3; i < len(os.Args); i++ {
		if os.Args[i] == "--format" || os.Args[i] == "-f" {
			if i+1 < len(os.Args) {
				format = os.Args[i+1]
			}
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var output string

	switch format {
	case "json":
		b, err := prettyjson.Marshal(cfg)
		if err != nil {
			fmt.Printf("Failed to preview config: %v\n", err)
			os.Exit(1)
		}

		output = string(b)
	case "yml", "yaml":
		b, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Printf("Failed to preview config: %v\n", err)
			os.Exit(1)
		}

		output, err = highlight.Highlight(bytes.NewBuffer(b))
		if err != nil {
			fmt.Printf("Failed to preview config: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unsupported format: %s\n", format)
		os.Exit(1)
	}

	fmt.Println(output)
}

func showHelp() {
	fmt.Println("llamaserve")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  llamaserve                  Start the server (default)")
	fmt.Println("  llamaserve config preview   Preview configuration")
	fmt.Println("  llamaserve version          Show version")
	fmt.Println("  llamaserve help             Show this help message")
}
