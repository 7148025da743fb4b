// Command llamareplay captures a live completion SSE stream from an
// in-process facade running on backend/fake, and replays a previously
// captured stream back as a canned SSE server — so an SSE client can be
// exercised end to end without ever loading a real model. Grounded on the
// teacher's own `llm/tools/main.go` capture/convert tool: same
// flag.NewFlagSet-per-subcommand dispatch, same StreamEvent JSONL shape,
// same go-sse client read loop.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tmaxmax/go-sse"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/backend/fake"
	"github.com/wireloom/llamaserve/facade"
	"github.com/wireloom/llamaserve/httpapi"
	"github.com/wireloom/llamaserve/internal/config"
	"github.com/wireloom/llamaserve/mtmd"
)

// StreamEvent is one captured SSE frame, JSONL-encoded one per line —
// same shape as the teacher tool's StreamEvent.
type StreamEvent struct {
	LastEventID string `json:"LastEventID"`
	Type        string `json:"Type"`
	Data        string `json:"Data"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "capture":
		runCapture(os.Args[2:])
	case "replay":
		runReplay(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: llamareplay <command> [arguments]")
	fmt.Println("\nCommands:")
	fmt.Println("  capture  Run a completion against an in-process fake-backend facade and save its SSE stream to JSONL")
	fmt.Println("  replay   Serve a previously captured JSONL stream back as a canned SSE /completion endpoint")
	fmt.Println("\nUse 'llamareplay <command> -h' for more information about a command.")
}

// runCapture drives one streaming /completion request against a facade
// wired the same way httpapi_test.go's newTestServer builds one — backend/
// fake standing in for the tensor runtime — and records every SSE frame
// the response produces.
func runCapture(args []string) {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	prompt := fs.String("prompt", "Once upon a time", "prompt text")
	nPredict := fs.Int("n-predict", 8, "number of tokens to generate")
	output := fs.String("output", "captured.stream.jsonl", "output JSONL file")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := config.Default()
	cfg.Model.NCtx = 512
	cfg.Slots.NParallel = 1
	cfg.Slots.IdleSleepMS = 0
	cfg.Slots.PollingInterval = 5 * time.Millisecond
	cfg.Slots.CacheRAMMiB = 0

	be := fake.New(cfg.Model.NCtx, backend.MemoryCapability{})

	f, err := facade.LoadModel(cfg, be, nil, mtmd.Disabled{}, nil, prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("failed to load facade: %v", err)
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})

	go func() {
		f.StartLoop(loopCtx)
		close(loopDone)
	}()

	defer func() {
		stopLoop()
		_ = f.Terminate()
		<-loopDone
	}()

	srv := httptest.NewServer(httpapi.New(cfg, f))
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"prompt":    *prompt,
		"n_predict": *nPredict,
		"stream":    true,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/completion", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("failed to build request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")

	fmt.Printf("Capturing stream for prompt %q...\n", *prompt)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("request error: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(res.Body)
		log.Fatalf("response errored with code %s: %s", res.Status, string(data))
	}

	var events []StreamEvent

	for ev, err := range sse.Read(res.Body, nil) {
		if err != nil {
			log.Printf("error while reading SSE stream: %v", err)
			break
		}

		events = append(events, StreamEvent{LastEventID: ev.LastEventID, Type: ev.Type, Data: ev.Data})
		fmt.Printf("captured event: type=%q data_len=%d\n", ev.Type, len(ev.Data))
	}

	if len(events) == 0 {
		fmt.Println("no events captured.")
		return
	}

	if err := writeStreamEventsFile(*output, events); err != nil {
		log.Fatalf("failed to write output file: %v", err)
	}

	fmt.Printf("successfully captured %d events to %s\n", len(events), *output)
}

// runReplay serves a captured JSONL stream back as a canned SSE endpoint:
// every request to /completion gets the exact same recorded frame
// sequence, with no facade/backend involved at all, for testing an SSE
// client deterministically without rerunning the model that produced the
// capture.
func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	input := fs.String("input", "captured.stream.jsonl", "input JSONL file to replay")
	addr := fs.String("addr", "127.0.0.1:8091", "address to serve the replay on")
	fs.Parse(args)

	events, err := readStreamEventsFile(*input)
	if err != nil {
		log.Fatalf("failed to read input file: %v", err)
	}

	fmt.Printf("Replaying %d events from %s on http://%s/completion\n", len(events), *input, *addr)

	mux := http.NewServeMux()
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		for _, ev := range events {
			if ev.Type != "" {
				fmt.Fprintf(w, "event: %s\n", ev.Type)
			}

			fmt.Fprintf(w, "data: %s\n\n", ev.Data)
			flusher.Flush()
		}
	})

	server := &http.Server{Addr: *addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("replay server error: %v", err)
	}
}

func readStreamEventsFile(filename string) ([]StreamEvent, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	var events []StreamEvent

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode line: %w", err)
		}

		events = append(events, ev)
	}

	return events, scanner.Err()
}

func writeStreamEventsFile(filename string, events []StreamEvent) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", filename, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	for _, ev := range events {
		eventJSON, err := json.Marshal(ev)
		if err != nil {
			log.Printf("warning: failed to encode stream event: %v", err)
			continue
		}

		if _, err := writer.Write(eventJSON); err != nil {
			return fmt.Errorf("failed to write event to file: %w", err)
		}

		if _, err := writer.WriteString("\n"); err != nil {
			return fmt.Errorf("failed to write newline to file: %w", err)
		}
	}

	return nil
}
