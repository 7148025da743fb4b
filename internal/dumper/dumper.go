// Package dumper for internal debug use only.
package dumper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Dumper is responsible for dumping data to files when errors occur.
type Dumper struct {
	config Config
	mu     sync.Mutex
}

// New creates a new Dumper instance.
func New(config Config) *Dumper {
	return &Dumper{
		config: config,
	}
}

// DumpStruct dumps any struct as JSON to a file. Used for decode failures:
// the caller names the struct (e.g. a failed batch) and it lands under
// config.DumpPath with a timestamp.
func (d *Dumper) DumpStruct(ctx context.Context, data any, filename string) {
	if !d.config.Enabled {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.config.DumpPath, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create dump directory: %v\n", err)
		return
	}

	timestamp := time.Now().Format("20060102_150405")
	fullPath := filepath.Join(d.config.DumpPath, fmt.Sprintf("%s_%s.json", filename, timestamp))

	//nolint:gosec // dump path is operator-configured, not request-controlled.
	file, err := os.Create(fullPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create dump file %s: %v\n", fullPath, err)
		return
	}

	defer func() {
		if err := file.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close dump file %s: %v\n", fullPath, err)
		}
	}()

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal dump data: %v\n", err)
		return
	}

	if _, err := file.Write(jsonData); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write dump file %s: %v\n", fullPath, err)
		return
	}

	fmt.Printf("dumped %s to %s\n", filename, fullPath)
}

// DumpBytes dumps raw byte data to a file — used for slot save/restore
// blobs when a round-trip mismatch is suspected.
func (d *Dumper) DumpBytes(ctx context.Context, data []byte, filename string) {
	if !d.config.Enabled {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.config.DumpPath, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create dump directory: %v\n", err)
		return
	}

	timestamp := time.Now().Format("20060102_150405")
	fullPath := filepath.Join(d.config.DumpPath, fmt.Sprintf("%s_%s.bin", filename, timestamp))

	//nolint:gosec // dump path is operator-configured, not request-controlled.
	file, err := os.Create(fullPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create dump file %s: %v\n", fullPath, err)
		return
	}

	defer func() {
		if err := file.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close dump file %s: %v\n", fullPath, err)
		}
	}()

	if _, err := file.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write dump file %s: %v\n", fullPath, err)
		return
	}

	fmt.Printf("dumped %s (%d bytes) to %s\n", filename, len(data), fullPath)
}
