// Package buildertest provides a toolchain that emulates go build by writing
// prepared WebAssembly binaries to the requested output path.
package buildertest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/yufanbot/yufanbot/pkg/plugins/builder"
)

// Toolchain is a fake builder.Toolchain
type Toolchain struct {
	// Wasm is written to the -o path of every successful run
	Wasm []byte
	// Outputs overrides Wasm per output file name (e.g. "echo.wasm")
	Outputs map[string][]byte

	ExitCode int
	Stdout   string
	Stderr   string
	// SkipOutput reports success without writing a binary
	SkipOutput bool
	// Err is returned as a launch failure
	Err error
	// Block makes Run wait until ctx is done, like a hung compiler
	Block bool

	mu    sync.Mutex
	calls []builder.Invocation
}

// Run records the invocation and emulates the build
func (t *Toolchain) Run(ctx context.Context, inv *builder.Invocation) (*builder.Result, error) {
	t.mu.Lock()
	t.calls = append(t.calls, *inv)
	t.mu.Unlock()

	if t.Err != nil {
		return nil, t.Err
	}
	if t.Block {
		<-ctx.Done()
		return &builder.Result{ExitCode: -1, Stderr: "signal: killed"}, nil
	}

	result := &builder.Result{ExitCode: t.ExitCode, Stdout: t.Stdout, Stderr: t.Stderr}
	if t.ExitCode != 0 || t.SkipOutput {
		return result, nil
	}

	out, err := outputPath(inv)
	if err != nil {
		return nil, err
	}
	data := t.Wasm
	if o, ok := t.Outputs[filepath.Base(out)]; ok {
		data = o
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return nil, err
	}
	return result, nil
}

// Calls returns a snapshot of every invocation received
func (t *Toolchain) Calls() []builder.Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]builder.Invocation(nil), t.calls...)
}

func outputPath(inv *builder.Invocation) (string, error) {
	for i, arg := range inv.Args {
		if arg == "-o" && i+1 < len(inv.Args) {
			out := filepath.FromSlash(inv.Args[i+1])
			if !filepath.IsAbs(out) {
				out = filepath.Join(inv.Dir, out)
			}
			return out, nil
		}
	}
	return "", errors.New("buildertest: invocation has no -o flag")
}
