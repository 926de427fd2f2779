package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Invocation is what the builder sends to a toolchain
type Invocation struct {
	// Dir is the project directory the toolchain runs in
	Dir string
	// Args follow the go command, e.g. ["build", "-o", "bin/x.wasm", "."]
	Args []string
	// Env entries (KEY=VALUE) override the toolchain's environment
	Env []string
}

// Result is what a toolchain reports back once the process exits
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Toolchain runs the go command. It returns an error only when the process
// could not be run at all; a failed build is a Result with a non-zero exit code.
type Toolchain interface {
	Run(ctx context.Context, inv *Invocation) (*Result, error)
}

// ToolchainFunc adapts a function to the Toolchain interface
type ToolchainFunc func(ctx context.Context, inv *Invocation) (*Result, error)

func (f ToolchainFunc) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	return f(ctx, inv)
}

// ExecToolchain runs the go command as a local subprocess
type ExecToolchain struct {
	// GoBinary is the go command to run, "go" when empty
	GoBinary string
}

// NewExecToolchain creates a subprocess toolchain and checks the binary exists
func NewExecToolchain(goBinary string) (*ExecToolchain, error) {
	if goBinary == "" {
		goBinary = "go"
	}
	if _, err := exec.LookPath(goBinary); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolchainUnavailable, err)
	}
	return &ExecToolchain{GoBinary: goBinary}, nil
}

// Run executes the invocation and waits for the process to exit. When ctx is
// cancelled the process is killed.
func (t *ExecToolchain) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	bin := t.GoBinary
	if bin == "" {
		bin = "go"
	}

	cmd := exec.CommandContext(ctx, bin, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	// Children of a killed go command may keep the output pipes open
	cmd.WaitDelay = 10 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %v", ErrToolchainUnavailable, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}
