package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/yufanbot/yufanbot/pkg/config"
	"github.com/yufanbot/yufanbot/pkg/host"
	"github.com/yufanbot/yufanbot/pkg/plugins"
)

// newCompiler builds the compiler used by the compile command
var newCompiler = func(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*plugins.Compiler, func() error, error) {
	return host.NewCompiler(ctx, cfg, log, nil)
}

func newCompileCommand() *Command {
	cmd := &Command{
		Name:        "compile",
		Description: "Run plugin packages through the full pipeline and report the result",
		Flags:       flag.NewFlagSet("compile", flag.ExitOnError),
		Run:         runCompile,
	}

	cmd.Flags.String("config", "", "Path to the configuration file (default yufanbot.yaml)")

	return cmd
}

func runCompile(args []string) error {
	return compilePackages(args, os.Stdout, os.Stderr)
}

func compilePackages(args []string, stdout, stderr io.Writer) error {
	cmd := newCompileCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	paths := cmd.Flags.Args()
	if len(paths) == 0 {
		return fmt.Errorf("no plugin packages given")
	}

	cfg, log, err := setup(cmd.Flags.Lookup("config").Value.String(), stderr)
	if err != nil {
		return err
	}

	ctx := context.Background()
	compiler, closeCompiler, err := newCompiler(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCompiler()

	failed := 0
	for _, path := range paths {
		lp, err := compiler.Compile(ctx, path)
		if err != nil {
			failed++
			printFailure(stdout, path, err)
			continue
		}

		entry := ""
		if wp, ok := lp.Entry.(*plugins.WasmPlugin); ok {
			entry = wp.Entry().Name
		}
		fmt.Fprintf(stdout, "ok    %s %s %s (entry %s)\n", filepath.Base(path), lp.Metadata.ID, lp.Metadata.Version, entry)
		if err := lp.Unload(ctx); err != nil {
			log.Warnf("Failed to unload %s: %v", lp.Metadata.ID, err)
		}
	}

	fmt.Fprintf(stdout, "\n%d of %d packages compiled\n", len(paths)-failed, len(paths))
	if failed > 0 {
		return fmt.Errorf("%d packages failed to compile", failed)
	}
	return nil
}

func printFailure(w io.Writer, path string, err error) {
	fmt.Fprintf(w, "FAIL  %s: %s\n", filepath.Base(path), plugins.KindOf(err))

	var pe *plugins.PipelineError
	if errors.As(err, &pe) {
		fmt.Fprintf(w, "      stage: %s\n", pe.Stage)
		if pe.Dependency != "" {
			fmt.Fprintf(w, "      dependency: %s\n", pe.Dependency)
		}
		if pe.Err != nil {
			fmt.Fprintf(w, "      %v\n", pe.Err)
		}
	}

	var compileErr interface{ Output() string }
	if errors.As(err, &compileErr) {
		if out := compileErr.Output(); out != "" {
			fmt.Fprintf(w, "%s\n", out)
		}
	}
}
