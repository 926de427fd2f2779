package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/yufanbot/yufanbot/pkg/plugins"
	"github.com/yufanbot/yufanbot/pkg/plugins/depcache"
	"github.com/yufanbot/yufanbot/pkg/plugins/workspace"
)

func newCleanCacheCommand() *Command {
	cmd := &Command{
		Name:        "clean-cache",
		Description: "Remove stale build workspaces from the plugin cache",
		Flags:       flag.NewFlagSet("clean-cache", flag.ExitOnError),
		Run:         runCleanCache,
	}

	cmd.Flags.String("config", "", "Path to the configuration file (default yufanbot.yaml)")
	cmd.Flags.Bool("all", false, "Also remove every cached dependency")

	return cmd
}

func runCleanCache(args []string) error {
	return cleanCache(args, os.Stdout, os.Stderr)
}

func cleanCache(args []string, stdout, stderr io.Writer) error {
	cmd := newCleanCacheCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	cfg, log, err := setup(cmd.Flags.Lookup("config").Value.String(), stderr)
	if err != nil {
		return err
	}

	cacheDir := cfg.Plugin.Compiler.CacheDir
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		fmt.Fprintf(stdout, "Nothing to clean, %s does not exist\n", cacheDir)
		return nil
	}

	removed, err := workspace.NewManager(cacheDir, log).Sweep()
	if err != nil {
		return fmt.Errorf("failed to clean %s: %w", cacheDir, err)
	}
	fmt.Fprintf(stdout, "Removed %d stale workspaces from %s\n", removed, cacheDir)

	if cmd.Flags.Lookup("all").Value.String() == "true" {
		store := depcache.New(filepath.Join(cacheDir, plugins.PackagesDir), log)
		if err := store.Purge(); err != nil {
			return fmt.Errorf("failed to purge dependency cache: %w", err)
		}
		fmt.Fprintf(stdout, "Removed cached dependencies from %s\n", store.Root())
	}
	return nil
}
