package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/yufanbot/yufanbot/pkg/plugins"
	"github.com/yufanbot/yufanbot/pkg/plugins/archive"
	"github.com/yufanbot/yufanbot/pkg/plugins/builder"
)

func newPackCommand() *Command {
	cmd := &Command{
		Name:        "pack",
		Description: "Package a plugin project directory into a .yf file",
		Flags:       flag.NewFlagSet("pack", flag.ExitOnError),
		Run:         runPack,
	}

	cmd.Flags.String("dir", ".", "Plugin project directory containing META_INF and go.mod")
	cmd.Flags.String("out", "", "Output package path (default <id>.yf)")

	return cmd
}

func runPack(args []string) error {
	return pack(args, os.Stdout)
}

func pack(args []string, stdout io.Writer) error {
	cmd := newPackCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	dir := cmd.Flags.Lookup("dir").Value.String()
	out := cmd.Flags.Lookup("out").Value.String()

	meta, err := plugins.ReadMetadata(dir)
	if err != nil {
		return fmt.Errorf("invalid plugin project: %w", err)
	}
	if _, err := builder.FindProjectFile(dir); err != nil {
		return fmt.Errorf("invalid plugin project: %w", err)
	}

	if out == "" {
		out = meta.ID + archive.PluginSuffix
	}
	if err := archive.Pack(dir, out); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Packed %s %s into %s\n", meta.ID, meta.Version, filepath.Clean(out))
	return nil
}
