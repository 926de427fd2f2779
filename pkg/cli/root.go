package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yufanbot/yufanbot/pkg/config"
	"github.com/yufanbot/yufanbot/pkg/observability"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "yufanbot",
		Description: "Yufanbot - a chat bot host that compiles and runs .yf plugins",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("yufanbot", flag.ExitOnError),
	}

	root.Subcommands["run"] = newRunCommand()
	root.Subcommands["compile"] = newCompileCommand()
	root.Subcommands["pack"] = newPackCommand()
	root.Subcommands["clean-cache"] = newCleanCacheCommand()

	return root
}

// Execute runs the command with the process arguments
func (c *Command) Execute() error {
	return c.ExecuteArgs(os.Args[1:])
}

// ExecuteArgs runs the subcommand named by args[0]
func (c *Command) ExecuteArgs(args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	switch strings.ToLower(args[0]) {
	case "-h", "--help", "help":
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("Usage: %s <command> [args]\n\n", c.Name)
	fmt.Printf("Commands:\n")
	for _, name := range names {
		fmt.Printf("  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// setup loads configuration and builds the logger every command shares
func setup(configPath string, out io.Writer) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	log, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, out)
	if err != nil {
		return nil, nil, err
	}
	if cfg.File != "" {
		log.Debugf("Loaded configuration from %s", cfg.File)
	} else {
		log.Debugf("No %s found, using defaults and environment", config.DefaultFile)
	}
	return cfg, log, nil
}
