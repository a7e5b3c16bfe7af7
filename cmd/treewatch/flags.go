package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"treewatch/internal/cli"
	"treewatch/internal/config"
)

type cliOptions struct {
	ConfigPath  string
	Path        string
	Recursive   bool
	Debounce    time.Duration
	Include     cli.StringList
	Exclude     cli.StringList
	MaxDepth    int
	CatchUp     bool
	LogLevel    string
	Format      string
	Listen      string
	ShowVersion bool
	set         map[string]bool
}

func parseArgs(args []string, errOut io.Writer) (cliOptions, error) {
	defaults := config.Default()
	options := cliOptions{}

	fs := flag.NewFlagSet("treewatch", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&options.ConfigPath, "config", "", "Config file (.toml, .yaml, .yml)")
	fs.BoolVar(&options.Recursive, "recursive", defaults.Recursive, "Watch the whole tree under path")
	fs.DurationVar(&options.Debounce, "debounce", defaults.Debounce, "Quiet period before a batch is reconciled")
	fs.Var(&options.Include, "include", "Only report paths matching this glob (repeatable)")
	fs.Var(&options.Exclude, "exclude", "Ignore paths matching this glob (repeatable)")
	fs.IntVar(&options.MaxDepth, "max-depth", defaults.MaxDepth, "Maximum directory depth enumerated at start")
	fs.BoolVar(&options.CatchUp, "catch-up", defaults.CatchUp, "Rescan newly watched directories")
	fs.StringVar(&options.LogLevel, "log-level", defaults.LogLevel, "Log level: debug, info, warning, error")
	fs.StringVar(&options.Format, "format", defaults.Format, "Event output: text or json")
	fs.StringVar(&options.Listen, "listen", "", "Serve /events, /notifications, /logs and /metrics on this address")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show this help message", "Print version and exit")
	fs.Usage = func() {
		printHelp(fs.Output())
	}

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	if helpVersion.Help {
		fs.Usage()
		return cliOptions{}, flag.ErrHelp
	}
	options.ShowVersion = helpVersion.Version

	switch fs.NArg() {
	case 0:
	case 1:
		options.Path = fs.Arg(0)
	default:
		fmt.Fprintln(errOut, "treewatch: expected at most one path")
		return cliOptions{}, errors.New("too many arguments")
	}
	options.set = cli.SetFlags(fs)
	return options, nil
}

// apply layers explicitly given flags over cfg.
func (options cliOptions) apply(cfg *config.Config) {
	mark := func(key string) {
		if cfg.Sources == nil {
			cfg.Sources = make(map[string]config.Source)
		}
		cfg.Sources[key] = config.SourceFlag
	}
	if options.Path != "" {
		cfg.Root = options.Path
		mark("root")
	}
	if options.set["recursive"] {
		cfg.Recursive = options.Recursive
		mark("recursive")
	}
	if options.set["debounce"] {
		cfg.Debounce = options.Debounce
		mark("debounce")
	}
	if options.set["include"] {
		cfg.Include = append([]string(nil), options.Include...)
		mark("include")
	}
	if options.set["exclude"] {
		cfg.Exclude = append([]string(nil), options.Exclude...)
		mark("exclude")
	}
	if options.set["max-depth"] {
		cfg.MaxDepth = options.MaxDepth
		mark("max-depth")
	}
	if options.set["catch-up"] {
		cfg.CatchUp = options.CatchUp
		mark("catch-up")
	}
	if options.set["log-level"] {
		cfg.LogLevel = options.LogLevel
		mark("log-level")
	}
	if options.set["format"] {
		cfg.Format = options.Format
		mark("format")
	}
	if options.set["listen"] {
		cfg.Listen = options.Listen
		mark("listen")
	}
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: treewatch [options] [path]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Report created, changed and deleted paths under path (default: .)")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	writeOption(out, "--config FILE", "Config file, TOML or YAML")
	writeOption(out, "--recursive", "Watch the whole tree (env: TREEWATCH_RECURSIVE, default: true)")
	writeOption(out, "--debounce DUR", "Quiet period per batch (env: TREEWATCH_DEBOUNCE, default: 500ms)")
	writeOption(out, "--include GLOB", "Only report matching paths, repeatable (env: TREEWATCH_INCLUDE)")
	writeOption(out, "--exclude GLOB", "Ignore matching paths, repeatable (env: TREEWATCH_EXCLUDE)")
	writeOption(out, "--max-depth N", "Initial enumeration depth (env: TREEWATCH_MAX_DEPTH, default: 64)")
	writeOption(out, "--catch-up", "Rescan newly watched directories (default: true)")
	writeOption(out, "--log-level LVL", "debug, info, warning or error (env: TREEWATCH_LOG_LEVEL)")
	writeOption(out, "--format FMT", "text or json (env: TREEWATCH_FORMAT, default: text)")
	writeOption(out, "--listen ADDR", "Serve /events, /notifications, /logs and /metrics (env: TREEWATCH_LISTEN)")
	writeOption(out, "--help", "Show this help message")
	writeOption(out, "--version", "Print version and exit")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Examples:")
	fmt.Fprintln(out, "  treewatch --exclude '**/node_modules' src")
	fmt.Fprintln(out, "  treewatch --recursive=false --format json config.toml")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Exit codes:")
	fmt.Fprintln(out, "  0  Stopped by signal")
	fmt.Fprintln(out, "  1  Watch failed")
	fmt.Fprintln(out, "  2  Usage or config error")
}

func writeOption(out io.Writer, name, desc string) {
	fmt.Fprintf(out, "  %-16s %s\n", name, desc)
}
