// ABOUTME: Entry point for the chatstore diagnostics CLI
// ABOUTME: Inspects, exports, imports and self-tests the local conversation database

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/2389/coven-chatstore/internal/config"
	"github.com/2389/coven-chatstore/internal/logging"
	"github.com/2389/coven-chatstore/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
      _           _       _
  ___| |__   __ _| |_ ___| |_ ___  _ __ ___
 / __| '_ \ / _' | __/ __| __/ _ \| '__/ _ \
| (__| | | | (_| | |_\__ \ || (_) | | |  __/
 \___|_| |_|\__,_|\__|___/\__\___/|_|  \___|
`

const usage = `Usage: chatstore [--config FILE] <command> [args]

Commands:
  check                  One-line database health summary
  inspect [--json]       Version, state, keys and index sizes
  export [--out FILE]    Write every conversation as JSON
  import FILE            Replace every conversation with FILE's contents
  get ID                 Print one conversation
  delete ID              Delete one conversation
  selftest               Round-trip a test record through a scratch database
  init [--force]         Write a default config file
  version                Print the version
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// env is what every command gets.
type env struct {
	out        io.Writer
	errOut     io.Writer
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("chatstore", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.SetInterspersed(false)
	configPath := flagSet.StringP("config", "c", config.DefaultPath(), "Config file")
	help := flagSet.BoolP("help", "h", false, "Show help")

	if err := flagSet.Parse(args); err != nil {
		fprintln(errOut, "error:", err)
		fmt.Fprint(errOut, usage)
		return 1
	}
	rest := flagSet.Args()
	if *help || len(rest) == 0 {
		fmt.Fprint(out, usage)
		if *help {
			return 0
		}
		return 1
	}

	e := &env{out: out, errOut: errOut, configPath: *configPath}
	command, cmdArgs := rest[0], rest[1:]

	switch command {
	case "version":
		fprintln(out, "chatstore", version)
		return 0
	case "init":
		return cmdInit(e, cmdArgs)
	}

	cfg, err := config.LoadOrDefault(e.configPath)
	if err != nil {
		fprintln(errOut, "error:", fmt.Errorf("loading config: %w", err))
		return 1
	}
	logger, cleanup, err := logging.Setup(cfg.Logging, errOut)
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}
	defer func() { _ = cleanup() }()
	e.cfg = cfg
	e.logger = logger

	switch command {
	case "check":
		return cmdCheck(ctx, e)
	case "inspect":
		return cmdInspect(ctx, e, cmdArgs)
	case "export":
		return cmdExport(ctx, e, cmdArgs)
	case "import":
		return cmdImport(ctx, e, cmdArgs)
	case "get":
		return cmdGet(ctx, e, cmdArgs)
	case "delete":
		return cmdDelete(ctx, e, cmdArgs)
	case "selftest":
		return cmdSelftest(ctx, e)
	default:
		fprintln(errOut, "Unknown command:", command)
		return 1
	}
}

// storeOptions maps the database config section onto store.Options.
func storeOptions(db config.DatabaseConfig, logger *slog.Logger) store.Options {
	return store.Options{
		Engine:        db.Engine,
		Driver:        db.Driver,
		Path:          db.Path,
		Collection:    db.Collection,
		SchemaVersion: db.SchemaVersion,
		MaxRecoveries: db.MaxRecoveries,
		BusyTimeout:   db.BusyTimeout,
		OpenTimeout:   db.OpenTimeout,
		Logger:        logger,
	}
}

func (e *env) openStore(ctx context.Context) (*store.Store, bool) {
	st, err := store.Open(ctx, storeOptions(e.cfg.Database, e.logger))
	if err != nil {
		fprintln(e.errOut, color.RedString(store.Describe(err)))
		return nil, false
	}
	return st, true
}

func printBanner(w io.Writer) {
	fmt.Fprint(w, color.CyanString(banner))
	fmt.Fprintln(w, color.HiBlackString("    version: %s", version))
	fmt.Fprintln(w)
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
