// ABOUTME: Subcommand implementations for the chatstore CLI
// ABOUTME: Each command opens the store, does one thing, and closes it

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/2389/coven-chatstore/internal/config"
	"github.com/2389/coven-chatstore/internal/record"
	"github.com/2389/coven-chatstore/internal/store"
)

var (
	errIDRequired   = errors.New("conversation id required")
	errFileRequired = errors.New("input file required")
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func cmdCheck(ctx context.Context, e *env) int {
	st, ok := e.openStore(ctx)
	if !ok {
		return 1
	}
	defer st.Close()

	fprintln(e.out, st.Check(ctx))
	return 0
}

func cmdInspect(ctx context.Context, e *env, args []string) int {
	fs := newFlagSet("inspect")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	if err := fs.Parse(args); err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}

	st, ok := e.openStore(ctx)
	if !ok {
		return 1
	}
	defer st.Close()

	report, err := st.Inspect(ctx)
	if err != nil {
		fprintln(e.errOut, color.RedString(store.Describe(err)))
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fprintln(e.errOut, "error:", err)
			return 1
		}
		return 0
	}

	printBanner(e.out)
	label := color.New(color.FgHiBlack)
	row := func(name string, value any) {
		fmt.Fprintf(e.out, "  %s %v\n", label.Sprintf("%-12s", name), value)
	}
	row("engine", report.Engine)
	row("path", report.Path)
	row("version", report.Version)
	row("state", report.State)
	row("recoveries", report.Recoveries)
	row("collection", report.Collection)
	if !report.CollectionPresent {
		row("", color.YellowString("missing"))
		return 0
	}
	row("count", report.Count)

	names := make([]string, 0, len(report.Indexes))
	for name := range report.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		row("index", fmt.Sprintf("%s (%d entries)", name, report.Indexes[name]))
	}
	for _, key := range report.Keys {
		row("key", key)
	}
	return 0
}

func cmdExport(ctx context.Context, e *env, args []string) int {
	fs := newFlagSet("export")
	outPath := fs.StringP("out", "o", "", "Write to FILE instead of stdout")
	if err := fs.Parse(args); err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}

	st, ok := e.openStore(ctx)
	if !ok {
		return 1
	}
	defer st.Close()

	convs, err := st.ReadAll(ctx)
	if err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}

	data, err := json.MarshalIndent(convs, "", "  ")
	if err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}
	data = append(data, '\n')

	if *outPath == "" {
		_, _ = e.out.Write(data)
		return 0
	}
	if err := atomic.WriteFile(*outPath, bytes.NewReader(data)); err != nil {
		fprintln(e.errOut, "error:", fmt.Errorf("writing %s: %w", *outPath, err))
		return 1
	}
	fprintln(e.out, color.GreenString("Exported %d chats to %s", len(convs), *outPath))
	return 0
}

func cmdImport(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 {
		fprintln(e.errOut, "error:", errFileRequired)
		return 1
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}
	var convs []record.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		fprintln(e.errOut, "error:", fmt.Errorf("parsing %s: %w", args[0], err))
		return 1
	}

	st, ok := e.openStore(ctx)
	if !ok {
		return 1
	}
	defer st.Close()

	if err := st.ReplaceAll(ctx, convs); err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}
	fprintln(e.out, color.GreenString("Imported %d chats", len(convs)))
	return 0
}

func cmdGet(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 {
		fprintln(e.errOut, "error:", errIDRequired)
		return 1
	}

	st, ok := e.openStore(ctx)
	if !ok {
		return 1
	}
	defer st.Close()

	c, found, err := st.ReadByKey(ctx, args[0])
	if err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}
	if !found {
		fprintln(e.errOut, "not found:", args[0])
		return 1
	}

	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}
	return 0
}

func cmdDelete(ctx context.Context, e *env, args []string) int {
	if len(args) == 0 {
		fprintln(e.errOut, "error:", errIDRequired)
		return 1
	}

	st, ok := e.openStore(ctx)
	if !ok {
		return 1
	}
	defer st.Close()

	if err := st.DeleteByKey(ctx, args[0]); err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}
	fprintln(e.out, color.GreenString("Deleted %s", args[0]))
	return 0
}

// selftestRecord is written to and read back from a scratch database.
var selftestRecord = record.Conversation{
	ID:       "test-chat",
	Name:     "Test Chat",
	Messages: []record.Message{},
	Tags:     []string{},
}

// cmdSelftest checks that the configured engine works on this machine
// without touching the user's database.
func cmdSelftest(ctx context.Context, e *env) int {
	if err := selftest(ctx, e); err != nil {
		fprintln(e.out, color.RedString("Test failed: %v", err))
		return 1
	}
	fprintln(e.out, color.GreenString("Test successful"))
	return 0
}

func selftest(ctx context.Context, e *env) error {
	dir, err := os.MkdirTemp("", "chatstore-selftest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	db := e.cfg.Database
	db.Path = filepath.Join(dir, "selftest.db")

	st, err := store.Open(ctx, storeOptions(db, e.logger))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ReplaceAll(ctx, []record.Conversation{selftestRecord}); err != nil {
		return err
	}
	got, found, err := st.ReadByKey(ctx, selftestRecord.ID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("record %q not found after write", selftestRecord.ID)
	}
	if got.Name != selftestRecord.Name || got.LastMessage != nil {
		return fmt.Errorf("record %q read back as %+v", selftestRecord.ID, got)
	}
	return nil
}

func cmdInit(e *env, args []string) int {
	fs := newFlagSet("init")
	force := fs.BoolP("force", "f", false, "Overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}

	if _, err := os.Stat(e.configPath); err == nil && !*force {
		fprintln(e.errOut, "error:", fmt.Sprintf("%s already exists (use --force to overwrite)", e.configPath))
		return 1
	}

	data, err := config.Marshal(config.Default(), e.configPath)
	if err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(e.configPath), 0o750); err != nil {
		fprintln(e.errOut, "error:", err)
		return 1
	}
	if err := atomic.WriteFile(e.configPath, bytes.NewReader(data)); err != nil {
		fprintln(e.errOut, "error:", fmt.Errorf("writing %s: %w", e.configPath, err))
		return 1
	}

	fprintln(e.out, color.GreenString("Wrote %s", e.configPath))
	return 0
}
