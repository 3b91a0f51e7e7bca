package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mkhmik004/trustwork/integrations/eventlog"
	"github.com/mkhmik004/trustwork/integrations/exports"
)

func runEventsCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, eventsUsage())
		return 1
	}
	switch args[0] {
	case "export":
		return runEventsExport(args[1:], stdout, stderr)
	case "verify":
		return runEventsVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown events subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, eventsUsage())
		return 1
	}
}

func newEventsFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, eventsUsage())
	}
	return fs
}

func runEventsExport(args []string, stdout, stderr io.Writer) int {
	fs := newEventsFlagSet("events export", stderr)
	var (
		dbPath string
		format string
		out    string
		since  uint64
	)
	fs.StringVar(&dbPath, "db", "", "path to the event journal")
	fs.StringVar(&format, "format", "csv", "export format (csv, jsonl or parquet)")
	fs.StringVar(&out, "out", "", "output file (defaults to stdout for csv and jsonl)")
	fs.Uint64Var(&since, "since", 0, "export records after this sequence")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(dbPath) == "" {
		return printEscrowError(stderr, "--db is required")
	}
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "csv", "jsonl":
	case "parquet":
		if strings.TrimSpace(out) == "" {
			return printEscrowError(stderr, "--out is required for parquet exports")
		}
	default:
		return printEscrowError(stderr, "--format must be csv, jsonl or parquet")
	}
	if _, err := os.Stat(dbPath); err != nil {
		return printEscrowError(stderr, fmt.Sprintf("event journal %s: %v", dbPath, err))
	}

	journal, err := eventlog.Open(dbPath)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	defer journal.Close()

	records, err := journal.Since(context.Background(), since, 0)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}

	if format == "parquet" {
		if err := exports.WriteEventsParquet(out, records); err != nil {
			return printEscrowError(stderr, err.Error())
		}
		fmt.Fprintf(stdout, "wrote %d records to %s\n", len(records), out)
		return 0
	}

	var (
		data     []byte
		checksum string
	)
	if format == "csv" {
		data, checksum, err = exports.EventsCSV(records)
	} else {
		data, checksum, err = exports.EventsJSONL(records)
	}
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if strings.TrimSpace(out) == "" {
		_, _ = stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "wrote %d records to %s (sha256 %s)\n", len(records), out, checksum)
	return 0
}

func runEventsVerify(args []string, stdout, stderr io.Writer) int {
	fs := newEventsFlagSet("events verify", stderr)
	var dbPath string
	fs.StringVar(&dbPath, "db", "", "path to the event journal")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(dbPath) == "" {
		return printEscrowError(stderr, "--db is required")
	}
	if _, err := os.Stat(dbPath); err != nil {
		return printEscrowError(stderr, fmt.Sprintf("event journal %s: %v", dbPath, err))
	}
	journal, err := eventlog.Open(dbPath)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	defer journal.Close()

	if err := journal.Verify(context.Background()); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	seq, head := journal.Head()
	fmt.Fprintf(stdout, "journal ok: %d records, head %s\n", seq, head)
	return 0
}

func eventsUsage() string {
	return strings.TrimSpace(`Usage:
  trustwork-cli events <command> [flags]

Commands:
  export  Export journal records (--db, --format csv|jsonl|parquet, --out, --since)
  verify  Check the journal hash chain (--db)
`)
}
