// Package main imports plaintext IRC logs in the archive.logbot.info export
// format into the historical day-file store.
//
// Usage:
//   ircimport [--log-dir DIR] LOGFILE
//
// Flags:
//   --log-dir: Root of the logs tree (default: logs)
//
// Imported channels are written under <log-dir>/historical-json/<channel>.
// A channel that already exists in the live Matrix store, or a day file that
// already exists, aborts the import.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onnwee/chat-archiver/irclog"
	"github.com/onnwee/chat-archiver/store"
)

func main() {
	logDir := flag.String("log-dir", "logs", "Root of the logs tree")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [--log-dir DIR] LOGFILE\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	historical, err := store.New(filepath.Join(*logDir, "historical-json"))
	if err != nil {
		slog.Error("open historical store", slog.Any("err", err))
		os.Exit(1)
	}
	live, err := store.New(filepath.Join(*logDir, "json"))
	if err != nil {
		slog.Error("open live store", slog.Any("err", err))
		os.Exit(1)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		slog.Error("open log file", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close log file", slog.Any("err", err))
		}
	}()

	im := &irclog.Importer{Historical: historical, Live: live}
	res, err := im.Import(f)
	if err != nil {
		slog.Error("import failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("import complete",
		slog.String("channel", res.Channel),
		slog.Int("days", res.Days),
		slog.Int("events", res.Events))
}
