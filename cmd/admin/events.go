package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	persistlog "voxelcraft.ai/chunksys/internal/persistence/log"
)

func eventsCmd(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dir := fs.String("dir", "./data/events", "event log directory")
	kind := fs.String("kind", "", "only print events of this kind")
	_ = fs.Parse(args)
	return printEvents(*dir, *kind, os.Stdout)
}

// printEvents writes every record in dir, oldest file first, as JSON lines.
func printEvents(dir, kind string, w io.Writer) error {
	files, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl.zst"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("events: no event files in %s", dir)
	}
	sort.Strings(files)
	enc := json.NewEncoder(w)
	for _, f := range files {
		err := persistlog.ReadJSONL(f, func(r persistlog.Record) error {
			if kind != "" && string(r.Kind) != kind {
				return nil
			}
			return enc.Encode(r)
		})
		if err != nil {
			return fmt.Errorf("events: %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}
