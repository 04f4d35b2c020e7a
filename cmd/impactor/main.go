// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/impactdev/impactor"
	"github.com/impactdev/impactor/config"
	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/query"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "impactor",
		Usage:   "Inspect and migrate Impactor storage",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the storage configuration file",
				EnvVars:  []string{config.EnvPrefix + "CONFIG"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "info",
				Usage:  "Show backend, pool and collection state",
				Action: infoCommand,
			},
			{
				Name:   "migrate",
				Usage:  "Bring every declared collection to its current schema",
				Action: migrateCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "quiet",
						Usage: "Do not report migration progress",
					},
				},
			},
			{
				Name:      "version",
				Usage:     "Print the stored and expected schema version of a collection",
				ArgsUsage: "<collection>",
				Action:    versionCommand,
			},
			{
				Name:      "get",
				Usage:     "Print a record as JSON",
				ArgsUsage: "<collection> <key>",
				Action:    getCommand,
			},
			{
				Name:      "put",
				Usage:     "Write a record given as a JSON object",
				ArgsUsage: "<collection> <key> <json>",
				Action:    putCommand,
			},
			{
				Name:      "rm",
				Usage:     "Remove a record",
				ArgsUsage: "<collection> <key>",
				Action:    removeCommand,
			},
			{
				Name:      "scan",
				Usage:     "Print the records of a collection in key order",
				ArgsUsage: "<collection>",
				Action:    scanCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "where",
						Aliases: []string{"w"},
						Usage:   "Filter, e.g. 'level >= 3 and name startsWith \"a\"'",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Stop after N records (0 for no limit)",
					},
				},
			},
		},
	}
}

// openStore loads the configuration and readies the declared collections.
func openStore(c *cli.Context, opts ...impactor.Option) (*impactor.Store, error) {
	raw, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	desc, err := config.Resolve(raw)
	if err != nil {
		return nil, err
	}
	slog.Debug("configuration resolved", "descriptor", desc.Redacted())
	store, err := impactor.Open(c.Context, desc, opts...)
	if err != nil {
		return nil, err
	}
	if err := store.Start(c.Context); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func infoCommand(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	meta, err := store.Meta(c.Context)
	if err != nil {
		return err
	}
	out := c.App.Writer
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%-16s %s\n", k, meta[k])
	}
	fmt.Fprintln(out)
	printCollections(c.Context, out, store)
	return nil
}

func migrateCommand(c *cli.Context) error {
	var opts []impactor.Option
	if !c.Bool("quiet") {
		opts = append(opts, impactor.WithMigrationProgress(c.App.ErrWriter))
	}
	store, err := openStore(c, opts...)
	if err != nil {
		return err
	}
	defer store.Close()
	printCollections(c.Context, c.App.Writer, store)
	return nil
}

func printCollections(ctx context.Context, out io.Writer, store *impactor.Store) {
	schemas := store.Schemas()
	for _, name := range schemas.Collections() {
		state, err := store.Driver().SchemaState(ctx, name)
		version := "?"
		if err == nil {
			version = fmt.Sprint(state.Version)
		}
		expected, _ := schemas.Expected(name)
		fmt.Fprintf(out, "%-24s v%s/%d %s\n", name, version, expected, schemas.State(name))
	}
}

func versionCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("collection is required")
	}
	collection := c.Args().First()
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	expected, err := store.Schemas().Expected(collection)
	if err != nil {
		return err
	}
	state, err := store.Driver().SchemaState(c.Context, collection)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s version %d of %d", collection, state.Version, expected)
	if state.Step != "" {
		fmt.Fprintf(c.App.Writer, " (last step %q at %s)", state.Step, state.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(c.App.Writer)
	return nil
}

func getCommand(c *cli.Context) error {
	collection, key, err := collectionKey(c)
	if err != nil {
		return err
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	record, found, err := store.Gateway().Read(c.Context, collection, key)
	if err != nil {
		return err
	}
	if !found {
		return cli.Exit(fmt.Sprintf("%s/%s not found", collection, key), 1)
	}
	return printRecord(c.App.Writer, key, record)
}

func putCommand(c *cli.Context) error {
	collection, key, err := collectionKey(c)
	if err != nil {
		return err
	}
	if c.NArg() < 3 {
		return fmt.Errorf("record JSON is required")
	}
	record, err := decodeRecord(c.Args().Get(2))
	if err != nil {
		return err
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Gateway().Write(c.Context, collection, key, record)
}

func removeCommand(c *cli.Context) error {
	collection, key, err := collectionKey(c)
	if err != nil {
		return err
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	existed, err := store.Gateway().Remove(c.Context, collection, key)
	if err != nil {
		return err
	}
	if !existed {
		fmt.Fprintf(c.App.ErrWriter, "%s/%s did not exist\n", collection, key)
	}
	return nil
}

func scanCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("collection is required")
	}
	collection := c.Args().First()
	pred, err := query.Parse(c.String("where"))
	if err != nil {
		return err
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	limit := c.Int("limit")
	var n int
	for entry, err := range store.Gateway().Query(c.Context, collection, pred) {
		if err != nil {
			return err
		}
		if err := printRecord(c.App.Writer, entry.Key, entry.Record); err != nil {
			return err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	slog.Debug("scan complete", "collection", collection, "records", n)
	return nil
}

func collectionKey(c *cli.Context) (string, string, error) {
	if c.NArg() < 2 {
		return "", "", fmt.Errorf("collection and key are required")
	}
	return c.Args().Get(0), c.Args().Get(1), nil
}

func printRecord(w io.Writer, key string, record core.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\t%s\n", key, data)
	return err
}

// decodeRecord parses a JSON object, keeping integral numbers as int64.
func decodeRecord(input string) (core.Record, error) {
	dec := json.NewDecoder(strings.NewReader(input))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSerialization, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: record must be a JSON object", core.ErrSerialization)
	}
	return core.Record(numbers(raw).(map[string]any)), nil
}

func numbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = numbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = numbers(e)
		}
		return t
	}
	return v
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	switch levelStr := strings.ToLower(c.String("log-level")); levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return nil
}
