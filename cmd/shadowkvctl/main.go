// Command shadowkvctl is a thin exerciser over the engine's programmatic
// interface (spec.md §6.4): open a database, insert and read back a record
// in one transaction, delete it in a second one, and report what happened.
// It is not part
// of the storage/transaction core — SQL parsing, query execution, and a
// real client protocol are out of scope (spec.md §1) and live elsewhere.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/shadowdb/shadowkv/config"
	"github.com/shadowdb/shadowkv/internal/kv/engine"
	"github.com/shadowdb/shadowkv/internal/kv/version"
)

func main() {
	var (
		dataDir    = pflag.StringP("data-dir", "d", ".", "directory holding the database files")
		name       = pflag.StringP("name", "n", "shadowkv", "database name")
		configPath = pflag.StringP("config", "c", "", "path to a hujson engine config file")
		payload    = pflag.StringP("insert", "i", "hello, shadowkv", "payload to insert and read back")
		verbose    = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.Parse()

	zlog := zerolog.Nop()
	if *verbose {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "shadowkvctl:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	isolation, err := cfg.IsolationLevel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "shadowkvctl:", err)
		os.Exit(1)
	}

	eng, err := engine.Open(*dataDir, *name, engine.Config{
		MaxCachePages:  cfg.MaxCachePages,
		MaxCachedItems: cfg.MaxCachedItems,
	}, engine.WithLogger(zlog))
	if err != nil {
		fmt.Fprintln(os.Stderr, "shadowkvctl: open:", err)
		os.Exit(1)
	}
	defer eng.Close()

	if err := run(eng, isolation, *payload); err != nil {
		fmt.Fprintln(os.Stderr, "shadowkvctl:", err)
		os.Exit(1)
	}
}

func run(eng *engine.Engine, isolation version.IsolationLevel, payload string) error {
	tx, err := eng.Begin(isolation)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	uid, err := eng.Insert(tx, []byte(payload))
	if err != nil {
		eng.Abort(tx)
		return fmt.Errorf("insert: %w", err)
	}

	data, ok, err := eng.Read(tx, uid)
	if err != nil {
		eng.Abort(tx)
		return fmt.Errorf("read: %w", err)
	}
	if !ok {
		eng.Abort(tx)
		return fmt.Errorf("read: uid %d unexpectedly absent", uid)
	}

	if err := eng.Commit(tx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	fmt.Printf("uid=%d payload=%q\n", uid, data)

	tx2, err := eng.Begin(isolation)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	deleted, err := eng.Delete(context.Background(), tx2, uid)
	if err != nil {
		eng.Abort(tx2)
		return fmt.Errorf("delete: %w", err)
	}
	if err := eng.Commit(tx2); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	fmt.Printf("deleted=%v\n", deleted)

	stats := eng.Stats()
	fmt.Printf("pages=%d\n", stats.PageCount)
	return nil
}
