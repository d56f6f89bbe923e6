// Package main is the aircache command-line tool.
//
// Usage:
//
//	aircache set <key> <json>   — store a value
//	aircache get <key>          — read a value
//	aircache remove <key>       — invalidate a key
//	aircache clear              — delete all cached records
//	aircache stats              — cache and queue statistics
//	aircache enqueue <method> <url> [body]
//	                            — queue a network action for later replay
//	aircache flush              — replay queued actions over HTTP
//	aircache version            — print version
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aircache/aircache/internal/cache"
	"github.com/aircache/aircache/internal/codec"
	"github.com/aircache/aircache/internal/config"
	"github.com/aircache/aircache/internal/keys"
	"github.com/aircache/aircache/internal/observability"
	"github.com/aircache/aircache/internal/syncqueue"
)

const (
	version = "0.1.0"
	appName = "aircache"
)

func main() {
	flags := flag.NewFlagSet(appName, flag.ExitOnError)
	configPath := flags.String("config", os.Getenv("AIRCACHE_CONFIG"), "path to YAML config file")
	flags.Usage = printUsage
	flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmd := args[0]
	switch cmd {
	case "version":
		fmt.Printf("%s v%s\n", appName, version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger("cache", os.Stderr)
	kp := keys.NewFileProvider(cfg.DataDir, codec.KeySize)
	c, err := cache.Open(cfg, kp, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open cache: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := run(ctx, c, cmd, args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cache.Cache, cmd string, args []string) error {
	switch cmd {
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("usage: set <key> <json>")
		}
		var value any
		if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
			return fmt.Errorf("value is not valid JSON: %w", err)
		}
		return c.Set(ctx, args[0], value, nil)

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		data, ok := c.GetBytes(ctx, args[0])
		if !ok {
			return fmt.Errorf("miss")
		}
		fmt.Println(string(data))
		return nil

	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("usage: remove <key>")
		}
		return c.Remove(ctx, args[0])

	case "clear":
		return c.Clear(ctx)

	case "stats":
		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	case "enqueue":
		if len(args) < 2 {
			return fmt.Errorf("usage: enqueue <method> <url> [body]")
		}
		action := syncqueue.Action{Method: args[0], Target: args[1]}
		if len(args) > 2 {
			action.Body = []byte(args[2])
			action.Headers = map[string]string{"Content-Type": "application/json"}
		}
		item, err := c.QueueAction(ctx, action, 0)
		if err != nil {
			return err
		}
		fmt.Printf("queued item %d (token %s)\n", item.ID, item.Action.Token)
		return nil

	case "flush":
		report, err := c.FlushQueue(ctx, httpTransport(http.DefaultClient))
		if err != nil {
			return err
		}
		fmt.Printf("succeeded: %d, retried: %d, permanently failed: %d\n",
			report.Succeeded, report.Retried, len(report.PermanentlyFailed))
		for _, item := range report.PermanentlyFailed {
			fmt.Printf("  failed for good: %s %s (after %d attempts)\n",
				item.Action.Method, item.Action.Target, item.RetryCount)
		}
		return nil

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// httpTransport builds a sync-queue transport that replays actions as plain
// HTTP requests, stamping the idempotency token so the remote side can
// deduplicate at-least-once replays.
func httpTransport(client *http.Client) syncqueue.TransportFunc {
	return func(ctx context.Context, action syncqueue.Action) error {
		req, err := http.NewRequestWithContext(ctx, action.Method, action.Target, bytes.NewReader(action.Body))
		if err != nil {
			return err
		}
		for k, v := range action.Headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("Idempotency-Key", action.Token)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("remote returned %s", resp.Status)
		}
		return nil
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s — local persistent cache with offline sync

Usage:
  %s [-config <path>] <command> [args]

Commands:
  set <key> <json>             Store a value with the configured defaults
  get <key>                    Print the cached value, or fail on a miss
  remove <key>                 Invalidate a key
  clear                        Delete all cached records (queue untouched)
  stats                        Print cache and sync-queue statistics
  enqueue <method> <url> [body]  Queue a network action for later replay
  flush                        Replay queued actions over HTTP
  version                      Print version

Environment variables:
  AIRCACHE_DATA         Data directory (default: ~/.aircache)
  AIRCACHE_QUOTA_BYTES  Storage budget in bytes (default: 52428800)
  AIRCACHE_TTL_MS       Default record TTL in ms (default: 3600000)
  AIRCACHE_COMPRESS     Compress payloads (default: true)
  AIRCACHE_ENCRYPT      Encrypt payloads (default: true)
  AIRCACHE_TYPE_TAG     Default type tag (default: generic)
  AIRCACHE_CONFIG       YAML config path (same keys, env wins)

`, appName, version, appName)
}
