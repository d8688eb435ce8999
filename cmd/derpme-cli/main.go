package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"derpme/internal/config"
	"derpme/pkg/client"
)

var (
	configPath = flag.String("config", "", "Path to a YAML configuration file for the broker settings")
	namespace  = flag.String("namespace", "", "Operation namespace (overrides the configuration)")
	persistent = flag.Bool("persistent", false, "Use the persistent tier")
	timeout    = flag.Duration("timeout", 10*time.Second, "Request timeout")
	maxRetries = flag.Int("retries", 3, "Maximum number of retries")
	jsonOutput = flag.Bool("json", false, "Print raw JSON replies")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Broker.RequestTimeout = *timeout

	clientCfg := client.DefaultConfig()
	clientCfg.Namespace = cfg.Namespace
	if *namespace != "" {
		clientCfg.Namespace = *namespace
	}
	clientCfg.RequestTimeout = *timeout
	clientCfg.MaxRetries = *maxRetries

	derp, err := client.Dial(client.DialOptions{
		Kind:           cfg.Broker.Kind,
		Host:           cfg.Broker.Host,
		Port:           cfg.Broker.Port,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		DB:             cfg.Broker.DB,
		RequestTimeout: cfg.Broker.RequestTimeout,
		ReplyTTL:       cfg.Broker.ReplyTTL,
	}, clientCfg)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer derp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout*time.Duration(*maxRetries+1))
	defer cancel()

	command, rest := args[0], args[1:]
	switch command {
	case "get":
		requireArgs(rest, 1, "get <key>")
		val, err := derp.Get(ctx, rest[0], *persistent)
		exitOnError(err)
		if val == nil {
			output(nil)
		} else {
			output(*val)
		}

	case "set":
		requireArgs(rest, 2, "set <key> <value>")
		exitOnError(derp.Set(ctx, rest[0], rest[1], *persistent))
		output("OK")

	case "mget":
		requireArgs(rest, 1, "mget <key> [key...]")
		vals, err := derp.MGet(ctx, rest, *persistent)
		exitOnError(err)
		out := make([]any, len(vals))
		for i, v := range vals {
			if v != nil {
				out[i] = *v
			}
		}
		output(out)

	case "mset":
		if len(rest) == 0 || len(rest)%2 != 0 {
			usageError("mset <key> <value> [key value...]")
		}
		keys := make([]string, 0, len(rest)/2)
		vals := make([]any, 0, len(rest)/2)
		for i := 0; i < len(rest); i += 2 {
			keys = append(keys, rest[i])
			vals = append(vals, rest[i+1])
		}
		exitOnError(derp.MSet(ctx, keys, vals, *persistent))
		output("OK")

	case "lget":
		requireArgs(rest, 1, "lget <key> [from] [to]")
		from, to := int64(0), int64(-1)
		if len(rest) > 1 {
			from = parseOffset(rest[1])
		}
		if len(rest) > 2 {
			to = parseOffset(rest[2])
		}
		vals, err := derp.LGet(ctx, rest[0], from, to, *persistent)
		exitOnError(err)
		output(vals)

	case "lset":
		requireArgs(rest, 2, "lset <key> <value> [value...]")
		vals := make([]any, 0, len(rest)-1)
		for _, raw := range rest[1:] {
			vals = append(vals, parseElement(raw))
		}
		exitOnError(derp.LSet(ctx, rest[0], vals, *persistent))
		output("OK")

	case "flush":
		exitOnError(derp.Flush(ctx, *persistent))
		output("OK")

	case "call":
		requireArgs(rest, 1, "call <operation> [json]")
		payload := []byte("{}")
		if len(rest) > 1 {
			payload = []byte(rest[1])
		}
		reply, err := derp.Call(ctx, rest[0], payload)
		exitOnError(err)
		fmt.Println(string(reply))

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// parseElement keeps JSON literals typed so "3" is pushed as a number.
func parseElement(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func parseOffset(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid offset %q: %v\n", raw, err)
		os.Exit(1)
	}
	return n
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		usageError(usage)
	}
}

func usageError(usage string) {
	fmt.Fprintf(os.Stderr, "Usage: %s %s\n", os.Args[0], usage)
	os.Exit(1)
}

func exitOnError(err error) {
	if err == nil {
		return
	}
	if *jsonOutput {
		outputJSON(map[string]any{"status": 0, "error": err.Error()})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

func output(v any) {
	if *jsonOutput {
		outputJSON(map[string]any{"status": 1, "val": v})
		return
	}
	switch val := v.(type) {
	case nil:
		fmt.Println("(nil)")
	case string:
		fmt.Println(val)
	case []any:
		for i, item := range val {
			if item == nil {
				fmt.Printf("%d) (nil)\n", i+1)
				continue
			}
			fmt.Printf("%d) %v\n", i+1, item)
		}
	default:
		outputJSON(val)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `derpme command-line client

Usage:
  %s [options] <command> [arguments]

Commands:
  get <key>                        Read a value
  set <key> <value>                Store a value
  mget <key> [key...]              Read several values
  mset <key> <value> [key value]   Store several values
  lget <key> [from] [to]           Read a list window, newest first (default 0 -1)
  lset <key> <value> [value...]    Push values, the last becomes newest
  flush                            Delete every key of the tier
  call <operation> [json]          Send a raw request

Options:
  -config string      YAML configuration file for the broker settings
  -namespace string   Operation namespace
  -persistent         Use the persistent tier
  -timeout duration   Request timeout (default 10s)
  -retries int        Maximum number of retries (default 3)
  -json               Print JSON replies

The broker is selected with the same DERPME_BROKER_* variables as the server.

Examples:
  %s set robot derp
  %s -persistent lset readings 1 2 3
  DERPME_BROKER_TYPE=http %s lget readings 0 -2
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}
