package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"derpme/internal/config"
	"derpme/internal/logging"
	"derpme/internal/server"
)

func main() {
	var (
		configPath  string
		environment string
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	flag.StringVar(&environment, "env", os.Getenv("DERPME_ENV"), "Logging preset: development, staging, production or test")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if environment != "" {
		logging.SetupEnvironmentLogging(cfg, environment)
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `derpme key/value service

Usage:
  %s [options]

Options:
  -config string
        Path to a YAML configuration file (defaults and environment only when empty)
  -env string
        Logging preset: development, staging, production or test
  -h, --help
        Show this help message

Environment Variables:
  DERPME_BROKER_TYPE       redis, grpc or http (any case)
  DERPME_BROKER_HOST       broker host
  DERPME_BROKER_PORT       broker port (6379, 9090 or 8080 by default)
  DERPME_NAMESPACE         operation namespace (default "device")
  DERPME_LIST_SIZE         maximum list length (default 10)
  DERPME_VOLATILE_*        volatile tier: DRIVER, HOST, PORT, DB, PASSWORD
  DERPME_PERSISTENT_*      persistent tier: ENABLED, DRIVER, HOST, PORT, DB, PASSWORD, DATA_PATH
  DERPME_LOG_LEVEL         debug, info, warn or error
  DERPME_ENV               default for -env

Examples:
  # Serve over redis with the default tiers
  %s

  # Serve over HTTP with a configuration file
  DERPME_BROKER_TYPE=http %s -config derpme.yaml
`, os.Args[0], os.Args[0], os.Args[0])
}
