// Command coordinator runs the Intendly auction coordinator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anythingai/intendly/config"
	"github.com/anythingai/intendly/log"
	"github.com/anythingai/intendly/node"
)

var (
	version = "v0.1.0"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to the YAML config file (optional)")
	host := fs.String("host", "", "Override the HTTP listen host")
	port := fs.Int("port", 0, "Override the HTTP listen port")
	logLevel := fs.String("log.level", "", "Override the log level (debug, info, warn, error)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Printf("coordinator %s (commit %s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := log.New(log.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	log.SetDefault(logger)

	logger.Info("starting coordinator",
		"version", version,
		"chainId", cfg.Chain.ChainID,
		"addr", cfg.Server.Addr())

	coordinator, err := node.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("initialization failed", "err", err)
		return 1
	}
	if err := coordinator.Start(); err != nil {
		logger.Error("start failed", "err", err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	if err := coordinator.Stop(); err != nil {
		logger.Error("shutdown failed", "err", err)
		return 1
	}
	return 0
}
