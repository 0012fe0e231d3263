package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/app"
	"github.com/lbds137/tzurot/internal/common"
)

var (
	configPath   = flag.String("config", "", "Configuration file path")
	configPathC  = flag.String("c", "", "Configuration file path (shorthand)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("tzurot version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	path := *configPath
	if *configPathC != "" {
		path = *configPathC
	}
	if path == "" {
		if _, err := os.Stat("tzurot.toml"); err == nil {
			path = "tzurot.toml"
		}
	}

	config, err := common.LoadFromFile(path)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Str("path", path).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	logger.Info().
		Str("version", common.GetVersion()).
		Str("config", path).
		Str("environment", config.Environment).
		Str("db_path", config.Storage.Path).
		Msg("Starting tzurot worker")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize worker")
		os.Exit(1)
	}

	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start worker")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received; shutting down")

	application.Close()
}
