package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/partlabs/eolwatch/internal/config"
	"github.com/partlabs/eolwatch/internal/server"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("EOLWATCH_CONFIG"), "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build service failed: %v\n", err)
		os.Exit(1)
	}

	runErr := app.Run(ctx)
	if closeErr := app.Close(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "close failed: %v\n", closeErr)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", runErr)
		os.Exit(1)
	}
}
