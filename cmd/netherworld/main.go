package main

import (
	"context"
	"fmt"
	"os"

	"github.com/netherbot/netherworld/common/environment"
	"github.com/netherbot/netherworld/common/version"
	"github.com/netherbot/netherworld/internal/netherworld/app"
	"github.com/netherbot/netherworld/internal/netherworld/config"
)

func main() {
	fmt.Printf("Netherworld\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	// Settings file path: first argument, NETHERWORLD_SETTINGS, or the default.
	settingsPath := environment.StringOr("NETHERWORLD_SETTINGS", "./settings.json")
	if len(os.Args) > 1 {
		settingsPath = os.Args[1]
	}

	settings, err := config.Load(settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	nether, err := app.New(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Netherworld: %v\n", err)
		os.Exit(1)
	}
	defer nether.Stop()

	if err := nether.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Netherworld: %v\n", err)
		os.Exit(1)
	}
}
