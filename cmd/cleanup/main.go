// Command cleanup expires idle sessions and, when Spacedeck runs locally,
// removes storage that no longer belongs to a whiteboard document.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"whiteboard/api/internal/app"
	"whiteboard/api/internal/config"
	"whiteboard/api/internal/secret"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	timeout := flag.Duration("timeout", 30*time.Minute, "abort after this long")
	flag.Parse()

	os.Exit(run(*configPath, *timeout))
}

func run(configPath string, timeout time.Duration) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("config failed: %v", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resolver, err := secret.New(ctx, cfg.Secrets.Backend)
	if err != nil {
		log.Printf("secrets backend failed: %v", err)
		return 1
	}
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		log.Printf("resolving secrets failed: %v", err)
		return 1
	}

	components, err := app.Build(ctx, cfg)
	if err != nil {
		log.Printf("startup failed: %v", err)
		return 1
	}
	defer components.Close()

	report, err := components.Cleanup.RunOnce(ctx)
	if report != nil {
		fmt.Printf("Expired %d sessions\n", report.ExpiredSessions)
		for _, action := range report.Actions {
			fmt.Println(action)
		}
	}
	if err != nil {
		fmt.Printf("[ERROR] %v\n", err)
		return 1
	}
	return 0
}
