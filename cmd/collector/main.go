package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"emporia-collector/internal/config"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

func main() {
	// Load .env file - flexible path for both local runs and cron/container jobs
	envPaths := []string{
		".env",
		"../../.env",
	}
	if workDir, err := os.Getwd(); err == nil {
		envPaths = append(envPaths,
			filepath.Join(filepath.Dir(workDir), ".env"),
		)
	}

	envLoaded := false
	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				absPath, _ := filepath.Abs(envPath)
				fmt.Printf("Loaded environment from: %s\n", absPath)
				envLoaded = true
				break
			}
		}
	}
	if !envLoaded {
		fmt.Println("No .env file found, using system environment variables (OK for scheduled jobs)")
	}

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideAuthClient,
			ProvideSession,
			ProvideStoreClient,
			ProvideEventPublisher,
			ProvideEngine,
			ProvideCoordinator,
		),
		fx.Invoke(runCollector),
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Println("failed to start collector:", err)
		os.Exit(1)
	}

	// One-shot job: the run hook shuts the app down with its exit code
	sig := <-app.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping collector:", err)
	}

	os.Exit(sig.ExitCode)
}
