package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/septivank/energy-metering-cache/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	if path, ok := config.LoadDotEnv(); ok {
		fmt.Printf("Loaded environment from: %s\n", path)
	} else {
		fmt.Println("No .env file found, using system environment variables (OK for pods/containers)")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("invalid configuration:", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			ProvideRepository,
			ProvideLedger,
			ProvideRecorder,
			ProvideReconciler,
			ProvideHealthChecks,
			ProvideHandler,
			ProvideRouter,
			ProvideHTTPServer,
		),
		fx.Invoke(initLedger),
		consumerModule(cfg),
		fx.Invoke(func(*http.Server) {}),
	)

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Logger for startup errors raised outside the fx graph
	tempLogger, _ := newLogger(cfg)
	tempLogger.Info("starting application...", zap.String("timeout", "30s"))

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		// Check if it's a timeout error
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("APPLICATION START TIMEOUT: Failed to start within 30 seconds. This usually means a dependency (store or RabbitMQ) is not accessible. Check the error messages above for specific connection failures.")
		}
		panic(err)
	}

	// Wait for interrupt signal
	<-ctx.Done()

	// Stop application gracefully
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
	}
}
