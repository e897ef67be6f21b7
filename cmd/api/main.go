package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta/internal/app"
	"github.com/markdave123-py/contexta/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "contexta",
	Short:         "Document retrieval and conversational context pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with an in-process conversion worker pool",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run conversion workers only",
	Long:  `Pulls conversion jobs from the shared queue. Needs STORE_DRIVER=postgres to share work with API processes.`,
	RunE:  runWorker,
}

var noWorkers bool

func init() {
	serveCmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without starting conversion workers")
	rootCmd.AddCommand(serveCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("contexta exited", "err", err)
		os.Exit(1)
	}
}

// setup loads config, installs the logger and returns a context cancelled on
// SIGINT/SIGTERM.
func setup() (context.Context, context.CancelFunc, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx, cancel, cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, err := setup()
	if err != nil {
		return err
	}
	defer cancel()
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET not set")
	}

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	if !noWorkers {
		application.StartWorkers(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- application.Server.Start() }()

	slog.Info("contexta is running", "port", cfg.Port, "store", cfg.StoreDriver)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	return application.Server.Shutdown(shutdownCtx)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, err := setup()
	if err != nil {
		return err
	}
	defer cancel()
	if cfg.StoreDriver == "memory" {
		slog.Warn("worker with the in-memory store only sees jobs queued in this process")
	}

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	application.StartWorkers(ctx)
	slog.Info("contexta worker is running", "workers", cfg.WorkerCount)
	<-ctx.Done()
	slog.Info("shutting down...")
	return nil
}
