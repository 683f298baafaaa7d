package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vipul43/adr-worker/internal/runqueue"
	"github.com/vipul43/adr-worker/internal/watcher"
)

func serveCmd() *cobra.Command {
	var history string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the run queue worker and the background trigger until stopped",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			switch history {
			case "database":
			case "memory":
				// runs are not recorded, so the database slot does not guard this worker
				log.Println("Warning: run history is kept in memory and lost on restart")
				a.queue = runqueue.New(runqueue.NewMemoryStore(), a.orch, a.configRepo, a.metrics)
			default:
				return fmt.Errorf("unknown history store %q (want database or memory)", history)
			}
			return serve(ctx, a, args)
		}),
	}
	cmd.Flags().StringVar(&history, "history", "database", "Where run history is kept: database or memory")
	return cmd
}

func serve(parent context.Context, a *app, args []string) error {
	w := watcher.New(
		a.queue,
		a.configRepo,
		time.Duration(a.cfg.PollInterval)*time.Second,
		time.Duration(a.cfg.SweepInterval)*time.Second,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Start the queue worker and the watcher
	errChan := make(chan error, 2)
	go func() {
		errChan <- a.queue.Start(ctx)
	}()
	go func() {
		errChan <- w.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Println("Shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Worker error: %v", err)
		}
	}
	cancel()

	// Wait for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	for stopped := 0; stopped < 2; {
		select {
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded")
			return nil
		case err := <-errChan:
			stopped++
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Worker error: %v", err)
			}
		}
	}

	log.Println("Application stopped")
	return nil
}
