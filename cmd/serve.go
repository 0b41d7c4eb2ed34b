package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/crevhq/crev/internal/api"
	"github.com/crevhq/crev/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review API server and background workers",
	Long: `Start the HTTP API server with a background worker pool.
Review tasks started through the API run on the pool, and a periodic
sweeper recovers tasks stuck in a processing state.
By default it listens on port 8080. Use --port to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serveRun() error {
	deps, err := getEngine()
	if err != nil {
		return err
	}

	logger := slog.Default()
	pool := worker.New(deps.engine, viper.GetInt("worker.count"), viper.GetDuration("worker.sweep_interval"), logger)
	server := api.NewServer(deps.store, deps.engine, deps.loop, deps.rules, deps.ai, pool, logger)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(ctx)
	})

	g.Go(func() error {
		ui.Info("Serving API at http://localhost%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	ui.Info("Server stopped")
	return nil
}
