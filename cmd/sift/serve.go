package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sift/internal/api"
	"github.com/kalambet/sift/internal/config"
	"github.com/kalambet/sift/internal/content"
	"github.com/kalambet/sift/internal/manager"
	"github.com/kalambet/sift/internal/storage"
	"github.com/kalambet/sift/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full service: HTTP API, workers for every job type, and the manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	if cfg.Server.Token == "" {
		return fmt.Errorf("missing API token: set SIFT_SERVER_TOKEN")
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	client, err := newAnalyzerClient(cfg)
	if err != nil {
		return err
	}

	rt := newRuntime(cfg, store, client)
	engine := manager.NewEngine(store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewAppHandler(api.AppDeps{Store: store, Token: cfg.Server.Token}),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	for _, jobType := range []string{storage.JobAnalysis, storage.JobNormalize, storage.JobFollowUp} {
		g.Go(func() error {
			rt.Run(gctx, jobType)
			return nil
		})
	}

	g.Go(func() error {
		engine.Run(gctx, cfg.Worker.ManagerInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newRuntime wires the worker runtime with every pipeline handler.
func newRuntime(cfg config.Config, store storage.Store, client worker.Analyzer) *worker.Runtime {
	rt := worker.New(store, cfg.Worker.LeaseSeconds, cfg.Worker.PollInterval)
	rt.Register(storage.JobAnalysis, worker.NewAnalysisHandler(client, content.NewResolver()))
	rt.Register(storage.JobNormalize, worker.NewNormalizeHandler(client))
	rt.Register(storage.JobFollowUp, worker.NewFollowUpHandler(client))
	rt.Register(storage.JobManager, worker.NewManagerHandler(manager.NewEngine(store)))
	return rt
}
