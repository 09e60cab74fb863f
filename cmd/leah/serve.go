package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jamessanders/leah-public/internal/config"
	"github.com/jamessanders/leah-public/internal/logging"
	"github.com/jamessanders/leah-public/internal/svc"
)

func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging services",
		Long:  `Start the broker, registry, system relay and task scheduler and serve /metrics when metrics.addr is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe runs the services until SIGINT or SIGTERM
func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg := ServerConfig
	log := logging.For("serve")

	sc, err := svc.NewServiceContext(cfg)
	if err != nil {
		return err
	}
	defer sc.Close()

	g, gctx := errgroup.WithContext(ctx)
	if err := sc.Start(gctx); err != nil {
		return err
	}

	if path := cfg.Path(); path != "" {
		if err := config.Watch(gctx, path, sc.Reload); err != nil {
			log.Warn("config hot reload disabled", "path", path, "error", err)
		}
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(sc.Prometheus, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("leah serving", "data_dir", cfg.DataDir)
	return g.Wait()
}
