package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/researchstate/internal/api"
	"github.com/kittclouds/researchstate/internal/config"
	"github.com/kittclouds/researchstate/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the supervisor",
	Long: `Opens the database, serves /api/v1, /healthz and /metrics, and runs the
background supervisor when enabled. Edits to the config file retune the
supervisor without a restart.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	handlers := api.NewHandlers(db, logger)
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Supervisor.Enabled {
		th, err := supervisor.ThresholdsFromConfig(cfg)
		if err != nil {
			return err
		}
		sup := supervisor.New(db, cfg.GetSweepInterval(), th, logger)
		handlers.WithSupervisor(sup)
		g.Go(func() error { return sup.Run(gctx) })
		g.Go(func() error {
			return config.Watch(gctx, cfgPath, logger, func(next *config.Config) {
				th, err := supervisor.ThresholdsFromConfig(next)
				if err != nil {
					logger.Warn("ignoring supervisor config", zap.Error(err))
					return
				}
				sup.Reconfigure(th)
			})
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(handlers),
		ReadHeaderTimeout: cfg.GetReadTimeout(),
		ReadTimeout:       cfg.GetReadTimeout(),
	}
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
