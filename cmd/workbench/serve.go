package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rflorenc/artifact-migration-workbench/internal/api"
	"github.com/rflorenc/artifact-migration-workbench/internal/connections"
	"github.com/rflorenc/artifact-migration-workbench/internal/logger"
	"github.com/rflorenc/artifact-migration-workbench/internal/metrics"
	"github.com/rflorenc/artifact-migration-workbench/internal/migration"
	"github.com/rflorenc/artifact-migration-workbench/internal/progress"
	"github.com/rflorenc/artifact-migration-workbench/internal/secrets"
	"github.com/rflorenc/artifact-migration-workbench/internal/source"
	"github.com/rflorenc/artifact-migration-workbench/internal/store"
	"github.com/rflorenc/artifact-migration-workbench/internal/target"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workbench server",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()
		log := logger.Log

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := store.Open(cfg.DBPath, log)
		if err != nil {
			return err
		}
		defer st.Close()

		key, err := secrets.LoadOrCreateKey(cfg.SecretKeyFile)
		if err != nil {
			return err
		}
		vault, err := secrets.NewVault(key)
		if err != nil {
			return err
		}
		tickets, err := progress.NewTickets([]byte(cfg.TicketSecret), cfg.Stream.TicketTTL)
		if err != nil {
			return err
		}
		tgt, err := target.NewOS(cfg.Storage.Root)
		if err != nil {
			return err
		}

		m := metrics.New()
		broker := progress.NewBroker(cfg.Stream.Buffer, m)
		registries := source.NewFactory(source.Options{
			Timeout: cfg.Source.Timeout,
			Retries: cfg.Source.Retries,
			Metrics: m,
			Logger:  log,
		})
		conns := connections.NewService(st, vault, registries, cfg.Source.TestTimeout, log)
		engine := migration.NewEngine(st, conns, tgt, broker, m, log)
		engine.SetTransferRetries(cfg.Source.Retries, 0)

		if err := engine.Recover(ctx); err != nil {
			return fmt.Errorf("recovering jobs: %w", err)
		}
		conns.Seed(ctx, cfg.Connections)

		srv := &http.Server{
			Addr: cfg.Listen,
			Handler: api.NewRouter(&api.Server{
				Connections: conns,
				Engine:      engine,
				Reports:     migration.NewReportBuilder(st),
				Broker:      broker,
				Tickets:     tickets,
				Metrics:     m,
				Log:         log,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info("workbench listening",
				zap.String("version", version),
				zap.String("addr", cfg.Listen),
				zap.String("registry", cfg.Storage.Root),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("http shutdown", zap.Error(err))
			}
			return engine.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
