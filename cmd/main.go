package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chain-ingest/blockchain"
	"chain-ingest/config"
	"chain-ingest/db"
	"chain-ingest/handlers"
	"chain-ingest/intercom"
	"chain-ingest/logger"
	"chain-ingest/models"
	"chain-ingest/process"
	"chain-ingest/repository"
	"chain-ingest/routers"
)

func main() {
	var configFile string
	rootCmd := &cobra.Command{
		Use:          "chain-ingest",
		Short:        "Block ingestion node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	rootCmd.Flags().StringVar(&configFile, "config", config.DefaultConfigFile, "path to the config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, err := logger.New(cfg.Log.AppLogFile, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting block ingestion node...")

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(cfg.LevelDB.Path)
	if err != nil {
		log.Error("Failed to open leveldb", zap.Error(err))
		return err
	}
	defer ldb.Close()

	// Open the chain index
	chain, err := blockchain.NewBlockchain(
		repository.NewBlockRepository(ldb),
		models.NewGenesisBlock(cfg.Chain.GenesisEpoch),
		blockchain.Options{
			RefCacheSize: cfg.Chain.RefCacheSize,
			Validator:    blockchain.ChainRules{MaxContentSize: cfg.Chain.MaxContentSize},
			Logger:       log.Named("blockchain"),
		},
	)
	if err != nil {
		log.Error("Failed to open chain index", zap.Error(err))
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := process.PrometheusMetrics(cfg.Metrics.Namespace)
	registry.MustRegister(metrics.Collectors()...)

	outbox := intercom.NewMessageBox(cfg.Network.OutboxCapacity)
	processor := process.New(chain, outbox, log.Named("process"), metrics)

	// Setup router
	r := mux.NewRouter()
	h := handlers.NewHandler(chain, processor, log.Named("http"))
	routers.RegisterRoutes(r, h, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server running on port", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		runNetworkTask(outbox, log.Named("network"))
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutdown signal received, exiting...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		outbox.Close()
		return err
	})
	return g.Wait()
}

// runNetworkTask drains the outbox until it is closed. Peer transport is not
// part of this node, so requests are only logged.
func runNetworkTask(outbox *intercom.MessageBox, log *zap.Logger) {
	for msg := range outbox.Messages() {
		log.Info("Network request", zap.String("kind", msg.Kind()), zap.Any("msg", msg))
	}
}
