package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/journeymesh/journeymesh/internal/config"
	"github.com/journeymesh/journeymesh/internal/customers"
	"github.com/journeymesh/journeymesh/internal/enrollment"
	"github.com/journeymesh/journeymesh/internal/events"
	"github.com/journeymesh/journeymesh/internal/importer"
	"github.com/journeymesh/journeymesh/internal/journeys"
	"github.com/journeymesh/journeymesh/internal/logging"
	"github.com/journeymesh/journeymesh/internal/queue"
	natsqueue "github.com/journeymesh/journeymesh/internal/queue/nats"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	logger := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("running database migrations")
	if err := runMigrations(cfg); err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisOpts.MaxRetries = cfg.Redis.MaxRetries
	redisOpts.PoolSize = cfg.Redis.PoolSize
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	osCfg := opensearch.Config{
		Addresses: []string{cfg.Documents.URL},
		Username:  cfg.Documents.Username,
		Password:  cfg.Documents.Password,
	}
	if cfg.Documents.Insecure {
		osCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	osClient, err := opensearch.NewClient(osCfg)
	if err != nil {
		return fmt.Errorf("connect to opensearch: %w", err)
	}

	customerStore := customers.NewOpenSearchStore(osClient, cfg.Documents.CustomersIndex)
	if err := customerStore.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("ensure customers index: %w", err)
	}
	eventStore := events.NewOpenSearchStore(osClient, cfg.Documents.EventsIndex)

	natsClient, err := natsqueue.NewClient(natsqueue.Config{
		URL:           cfg.Queue.URL,
		Name:          cfg.Queue.Name,
		MaxReconnects: cfg.Queue.MaxReconnects,
		ReconnectWait: cfg.Queue.ReconnectWait,
		Timeout:       cfg.Queue.Timeout,
		Username:      cfg.Queue.Username,
		Password:      cfg.Queue.Password,
	})
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer natsClient.Close()

	if err := natsClient.EnsureStreams(ctx); err != nil {
		return fmt.Errorf("ensure queue streams: %w", err)
	}

	repo := journeys.NewPostgresRepository(pool)
	cache := journeys.NewCache(redisClient, repo, cfg.Cache.JourneyTTL, logger)
	limits := customers.NewLimitChecker(customerStore, cfg.Workspaces.MaxCustomers)

	reconciler := importer.NewReconciler(customerStore, limits, repo, cfg.Import, logger)
	importHandler := importer.NewHandler(importer.DirOpener{Dir: cfg.Import.SourceDir}, reconciler, logger)
	preprocessor := events.NewPreprocessor(customerStore, eventStore, cache, repo, natsClient, logger)
	audience := enrollment.NewOpenSearchAudienceCounter(osClient, cfg.Documents.CustomersIndex)
	enroller := enrollment.NewProcessor(audience, repo, cache, natsClient, logger)

	consumers := []struct {
		queue   queue.Queue
		handler queue.Handler
	}{
		{queue.Imports, importHandler.Handle},
		{queue.EventsPre, preprocessor.Handle},
		{queue.Enrollment, enroller.Handle},
	}
	var stops []func()
	for _, c := range consumers {
		stop, err := natsClient.Consume(ctx, c.queue, c.handler)
		if err != nil {
			return fmt.Errorf("consume %s: %w", c.queue, err)
		}
		stops = append(stops, stop)
		logger.Info("consumer started", "queue", string(c.queue))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if !natsClient.IsConnected() {
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("pipeline listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	for _, stop := range stops {
		stop()
	}
	if err := natsClient.Drain(); err != nil {
		logger.Warn("queue drain failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	logger.Info("pipeline stopped")
	return nil
}
