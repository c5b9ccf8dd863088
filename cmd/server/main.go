package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/plantid-api/internal/config"
	"github.com/Brownie44l1/plantid-api/internal/dataset"
	"github.com/Brownie44l1/plantid-api/internal/feedback"
	"github.com/Brownie44l1/plantid-api/internal/handlers"
	"github.com/Brownie44l1/plantid-api/internal/identify"
	"github.com/Brownie44l1/plantid-api/internal/logging"
	"github.com/Brownie44l1/plantid-api/internal/metrics"
	"github.com/Brownie44l1/plantid-api/internal/model"
	"github.com/Brownie44l1/plantid-api/internal/predict"
	"github.com/Brownie44l1/plantid-api/internal/retrain"
	"github.com/Brownie44l1/plantid-api/internal/session"
	"github.com/Brownie44l1/plantid-api/internal/species"
	"github.com/Brownie44l1/plantid-api/internal/storage/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := sqlite.Open(cfg.Storage.DBPath, cfg.Storage.HistoryMax)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	meta, err := model.LoadMetadata(cfg.Model.MetadataPath)
	if err != nil {
		return fmt.Errorf("load model metadata: %w", err)
	}

	// A model that fails to load leaves the service up in degraded mode:
	// sessions answer 503 until the process is restarted with a working model.
	var classifier predict.Classifier
	classes := meta.Classes
	clf, err := model.NewClassifier(cfg.Model.Path, cfg.Model.MetadataPath, cfg.Model.SharedLibraryPath, logger)
	if err != nil {
		logger.Error("classifier unavailable", zap.String("model", cfg.Model.Path), zap.Error(err))
	} else {
		defer clf.Close()
		classifier = clf
		classes = clf.Classes()
	}

	catalog, err := species.NewCatalog(classes)
	if err != nil {
		return err
	}

	ds, err := dataset.NewStore(cfg.Storage.DatasetDir, store, logger)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}

	registry := session.NewRegistry(session.RegistryConfig{
		Expiry:      cfg.Sessions.Expiry,
		Capacity:    cfg.Sessions.Capacity,
		MaxAttempts: cfg.Sessions.MaxAttempts,
	}, store, logger, m)

	svc := identify.NewService(
		predict.NewEngine(classifier, catalog, logger, m),
		model.NewPreprocessor(meta),
		registry,
		feedback.NewRecorder(store, ds, cfg.Retrain.Criteria, logger, m),
		store.SpeciesLookup(logger),
		logger,
	)

	scheduler, err := retrain.NewScheduler(cfg.Retrain.Schedule, ds, cfg.Retrain.Criteria, logger, m)
	if err != nil {
		return err
	}

	h := handlers.NewHandler(svc, store, scheduler, handlers.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		DefaultTopK:    cfg.Engine.DefaultTopK,
		AllowedOrigin:  cfg.Server.AllowedOrigin,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           h.Routes(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.Int("species", catalog.Len()),
			zap.Int("max_attempts", cfg.Sessions.MaxAttempts),
			zap.String("retrain_schedule", cfg.Retrain.Schedule))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		if _, err := scheduler.RunNow(gctx); err != nil {
			logger.Warn("initial retrain assessment failed", zap.Error(err))
		}
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		registry.Close(shutdownCtx)
		return err
	})

	return g.Wait()
}
