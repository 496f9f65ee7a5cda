package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"controlgastos/internal/auth"
	"controlgastos/internal/backend"
	"controlgastos/internal/cache"
	"controlgastos/internal/cli"
	"controlgastos/internal/core"
	"controlgastos/internal/expenses"
	apphttp "controlgastos/internal/http"
	"controlgastos/internal/log"
	"controlgastos/internal/session"
	"controlgastos/internal/viewmodel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cli.LoadEnvFile()

	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		return err
	}
	logger := cli.SetupLogger(cfg.LogLevel, os.Stdout)

	ctx, stop := cli.SignalContext(context.Background(), logger)
	defer stop()

	res, err := cli.InitBackend(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Error("Backend cleanup failed", log.FieldError, err)
		}
	}()

	sessions := session.NewManager(logger)

	storeOpts := []expenses.Option{
		expenses.WithLogger(logger),
		expenses.WithOwnershipCheck(cfg.VerifyOwnership),
	}
	if res.Bus != nil {
		storeOpts = append(storeOpts, expenses.WithNotifier(res.Bus))
	}
	store := expenses.NewStore(res.Backend, sessions, storeOpts...)

	caches := cache.NewManager(logger)
	aggOpts := []expenses.AggregatorOption{
		expenses.WithLocation(cfg.Location()),
		expenses.WithAggregatorLogger(logger),
	}
	if cfg.TotalsCacheTTL > 0 {
		overviews := cache.NewLRUCache[core.MonthOverview](cfg.TotalsCacheMax, cfg.TotalsCacheTTL)
		caches.Register(overviews)
		aggOpts = append(aggOpts, expenses.WithCache(overviews))
	}
	agg := expenses.NewAggregator(res.Backend, sessions, aggOpts...)
	detach := agg.Attach(store)
	defer detach()

	vm := viewmodel.New(store, agg, sessions, viewmodel.WithLogger(logger))

	var ready func(context.Context) error
	if p, ok := res.Backend.(backend.Pinger); ok {
		ready = p.Ping
	}

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		ViewModel:          vm,
		Expenses:           store,
		Overviews:          agg,
		Auth:               auth.NewService(res.Backend, sessions, logger),
		Sessions:           sessions,
		Ready:              ready,
		Logger:             logger,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustedProxies:     cfg.TrustedProxies,
	})
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(vm.Run(gctx))
	})
	g.Go(func() error {
		caches.Run(gctx, time.Minute)
		return nil
	})
	if res.Bus != nil {
		g.Go(func() error {
			return ignoreCanceled(res.Bus.ConsumeChanges(gctx, store))
		})
	}
	g.Go(func() error {
		logger.Info("Starting controlgastos server",
			"port", cfg.Port,
			log.FieldBackend, cfg.DataBackend,
			"change_bus", res.Bus != nil,
			log.FieldOrigin, store.Origin())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err)
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
