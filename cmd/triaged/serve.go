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

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"triage-queue-backend/config"
	"triage-queue-backend/internal/api"
	"triage-queue-backend/internal/db"
	"triage-queue-backend/internal/events"
	"triage-queue-backend/internal/intake"
	"triage-queue-backend/internal/logging"
	"triage-queue-backend/internal/metrics"
	"triage-queue-backend/internal/model"
	"triage-queue-backend/internal/notification"
	"triage-queue-backend/internal/queue"
	"triage-queue-backend/internal/relay"
	"triage-queue-backend/internal/rescorer"
	"triage-queue-backend/internal/store"
	"triage-queue-backend/internal/stream"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			return nil, fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
		}
	}
	logging.Init("triaged", cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and seed providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gormDB, err := db.Init(&cfg.Database)
			if err != nil {
				return err
			}
			_, err = store.NewGormStore(gormDB).SeedProviders(cmd.Context(), providerSeeds(cfg.Queue.Providers))
			return err
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the observer stream and the background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func providerSeeds(seeds []config.ProviderSeed) []model.Provider {
	providers := make([]model.Provider, len(seeds))
	for i, s := range seeds {
		providers[i] = model.Provider{ProviderID: s.ID, Name: s.Name, Specialty: s.Specialty, Status: s.Status}
	}
	return providers
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	appStore := store.NewGormStore(gormDB)

	if n, err := appStore.SeedProviders(ctx, providerSeeds(cfg.Queue.Providers)); err != nil {
		return fmt.Errorf("failed to seed providers: %w", err)
	} else if n > 0 {
		log.Info().Int("providers", n).Msg("seeded providers")
	}

	m := metrics.New()
	bus := events.NewBus()
	bus.SetHooks(events.Hooks{
		OnPublish: m.EventPublished,
		OnDrop:    m.SubscriberDropped,
	})

	q := queue.NewService(appStore, bus)
	if err := q.Load(ctx); err != nil {
		return err
	}
	m.RegisterQueue(q.Stats)

	gateway := stream.NewGateway(q, bus, stream.Options{
		Buffer:       cfg.Stream.ObserverBuffer,
		Heartbeat:    cfg.Stream.Heartbeat,
		WriteTimeout: cfg.Stream.WriteTimeout,
		OnClose: func(_ stream.Transport, reason string) {
			m.ObserverClosed(reason)
		},
	})
	m.RegisterObservers(func(t string) int {
		return gateway.Count(stream.Transport(t))
	}, string(stream.TransportWS), string(stream.TransportSSE))

	var webpushOptions *webpush.Options
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions)
		pool.SetRecorder(m)
		pool.Start(ctx)
		go pool.Watch(ctx, bus)
	} else {
		log.Warn().Msg("VAPID keys are not configured, push alerts are disabled")
	}

	if cfg.Redis.Enabled {
		client, err := relay.Dial(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		r := relay.New(client, cfg.Redis.Channel)
		r.SetRecorder(m)
		go r.Run(ctx, bus)
	}

	go rescorer.NewService(cfg.Rescorer, q).Run(ctx)

	var intakeSvc api.IntakeSubmitter
	if cfg.Intake.RiskServiceURL != "" {
		var extractor intake.Extractor
		if cfg.Intake.ExtractorURL != "" {
			extractor = intake.NewHTTPExtractor(cfg.Intake.ExtractorURL, cfg.Intake.ExtractTimeout)
		}
		svc := intake.NewService(intake.NewHTTPRiskScorer(cfg.Intake.RiskServiceURL, cfg.Intake.RiskTimeout), extractor, q)
		svc.SetRecorder(m)
		intakeSvc = svc
	} else {
		log.Info().Msg("risk service URL is not configured, intake is disabled")
	}

	router := api.NewRouter(api.Deps{
		Queue:   q,
		Store:   appStore,
		Intake:  intakeSvc,
		Gateway: gateway,
		Metrics: m,
		WebPush: webpushOptions,
		Server:  cfg.Server,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutdown signal received, stopping services")
	case err := <-serverErr:
		return fmt.Errorf("HTTP server: %w", err)
	}

	// Observers are closed first; hijacked websockets are not tracked by server.Shutdown.
	gateway.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	bus.Close()

	log.Info().Msg("server gracefully stopped")
	return nil
}
