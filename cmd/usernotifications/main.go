package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/example/user-notifications/internal/api"
	"github.com/example/user-notifications/internal/common"
	"github.com/example/user-notifications/internal/dispatch"
	"github.com/example/user-notifications/internal/notifications"
	"github.com/example/user-notifications/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("usernotifications")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName, cfg.LogLevel)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort)
	defer metricsSrv.Shutdown(context.Background())

	var (
		templates   notifications.TemplateStore
		preferences notifications.PreferenceStore
		notifStore  notifications.NotificationStore
	)
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		mem := store.NewMemory()
		templates, preferences, notifStore = mem, mem, mem
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres")
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ensure schema")
		}
		templates, preferences, notifStore = pg, pg, pg
	}

	writerFactory, closeWriters := dispatch.NewWriterCache(cfg.KafkaBrokers)
	defer closeWriters()
	handoff := &dispatch.KafkaHandoff{
		WriterFactory: writerFactory,
		Logger:        logger,
		Topics: map[notifications.ChannelKind]string{
			notifications.ChannelEmail:   cfg.EmailTopic,
			notifications.ChannelSms:     cfg.SmsTopic,
			notifications.ChannelWebPush: cfg.WebPushTopic,
		},
	}

	engine := notifications.NewEngine(templates, preferences, notifStore, handoff, logger)
	processor := notifications.NewProcessor(notifStore, logger)
	handler := api.NewHandler(engine, processor, templates, preferences, notifStore, logger)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: handler.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.HTTPPort).Msg("usernotifications service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(ctxShutdown)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("service stopped")
	}
}
