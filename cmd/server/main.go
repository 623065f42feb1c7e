package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridehail/internal/auth"
	"github.com/example/ridehail/internal/config"
	"github.com/example/ridehail/internal/filestore"
	"github.com/example/ridehail/internal/geo"
	httpapi "github.com/example/ridehail/internal/http"
	"github.com/example/ridehail/internal/ingest"
	"github.com/example/ridehail/internal/lifecycle"
	"github.com/example/ridehail/internal/logging"
	"github.com/example/ridehail/internal/maps"
	"github.com/example/ridehail/internal/matcher"
	"github.com/example/ridehail/internal/notify"
	"github.com/example/ridehail/internal/payments"
	"github.com/example/ridehail/internal/realtime"
	"github.com/example/ridehail/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	base, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer base.Close()

	hub := realtime.NewHub(64, logging.Component(logger, "feed"))
	store := storage.NewPublished(base, hub)

	var index geo.Geo
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.Lifecycle.DiscoveryRadiusKm)
		bridge := realtime.NewRedisBridge(rc, cfg.RedisFeedChannel, hub, logging.Component(logger, "feed-bridge"))
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Error("feed bridge stopped", "error", err)
			}
		}()
	} else {
		index = geo.NewIndex(cfg.Lifecycle.DiscoveryRadiusKm)
	}

	// Fixes go to Kafka for the geo consumer; the in-memory index is fed directly.
	var locations ingest.Fanout
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		locations = append(locations, kp)
	}
	if rc == nil || len(cfg.KafkaBrokers) == 0 {
		locations = append(locations, geo.Sink{Index: index})
	}

	var router maps.Router
	m := &matcher.Service{Geo: index, DefaultSpeedMps: cfg.DefaultSpeedMps, TopN: cfg.MatcherTopN}
	if cfg.OSRMURL != "" {
		osrm := maps.NewOSRMClient(cfg.OSRMURL)
		router = osrm
		m.ETAClient = osrm
		m.ETACache = maps.NewCache[float64](30 * time.Second)
	}
	var geocoder maps.Geocoder
	if cfg.NominatimURL != "" {
		geocoder = maps.NewNominatimClient(cfg.NominatimURL)
	}

	ws := notify.NewWSRegistry()
	dispatcher := &notify.Dispatcher{WS: ws, Logger: logging.Component(logger, "notify")}
	if cfg.PushEndpoint != "" {
		dispatcher.Push = notify.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey)
	}

	sessions := lifecycle.NewSessions(lifecycle.Deps{
		Store:     store,
		Feed:      hub,
		Notifier:  dispatcher,
		Router:    router,
		Locations: locations,
		Logger:    logging.Component(logger, "lifecycle"),
		Config:    cfg.Lifecycle,
	})

	var files filestore.Store
	uploadDir := ""
	if cfg.S3Bucket != "" {
		s3, err := filestore.NewS3Store(cfg.AWSRegion, cfg.S3Bucket)
		if err != nil {
			return err
		}
		files = s3
	} else {
		local, err := filestore.NewLocalStore(cfg.UploadDir, cfg.PublicBaseURL)
		if err != nil {
			return err
		}
		files = local
		uploadDir = local.Dir()
	}

	var subs *payments.Subscriptions
	if cfg.StripeAPIKey != "" {
		subs = &payments.Subscriptions{
			Charger:  payments.NewStripeClient(cfg.StripeAPIKey),
			Users:    store,
			Fee:      cfg.SubscriptionFee,
			Currency: cfg.Currency,
			Period:   time.Duration(cfg.SubscriptionDays) * 24 * time.Hour,
			Logger:   logging.Component(logger, "payments"),
		}
	}

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL)
	api := httpapi.NewServer(httpapi.Options{
		Store:         store,
		Sessions:      sessions,
		Auth:          &auth.Service{Users: store, Tokens: tokens},
		Tokens:        tokens,
		Matcher:       m,
		Geocoder:      geocoder,
		Router:        router,
		Files:         files,
		UploadDir:     uploadDir,
		Subscriptions: subs,
		WS:            ws,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ridehail listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sessions.CloseAll(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		script, err := os.ReadFile(cfg.MigrationFile)
		if err != nil {
			pg.Close()
			return nil, err
		}
		if err := pg.Migrate(ctx, string(script)); err != nil {
			pg.Close()
			return nil, err
		}
		logger.Info("migration applied", "file", cfg.MigrationFile)
	}
	return pg, nil
}
