// README: Entry point; loads config, wires stores and tracking sessions, serves the HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"

	"proptrack/internal/config"
	httptransport "proptrack/internal/http"
	"proptrack/internal/infra"
	"proptrack/internal/logging"
	"proptrack/internal/maps"
	"proptrack/internal/modules/location"
	"proptrack/internal/modules/presence"
	"proptrack/internal/modules/tracking"
	"proptrack/internal/modules/visit"
)

func main() {
	if err := run(); err != nil {
		slog.Error("proptrack-api exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Dev, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var app *firebase.App
	if cfg.Firebase.ProjectID != "" {
		app, err = infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
	}

	var verifier infra.TokenVerifier
	switch {
	case cfg.Dev:
		logger.Warn("dev mode: bearer tokens are trusted as uid[:role]")
		verifier = infra.DevVerifier{}
	case app != nil:
		verifier, err = infra.NewFirebaseVerifier(ctx, app)
		if err != nil {
			return err
		}
	default:
		return errors.New("PROPTRACK_FIREBASE_PROJECT_ID is required outside dev mode")
	}

	var (
		presenceStore presence.Store
		visitStore    visit.Store
	)
	switch cfg.Store {
	case config.StoreFirestore:
		fs, err := infra.NewFirestore(ctx, app)
		if err != nil {
			return err
		}
		defer func(c *firestore.Client) { _ = c.Close() }(fs)
		presenceStore = presence.NewFirestoreStore(fs, logger)
		visitStore = visit.NewFirestoreStore(fs, logger)
	default:
		logger.Warn("using in-memory stores; state is lost on restart")
		presenceStore = presence.NewMemoryStore()
		visitStore = visit.NewMemoryStore()
	}

	deps := tracking.Deps{Logger: logger}
	var index *presence.GeoIndexedStore
	if cfg.Redis.Addr != "" {
		rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		index = presence.NewGeoIndexedStore(presenceStore, rdb, logger)
		presenceStore = index
		deps.Events = visit.NewRedisEventSink(rdb)
	}

	var history *location.HistoryStore
	if cfg.DB.DSN != "" {
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		history = location.NewHistoryStore(pool)
		if err := history.EnsureSchema(ctx); err != nil {
			return err
		}
		deps.History = history
	}

	var geocoder *maps.GeocodeService
	if cfg.Maps.APIKey != "" {
		geocoder, err = maps.NewGeocodeService(cfg.Maps.APIKey, "")
		if err != nil {
			return err
		}
	}

	fleet := presence.NewAggregator(presenceStore)
	if err := fleet.Run(ctx); err != nil {
		return err
	}

	deps.Presence = presenceStore
	deps.Visits = visitStore
	deps.Aggregator = fleet
	sessions := tracking.NewManager(deps, tracking.Options{
		Interval: cfg.Tracking.Interval,
		TrackSample: location.Options{
			Timeout: cfg.Tracking.SampleTimeout,
			MaxAge:  cfg.Tracking.FixMaxAge,
		},
		ActionSample: location.Options{
			HighAccuracy: true,
			Timeout:      cfg.Tracking.SampleTimeout,
			MaxAge:       cfg.Tracking.CheckInMaxAge,
		},
		GeofenceRadiusM: cfg.Tracking.GeofenceRadiusM,
	})

	routerDeps := httptransport.RouterDeps{
		Sessions: sessions,
		Fleet:    fleet,
		Verifier: verifier,
		Logger:   logger,
	}
	// Typed nils must not reach the handler interfaces.
	if index != nil {
		routerDeps.Index = index
	}
	if geocoder != nil {
		routerDeps.Geocoder = geocoder
	}
	if history != nil {
		routerDeps.Trail = history
	}

	logger.Info("proptrack-api starting",
		"store", cfg.Store,
		"redis", cfg.Redis.Addr != "",
		"history", cfg.DB.DSN != "",
		"geocoding", geocoder != nil,
		"interval", cfg.Tracking.Interval.String(),
	)
	return httptransport.NewServer(cfg.HTTP.Addr, routerDeps).Run(ctx)
}
