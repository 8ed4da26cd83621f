// README: Config loader with env defaults for HTTP, stores, Firebase and tracking settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreFirestore = "firestore"
	StoreMemory    = "memory"
)

type TrackingConfig struct {
	// Interval between presence samples while an agent is tracking.
	Interval time.Duration
	// SampleTimeout bounds every position request.
	SampleTimeout time.Duration
	// FixMaxAge is how old a cached fix may be for periodic samples.
	FixMaxAge time.Duration
	// CheckInMaxAge is how old a cached fix may be for check-in/out and verification.
	CheckInMaxAge time.Duration
	// GeofenceRadiusM is the default verification radius in meters.
	GeofenceRadiusM float64
}

type Config struct {
	Dev      bool
	LogLevel string
	HTTP     struct {
		Addr string
	}
	DB struct {
		DSN string
	}
	Redis struct {
		Addr string
	}
	Firebase struct {
		ProjectID       string
		CredentialsFile string
	}
	Maps struct {
		APIKey string
	}
	// Store selects the document store backing presence and visits.
	Store    string
	Tracking TrackingConfig
}

var ErrMissingProjectID = errors.New("PROPTRACK_FIREBASE_PROJECT_ID is required when PROPTRACK_STORE=firestore")

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	// A missing .env is the normal case in deployed environments.
	_ = godotenv.Load()

	var cfg Config
	cfg.Dev = envOrDefaultBool("PROPTRACK_DEV", false)
	cfg.LogLevel = envOrDefault("PROPTRACK_LOG_LEVEL", "info")
	cfg.HTTP.Addr = envOrDefault("PROPTRACK_HTTP_ADDR", ":8080")
	cfg.DB.DSN = os.Getenv("PROPTRACK_DB_DSN")
	cfg.Redis.Addr = os.Getenv("PROPTRACK_REDIS_ADDR")
	cfg.Firebase.ProjectID = os.Getenv("PROPTRACK_FIREBASE_PROJECT_ID")
	cfg.Firebase.CredentialsFile = os.Getenv("PROPTRACK_FIREBASE_CREDENTIALS")
	cfg.Maps.APIKey = os.Getenv("PROPTRACK_MAPS_API_KEY")
	cfg.Store = strings.ToLower(envOrDefault("PROPTRACK_STORE", StoreFirestore))

	cfg.Tracking = TrackingConfig{
		Interval:        envOrDefaultDuration("PROPTRACK_TRACK_INTERVAL", 120*time.Second),
		SampleTimeout:   envOrDefaultDuration("PROPTRACK_SAMPLE_TIMEOUT", 15*time.Second),
		FixMaxAge:       envOrDefaultDuration("PROPTRACK_FIX_MAX_AGE", 60*time.Second),
		CheckInMaxAge:   envOrDefaultDuration("PROPTRACK_CHECKIN_MAX_AGE", 30*time.Second),
		GeofenceRadiusM: envOrDefaultFloat("PROPTRACK_GEOFENCE_RADIUS_M", 100),
	}

	if cfg.Store != StoreMemory {
		cfg.Store = StoreFirestore
		if cfg.Firebase.ProjectID == "" {
			return cfg, ErrMissingProjectID
		}
	}
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
