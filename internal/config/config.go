package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ridehail/internal/lifecycle"
	"github.com/example/ridehail/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr        string
	RedisPassword    string
	RedisGeoKey      string
	RedisFeedChannel string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool
	MigrationFile string

	DefaultSpeedMps float64
	MatcherTopN     int

	JWTSecret string
	JWTTTL    time.Duration

	OSRMURL      string
	NominatimURL string
	PushEndpoint string
	PushKey      string

	StripeAPIKey     string
	SubscriptionFee  int64 // smallest currency unit
	SubscriptionDays int
	Currency         string

	AWSRegion     string
	S3Bucket      string
	UploadDir     string
	PublicBaseURL string

	Lifecycle lifecycle.Config

	LogLevel string
}

// ConsumerConfig is the subset used by the location consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroupID  string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MaxRetries    int
	RetryBackoff  time.Duration
	LogLevel      string
}

func defaultServerConfig() ServerConfig {
	lc := lifecycle.DefaultConfig()
	lc.CommissionRate = 0.1
	lc.CommissionLimit = 5000
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		RedisFeedChannel: "ridehail:changes",
		KafkaTopic:       "driver-locations",
		MigrationFile:    "migrations/001_init.sql",
		DefaultSpeedMps:  10,
		MatcherTopN:      8,
		JWTTTL:           72 * time.Hour,
		SubscriptionFee:  300000,
		SubscriptionDays: 30,
		Currency:         "dzd",
		UploadDir:        "uploads",
		PublicBaseURL:    "http://localhost:8080",
		Lifecycle:        lc,
		LogLevel:         "info",
	}
}

// LoadDotEnv loads .env (or the given files) into the environment. A missing file is not
// an error; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	present := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisFeedChannel, "REDIS_FEED_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationFile, "MIGRATION_FILE")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.JWTTTL, "JWT_TTL", &errs)

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setStringFromEnv(&cfg.NominatimURL, "NOMINATIM_URL")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setInt64FromEnv(&cfg.SubscriptionFee, "SUBSCRIPTION_FEE", &errs)
	setIntFromEnv(&cfg.SubscriptionDays, "SUBSCRIPTION_DAYS", &errs)
	setStringFromEnv(&cfg.Currency, "PAYMENT_CURRENCY")

	setStringFromEnv(&cfg.AWSRegion, "AWS_REGION")
	setStringFromEnv(&cfg.S3Bucket, "AWS_S3_BUCKET")
	setStringFromEnv(&cfg.UploadDir, "UPLOAD_DIR")
	setStringFromEnv(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")

	lc := &cfg.Lifecycle
	setDurationFromEnv(&lc.PollInterval, "POLL_INTERVAL", &errs)
	setDurationFromEnv(&lc.OfferTTL, "OFFER_TTL", &errs)
	setDurationFromEnv(&lc.SearchTimeout, "SEARCH_TIMEOUT", &errs)
	setFloatFromEnv(&lc.DiscoveryRadiusKm, "DISCOVERY_RADIUS_KM", &errs)
	setFloatFromEnv(&lc.PickupGeofenceKm, "PICKUP_GEOFENCE_KM", &errs)
	setFloatFromEnv(&lc.DefaultCenter.Lat, "DEFAULT_LAT", &errs)
	setFloatFromEnv(&lc.DefaultCenter.Lon, "DEFAULT_LON", &errs)
	setFloatFromEnv(&lc.CommissionRate, "COMMISSION_RATE", &errs)
	setFloatFromEnv(&lc.CommissionLimit, "COMMISSION_LIMIT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.SubscriptionDays <= 0 {
		errs = append(errs, fmt.Errorf("SUBSCRIPTION_DAYS must be > 0"))
	}
	if lc.CommissionRate < 0 || lc.CommissionRate >= 1 {
		errs = append(errs, fmt.Errorf("COMMISSION_RATE must be in [0,1)"))
	}
	if lc.PollInterval <= 0 || lc.OfferTTL <= 0 || lc.SearchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL, OFFER_TTL and SEARCH_TIMEOUT must be > 0"))
	}
	if !validCoord(lc.DefaultCenter) {
		errs = append(errs, fmt.Errorf("DEFAULT_LAT/DEFAULT_LON out of range"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaTopic:   "driver-locations",
		KafkaGroupID: "geo-updater",
		RedisGeoKey:  "drivers_geo",
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.MaxRetries, "CONSUMER_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("REDIS_ADDR is required"))
	}
	return cfg, errors.Join(errs...)
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
