package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	appPort            = "PORT"
	appBaseURL         = "BASE_URL"
	appGrpcEndpoint    = "GRPC_ENDPOINT"
	appStoreDriver     = "STORE_DRIVER"
	appDBAddress       = "DB_ADDRESS"
	appSQLitePath      = "SQLITE_PATH"
	appDefaultValidity = "DEFAULT_VALIDITY"
	appJanitorSchedule = "JANITOR_SCHEDULE"
	appJanitorGrace    = "JANITOR_GRACE"
	appLogFile         = "LOG_FILE"
	appLogQueueSize    = "LOG_QUEUE_SIZE"
)

const (
	redisAddr      = "REDIS_ADDRESS"
	redisPoolSize  = "REDIS_POOL_SIZE"
	redisUrlTTL    = "REDIS_URL_TTL"
	redisUrlPrefix = "REDIS_URL_PREFIX"
)

const (
	rateLimiterKeyPrefix    = "RATE_LIMIT_KEY_PREFIX"
	rateLimiterCapacity     = "RATE_LIMIT_CAPACITY"
	rateLimiterRefillRate   = "RATE_LIMIT_REFILL_RATE"
	rateLimiterRefillPeriod = "RATE_LIMIT_REFILL_PERIOD"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type AppSettings struct {
	Port            int
	BaseURL         string
	GrpcEndpoint    string
	StoreDriver     string
	DBAddress       string
	SQLitePath      string
	DefaultValidity time.Duration
	JanitorSchedule string
	JanitorGrace    time.Duration
	LogFile         string
	LogQueueSize    int
}

// HttpEndpoint is the listen address derived from Port.
func (a AppSettings) HttpEndpoint() string {
	return fmt.Sprintf(":%d", a.Port)
}

type Redis struct {
	Addr      string
	UrlPrefix string
	PoolSize  int
	UrlTTL    time.Duration
}

type RateLimiter struct {
	KeyPrefix    string        // Redis key prefix
	Capacity     int           // Maximum tokens in bucket
	RefillRate   int           // Tokens added per period
	RefillPeriod time.Duration // How often to refill tokens
}

var (
	mu       sync.RWMutex
	defaults = map[string]string{}
)

// SetDefault registers the value used when key is absent from the environment.
func SetDefault(key, value string) {
	mu.Lock()
	defer mu.Unlock()
	defaults[key] = value
}

func SetDefaults() {
	SetDefault(appPort, "3000")
	SetDefault(appGrpcEndpoint, "")
	SetDefault(appStoreDriver, DriverMemory)
	SetDefault(appDBAddress, "postgres://ndev:@localhost:5432/shorturls?sslmode=disable")
	SetDefault(appSQLitePath, "shorturls.db")
	SetDefault(appDefaultValidity, "30m")
	SetDefault(appJanitorSchedule, "@every 1m")
	SetDefault(appJanitorGrace, "0s")
	SetDefault(appLogQueueSize, "1024")

	// An empty address disables the redirect cache and the rate limiter.
	SetDefault(redisAddr, "")
	SetDefault(redisPoolSize, "10")
	SetDefault(redisUrlTTL, "1h")
	SetDefault(redisUrlPrefix, "url")

	SetDefault(rateLimiterKeyPrefix, "ratelimit:") // global rate limiter key
	SetDefault(rateLimiterCapacity, "10")          // 10 token burst
	SetDefault(rateLimiterRefillRate, "40")        // 40 tokens per period
	SetDefault(rateLimiterRefillPeriod, "1s")      // Every second
}

// Load reads the given dotenv files (".env" when none is given) into the
// process environment. Variables already set are left untouched and missing
// files are ignored.
func Load(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, f := range filenames {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: failed to load %s: %w", f, err)
		}
	}
	return nil
}

func GetSettings() (
	AppSettings,
	Redis,
	RateLimiter,
) {
	app := AppSettings{
		Port:            GetInt(appPort),
		BaseURL:         GetString(appBaseURL),
		GrpcEndpoint:    GetString(appGrpcEndpoint),
		StoreDriver:     GetString(appStoreDriver),
		DBAddress:       GetString(appDBAddress),
		SQLitePath:      GetString(appSQLitePath),
		DefaultValidity: GetDuration(appDefaultValidity),
		JanitorSchedule: GetString(appJanitorSchedule),
		JanitorGrace:    GetDuration(appJanitorGrace),
		LogFile:         GetString(appLogFile),
		LogQueueSize:    GetInt(appLogQueueSize),
	}
	if app.BaseURL == "" {
		app.BaseURL = fmt.Sprintf("http://localhost:%d", app.Port)
	}

	return app,
		Redis{
			Addr:      GetString(redisAddr),
			PoolSize:  GetInt(redisPoolSize),
			UrlTTL:    GetDuration(redisUrlTTL),
			UrlPrefix: GetString(redisUrlPrefix),
		},
		RateLimiter{
			KeyPrefix:    GetString(rateLimiterKeyPrefix),
			Capacity:     GetInt(rateLimiterCapacity),
			RefillRate:   GetInt(rateLimiterRefillRate),
			RefillPeriod: GetDuration(rateLimiterRefillPeriod),
		}
}

func GetString(key string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	mu.RLock()
	defer mu.RUnlock()
	return defaults[key]
}

// GetInt falls back to the registered default when the value is not an integer.
func GetInt(key string) int {
	if n, err := strconv.Atoi(GetString(key)); err == nil {
		return n
	}
	mu.RLock()
	defer mu.RUnlock()
	n, _ := strconv.Atoi(defaults[key])
	return n
}

// GetDuration falls back to the registered default when the value is not a
// valid time.Duration.
func GetDuration(key string) time.Duration {
	if d, err := time.ParseDuration(GetString(key)); err == nil {
		return d
	}
	mu.RLock()
	defer mu.RUnlock()
	d, _ := time.ParseDuration(defaults[key])
	return d
}
