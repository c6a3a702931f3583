package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers accepted by TABLESYNC_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMongo    = "mongo"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `env:"TABLESYNC_HTTP_ADDR" envDefault:"0.0.0.0:8080"`

	LogLevel  string `env:"TABLESYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TABLESYNC_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"TABLESYNC_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"TABLESYNC_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"TABLESYNC_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"TABLESYNC_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"TABLESYNC_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"TABLESYNC_SHUTDOWN_TIMEOUT" envDefault:"20s"`

	// Store selects the document store backend: memory, postgres, sqlite or mongo.
	Store string `env:"TABLESYNC_STORE" envDefault:"memory"`

	DatabaseURL string `env:"TABLESYNC_DATABASE_URL"`
	DBSchema    string `env:"TABLESYNC_DB_SCHEMA" envDefault:"tablesync"`
	DBMaxConns  int32  `env:"TABLESYNC_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"TABLESYNC_DB_MIN_CONNS" envDefault:"0"`
	DBMigrate   bool   `env:"TABLESYNC_DB_MIGRATE" envDefault:"true"`

	SQLitePath string `env:"TABLESYNC_SQLITE_PATH" envDefault:"tablesync.db"`

	MongoURI      string `env:"TABLESYNC_MONGO_URI"`
	MongoDatabase string `env:"TABLESYNC_MONGO_DATABASE" envDefault:"tablesync"`

	// ReadinessRequireStore makes /readyz fail while the store does not answer pings.
	ReadinessRequireStore bool `env:"TABLESYNC_READINESS_REQUIRE_STORE" envDefault:"true"`

	FlushDelay        time.Duration `env:"TABLESYNC_FLUSH_DELAY" envDefault:"2s"`
	FlushTimeout      time.Duration `env:"TABLESYNC_FLUSH_TIMEOUT" envDefault:"10s"`
	LoadTimeout       time.Duration `env:"TABLESYNC_LOAD_TIMEOUT" envDefault:"10s"`
	SessionIdle       time.Duration `env:"TABLESYNC_SESSION_IDLE" envDefault:"5m"`
	SweepInterval     time.Duration `env:"TABLESYNC_SWEEP_INTERVAL" envDefault:"30s"`
	Retention         time.Duration `env:"TABLESYNC_RETENTION" envDefault:"2160h"`
	PurgeInterval     time.Duration `env:"TABLESYNC_PURGE_INTERVAL" envDefault:"1h"`
	RequestTimeout    time.Duration `env:"TABLESYNC_REQUEST_TIMEOUT" envDefault:"15s"`
	ExcludeOriginator bool          `env:"TABLESYNC_EXCLUDE_ORIGINATOR" envDefault:"false"`

	JWTSecret      string        `env:"TABLESYNC_JWT_SECRET"`
	JWTIssuer      string        `env:"TABLESYNC_JWT_ISSUER" envDefault:"tablesync"`
	AccessTokenTTL time.Duration `env:"TABLESYNC_ACCESS_TOKEN_TTL" envDefault:"15m"`
	JWTClockSkew   time.Duration `env:"TABLESYNC_JWT_CLOCK_SKEW" envDefault:"30s"`

	WSDevInsecure      bool          `env:"TABLESYNC_WS_DEV_INSECURE" envDefault:"false"`
	WSOriginRequired   bool          `env:"TABLESYNC_WS_ORIGIN_REQUIRED" envDefault:"false"`
	WSAllowedOrigins   []string      `env:"TABLESYNC_WS_ALLOWED_ORIGINS" envSeparator:","`
	WSSendQueueSize    int           `env:"TABLESYNC_WS_SEND_QUEUE" envDefault:"64"`
	WSHeartbeatEvery   time.Duration `env:"TABLESYNC_WS_HEARTBEAT_EVERY" envDefault:"25s"`
	WSHeartbeatTimeout time.Duration `env:"TABLESYNC_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WSRateEvents       int           `env:"TABLESYNC_WS_RATE_EVENTS" envDefault:"120"`
	WSRateWindow       time.Duration `env:"TABLESYNC_WS_RATE_WINDOW" envDefault:"10s"`

	MetricsEnabled bool `env:"TABLESYNC_METRICS_ENABLED" envDefault:"true"`

	CORSAllowedOrigins   []string `env:"TABLESYNC_CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"TABLESYNC_CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"TABLESYNC_CORS_MAX_AGE_SECONDS" envDefault:"600"`
}

// LoadConfig loads an optional .env file (TABLESYNC_ENV_FILE, default ".env"), then parses
// Config from the environment. Variables already set win over the file.
func LoadConfig() (Config, error) {
	path := strings.TrimSpace(os.Getenv("TABLESYNC_ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces cross-field rules that struct tags cannot express.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: TABLESYNC_STORE=postgres requires TABLESYNC_DATABASE_URL")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("config: TABLESYNC_STORE=sqlite requires TABLESYNC_SQLITE_PATH")
		}
	case StoreMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			return errors.New("config: TABLESYNC_STORE=mongo requires TABLESYNC_MONGO_URI")
		}
	default:
		return fmt.Errorf("config: unknown TABLESYNC_STORE %q", c.Store)
	}

	if len(c.JWTSecret) < 32 {
		return errors.New("config: TABLESYNC_JWT_SECRET must be at least 32 bytes")
	}
	if c.FlushDelay <= 0 || c.SessionIdle <= 0 {
		return errors.New("config: flush delay and session idle window must be positive")
	}
	return nil
}
