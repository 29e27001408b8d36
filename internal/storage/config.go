package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/vigil-io/vigil/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// ErrDSNEmpty is returned when the data source is an empty string.
var ErrDSNEmpty = errors.New("data source cannot be empty")

// Driver names accepted by Config.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds database connection configuration with production-ready
// defaults. DSN is either a filesystem path (embedded SQLite, the production
// default) or a postgres:// URL.
type Config struct {
	dsn             string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
}

// NewConfig builds a Config for the given data source, reading pool knobs
// from the environment with fallback to defaults.
func NewConfig(dsn string) *Config {
	return &Config{
		dsn:             dsn,
		MaxOpenConns:    config.GetEnvInt("VIGIL_DB_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("VIGIL_DB_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("VIGIL_DB_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("VIGIL_DB_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.dsn) == "" {
		return ErrDSNEmpty
	}

	return nil
}

// Driver selects the SQL driver from the DSN shape: URLs with a postgres
// scheme use lib/pq, everything else is treated as a SQLite file path.
func (c *Config) Driver() string {
	if strings.HasPrefix(c.dsn, "postgres://") || strings.HasPrefix(c.dsn, "postgresql://") {
		return DriverPostgres
	}

	return DriverSQLite
}

// MaskDSN returns a DSN safe for logging: the password portion of a URL is
// replaced, plain file paths pass through unchanged.
func (c *Config) MaskDSN() string {
	if c.dsn == "" {
		return ""
	}

	schemeEnd := strings.Index(c.dsn, "://")
	if schemeEnd == -1 {
		return c.dsn
	}

	afterScheme := c.dsn[schemeEnd+3:]

	lastAt := strings.LastIndex(afterScheme, "@")
	if lastAt == -1 {
		return c.dsn
	}

	userInfo := afterScheme[:lastAt]

	colon := strings.Index(userInfo, ":")
	if colon == -1 || userInfo[colon+1:] == "" {
		return c.dsn
	}

	return c.dsn[:schemeEnd] + "://" + userInfo[:colon] + ":***" + afterScheme[lastAt:]
}
