package xwebhook

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"

	// DefaultSQLiteDSN is used when no DATABASE_URL is configured.
	DefaultSQLiteDSN = "file:xwebhook?mode=memory&cache=shared&_foreign_keys=on"
)

// PersistenceConfig satisfies the go-persistence-bun client config.
type PersistenceConfig struct {
	Driver      string
	Server      string
	Debug       bool
	PingTimeout time.Duration
}

func (c PersistenceConfig) GetDebug() bool {
	return c.Debug
}

func (c PersistenceConfig) GetDriver() string {
	return c.Driver
}

func (c PersistenceConfig) GetServer() string {
	return c.Server
}

func (c PersistenceConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c PersistenceConfig) GetOtelIdentifier() string {
	return "xwebhook"
}

// ParseDatabaseURL picks the driver from the URL scheme. postgres:// and
// postgresql:// go to lib/pq; sqlite:// and file: go to go-sqlite3.
func ParseDatabaseURL(databaseURL string) (PersistenceConfig, error) {
	raw := strings.TrimSpace(databaseURL)
	lower := strings.ToLower(raw)
	switch {
	case raw == "":
		return PersistenceConfig{Driver: DriverSQLite, Server: DefaultSQLiteDSN}, nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return PersistenceConfig{Driver: DriverPostgres, Server: raw}, nil
	case strings.HasPrefix(lower, "sqlite://"):
		return PersistenceConfig{Driver: DriverSQLite, Server: raw[len("sqlite://"):]}, nil
	case strings.HasPrefix(lower, "file:"):
		return PersistenceConfig{Driver: DriverSQLite, Server: raw}, nil
	default:
		return PersistenceConfig{}, fmt.Errorf("xwebhook: unsupported database url scheme in %q", redactURL(raw))
	}
}

// OpenPersistence opens the database and wraps it in a persistence client.
// Migrations are applied by the caller.
func OpenPersistence(cfg PersistenceConfig) (*persistence.Client, error) {
	sqlDB, err := sql.Open(cfg.Driver, cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("xwebhook: open %s: %w", cfg.Driver, err)
	}

	var client *persistence.Client
	switch cfg.Driver {
	case DriverPostgres:
		client, err = persistence.New(cfg, sqlDB, pgdialect.New())
	case DriverSQLite:
		// A single connection keeps shared in-memory databases alive and
		// serializes writers.
		sqlDB.SetMaxOpenConns(1)
		client, err = persistence.New(cfg, sqlDB, sqlitedialect.New())
	default:
		err = fmt.Errorf("xwebhook: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return client, nil
}

func redactURL(raw string) string {
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		if scheme := strings.Index(raw, "://"); scheme >= 0 && scheme < at {
			return raw[:scheme+3] + "***" + raw[at:]
		}
	}
	return raw
}
