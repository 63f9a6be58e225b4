package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// pq code for "database does not exist"
const invalidCatalogName = "3D000"

// PoolOptions sizes the connection pool
type PoolOptions struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
	PingTimeout time.Duration
}

// DefaultPoolOptions fits a single API instance
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxOpen:     25,
		MaxIdle:     5,
		MaxLifetime: 5 * time.Minute,
		MaxIdleTime: 10 * time.Minute,
		PingTimeout: 5 * time.Second,
	}
}

// target is where a DSN points, safe to log
type target struct {
	host     string
	port     string
	name     string
	redacted string
}

func parseTarget(databaseURL string) (target, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return target{}, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	t := target{
		host:     u.Hostname(),
		port:     u.Port(),
		name:     extractDBName(u),
		redacted: redactDSN(databaseURL),
	}
	if t.host == "" {
		t.host = "localhost"
	}
	if t.port == "" {
		t.port = "5432"
	}
	return t, nil
}

func (t target) fields() []zap.Field {
	return []zap.Field{
		zap.String("host", t.host),
		zap.String("port", t.port),
		zap.String("db", t.name),
		zap.String("dsn", t.redacted),
	}
}

// redactDSN returns a copy of the DSN with password replaced by **** for logging.
func redactDSN(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "(invalid DATABASE_URL)"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

// extractDBName returns the database name from URL path ("/stepup" -> "stepup").
func extractDBName(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
}

func isDatabaseDoesNotExist(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == invalidCatalogName
	}
	return false
}

// Open connects to PostgreSQL with DefaultPoolOptions.
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*sql.DB, error) {
	return OpenWithOptions(ctx, databaseURL, DefaultPoolOptions(), logger)
}

// OpenWithOptions connects to PostgreSQL, sizes the pool and pings the server.
func OpenWithOptions(ctx context.Context, databaseURL string, opts PoolOptions, logger *zap.Logger) (*sql.DB, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t, err := parseTarget(databaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("db connect target", t.fields()...)

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpen)
	db.SetMaxIdleConns(opts.MaxIdle)
	db.SetConnMaxLifetime(opts.MaxLifetime)
	db.SetConnMaxIdleTime(opts.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if isDatabaseDoesNotExist(err) {
			return nil, fmt.Errorf("database %q not found on host=%s port=%s: %w", t.name, t.host, t.port, err)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Debug("db connected", zap.String("db", t.name))
	return db, nil
}
