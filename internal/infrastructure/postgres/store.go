package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/creditx/platform-core/internal/resilience"
)

// ErrInvalidTenantID rejects tenant ids that cannot form a schema name.
var ErrInvalidTenantID = errors.New("invalid tenant id")

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// Config holds store settings.
type Config struct {
	DSN                 string
	MinConns            int32
	MaxConns            int32
	BreakerFailMax      int
	BreakerResetTimeout time.Duration
}

// Health reports store status for readiness probes.
type Health struct {
	Status       string        `json:"status"`
	Latency      time.Duration `json:"latency"`
	BreakerState string        `json:"breakerState"`
	PoolTotal    int32         `json:"poolTotal"`
	PoolIdle     int32         `json:"poolIdle"`
	Metrics      Snapshot      `json:"metrics"`
	Error        string        `json:"error,omitempty"`
}

// Store is a tenant-aware postgres client. Every query runs through a shared
// circuit breaker; a tenant id scopes the connection's search_path to the
// tenant schema for the duration of the call.
type Store struct {
	cfg     Config
	pool    *pgxpool.Pool
	breaker *resilience.Breaker
	metrics *Metrics
	logger  zerolog.Logger
}

// New creates an unconnected store.
func New(cfg Config, logger zerolog.Logger) *Store {
	if cfg.MinConns <= 0 {
		cfg.MinConns = 5
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 20
	}
	if cfg.BreakerFailMax <= 0 {
		cfg.BreakerFailMax = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 60 * time.Second
	}
	return &Store{
		cfg:     cfg,
		breaker: resilience.NewBreaker("postgres", cfg.BreakerFailMax, cfg.BreakerResetTimeout),
		metrics: &Metrics{},
		logger:  logger.With().Str("service", "postgres").Logger(),
	}
}

// Connect establishes the connection pool and verifies reachability.
func (s *Store) Connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MinConns = s.cfg.MinConns
	poolCfg.MaxConns = s.cfg.MaxConns
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "platform-core"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	err = resilience.Retry(ctx, resilience.DefaultRetryPolicy(), func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("ping: %w", err)
	}
	s.pool = pool
	s.logger.Info().Int32("max_conns", s.cfg.MaxConns).Msg("connected to postgres")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func schemaFor(tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	return "tenant_" + tenantID, nil
}

// acquire checks out a connection and pins its search_path. An empty tenant
// id resets the path to public so pooled connections never leak a schema.
func (s *Store) acquire(ctx context.Context, tenantID string) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	path := "public"
	if tenantID != "" {
		schema, err := schemaFor(tenantID)
		if err != nil {
			conn.Release()
			return nil, err
		}
		path = schema + ", public"
	}
	if _, err := conn.Exec(ctx, "SET search_path TO "+path); err != nil {
		conn.Release()
		return nil, fmt.Errorf("set search_path: %w", err)
	}
	return conn, nil
}

func (s *Store) do(ctx context.Context, tenantID string, fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	start := time.Now()
	err := s.guard(ctx, func(ctx context.Context) error {
		conn, err := s.acquire(ctx, tenantID)
		if err != nil {
			return err
		}
		defer conn.Release()
		return fn(ctx, conn)
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.metrics.recordError()
		if errors.Is(err, resilience.ErrCircuitOpen) {
			s.logger.Error().Msg("postgres circuit breaker open")
		}
		return err
	}
	s.metrics.recordQuery(time.Since(start))
	return err
}

// guard routes a call through the shared breaker. A no-rows result is a
// healthy round trip, not a backend failure; it is surfaced to the caller
// without feeding the breaker.
func (s *Store) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	var noRows bool
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				noRows = true
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if noRows {
		return pgx.ErrNoRows
	}
	return nil
}

// Exec runs a statement scoped to the tenant schema.
func (s *Store) Exec(ctx context.Context, tenantID, sql string, args ...interface{}) (int64, error) {
	var affected int64
	err := s.do(ctx, tenantID, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// Query runs a query and hands the rows to collect before the connection is
// released.
func (s *Store) Query(ctx context.Context, tenantID, sql string, args []interface{}, collect func(rows pgx.Rows) error) error {
	return s.do(ctx, tenantID, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := collect(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

// QueryRow runs a single-row query and scans into dest.
func (s *Store) QueryRow(ctx context.Context, tenantID, sql string, args []interface{}, dest ...interface{}) error {
	return s.do(ctx, tenantID, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, sql, args...).Scan(dest...)
	})
}

// WithTx runs fn inside a transaction scoped to the tenant schema. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return s.do(ctx, tenantID, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		return tx.Commit(ctx)
	})
}

// CreateTenantSchema provisions an isolated schema for a new tenant.
func (s *Store) CreateTenantSchema(ctx context.Context, tenantID string) error {
	schema, err := schemaFor(tenantID)
	if err != nil {
		return err
	}
	err = s.do(ctx, "", func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema)
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("schema", schema).Msg("created tenant schema")
	return nil
}

// HealthCheck probes the store and reports pool and breaker state.
func (s *Store) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	var one int
	err := s.QueryRow(ctx, "", "SELECT 1", nil, &one)
	if err != nil {
		return Health{
			Status:       "unhealthy",
			BreakerState: string(s.breaker.State()),
			Metrics:      s.metrics.Snapshot(),
			Error:        err.Error(),
		}
	}
	stat := s.pool.Stat()
	return Health{
		Status:       "healthy",
		Latency:      time.Since(start),
		BreakerState: string(s.breaker.State()),
		PoolTotal:    stat.TotalConns(),
		PoolIdle:     stat.IdleConns(),
		Metrics:      s.metrics.Snapshot(),
	}
}

// Metrics returns the store's query counters.
func (s *Store) Metrics() Snapshot {
	return s.metrics.Snapshot()
}

// BreakerState exposes the breaker for health surfaces.
func (s *Store) BreakerState() resilience.BreakerState {
	return s.breaker.State()
}
