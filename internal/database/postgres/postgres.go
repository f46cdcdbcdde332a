// Package postgres implements the database adapter on pgx. One pool per
// process; the pool is created without connecting and dials on first use,
// so construction order in main stays cheap.
package postgres

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/database"
	"github.com/JunyuZhan/pis-worker/internal/logger"
)

// Config holds connection pool configuration.
type Config struct {
	URL               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

// DefaultConfig returns pool settings sized for a single worker process.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		MaxConns:          25,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    10 * time.Second,
	}
}

// Adapter implements database.Adapter over a pgx connection pool.
type Adapter struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// New builds the pool from cfg. It does not dial; call Ping to verify
// connectivity.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Adapter, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, apperr.Fatal.New("invalid database url: %v", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperr.Fatal.New("create connection pool: %v", err)
	}

	return &Adapter{
		pool: pool,
		log:  log.WithComponent("postgres"),
	}, nil
}

// FindOne implements database.Adapter.
func (a *Adapter) FindOne(ctx context.Context, table string, q database.Query) (database.Row, error) {
	rows, err := a.FindMany(ctx, table, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound.New("%s: no matching row", table)
	}
	return rows[0], nil
}

// FindMany implements database.Adapter.
func (a *Adapter) FindMany(ctx context.Context, table string, q database.Query) ([]database.Row, error) {
	if q.FilterErr != nil {
		return nil, q.FilterErr
	}
	sql, args, err := compileSelect(table, q)
	if err != nil {
		return nil, err
	}
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, normalizeErr(err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// Insert implements database.Adapter.
func (a *Adapter) Insert(ctx context.Context, table string, values database.Row) (database.Row, error) {
	sql, args, err := compileInsert(table, values)
	if err != nil {
		return nil, err
	}
	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, normalizeErr(err)
	}
	defer rows.Close()
	stored, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, apperr.Transient.New("%s: insert returned no row", table)
	}
	return stored[0], nil
}

// Update implements database.Adapter.
func (a *Adapter) Update(ctx context.Context, table string, q database.Query, values database.Row) (int64, error) {
	if q.FilterErr != nil {
		return 0, q.FilterErr
	}
	sql, args, err := compileUpdate(table, q, values)
	if err != nil {
		return 0, err
	}
	tag, err := a.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, normalizeErr(err)
	}
	return tag.RowsAffected(), nil
}

// Delete implements database.Adapter.
func (a *Adapter) Delete(ctx context.Context, table string, q database.Query) (int64, error) {
	if q.FilterErr != nil {
		return 0, q.FilterErr
	}
	sql, args, err := compileDelete(table, q)
	if err != nil {
		return 0, err
	}
	tag, err := a.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, normalizeErr(err)
	}
	return tag.RowsAffected(), nil
}

// Count implements database.Adapter. The WHERE body is compiled by the
// same code path as FindMany.
func (a *Adapter) Count(ctx context.Context, table string, q database.Query) (int64, error) {
	if q.FilterErr != nil {
		return 0, q.FilterErr
	}
	sql, args, err := compileCount(table, q)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := a.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, normalizeErr(err)
	}
	return count, nil
}

// Ping verifies database connectivity.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return normalizeErr(err)
	}
	return nil
}

// Close releases the pool.
func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}

// collectRows drains a pgx result set into loosely-typed rows.
func collectRows(rows pgx.Rows) ([]database.Row, error) {
	fields := rows.FieldDescriptions()
	var out []database.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, normalizeErr(err)
		}
		row := make(database.Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, normalizeErr(err)
	}
	return out, nil
}

// normalizeErr converts pgx failures into apperr classes. Unrecognized
// errors default to Transient; postgres reports its own misuse cases as
// PgError, so anything else is assumed to be connection-level.
func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound.Wrap(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			return apperr.Conflict.Wrap(err)
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code):
			return apperr.Transient.Wrap(err)
		case pgerrcode.IsInvalidAuthorizationSpecification(pgErr.Code):
			return apperr.Fatal.Wrap(err)
		case pgerrcode.IsSyntaxErrororAccessRuleViolation(pgErr.Code):
			return apperr.Fatal.Wrap(err)
		default:
			return apperr.Validation.Wrap(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient.Wrap(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Transient.Wrap(err)
	}
	return apperr.Transient.Wrap(err)
}
