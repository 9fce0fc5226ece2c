// Package postgres implements the transaction executor over PostgreSQL via
// pgx. SQL is built with squirrel; uniqueness violations surface as
// ConflictError so the planner's conflict handling works identically to the
// in-memory executor.
package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/ccoveille/go-safecast/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relquery/relquery/internal/logging"
	"github.com/relquery/relquery/pkg/storage"
)

const (
	errUnableToInstantiate = "unable to instantiate postgres executor: %w"
	errUnableToMutate      = "unable to apply mutation: %w"
	errUnableToQuery       = "unable to query rows: %w"

	pgUniqueConstraintViolation = "23505"
	pgSerializationFailure      = "40001"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Executor runs transactions against a pgx connection pool.
type Executor struct {
	pool *pgxpool.Pool
}

// NewExecutor connects a pool for the given URL.
func NewExecutor(ctx context.Context, url string) (*Executor, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf(errUnableToInstantiate, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf(errUnableToInstantiate, err)
	}
	return &Executor{pool: pool}, nil
}

// NewExecutorWithPool wraps an existing pool; the caller keeps ownership.
func NewExecutorWithPool(pool *pgxpool.Pool) *Executor {
	return &Executor{pool: pool}
}

// Close releases the pool.
func (e *Executor) Close() {
	e.pool.Close()
}

// Begin opens a database transaction.
func (e *Executor) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf(errUnableToInstantiate, err)
	}
	return &transaction{tx: tx}, nil
}

// RunTx runs fn inside a transaction, committing on success and retrying
// with exponential backoff when the database reports a serialization
// failure. Other failures roll back and return immediately.
func (e *Executor) RunTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	attempt := func() error {
		tx, err := e.Begin(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(tx); err != nil {
			if rerr := tx.Rollback(ctx); rerr != nil {
				logging.Warn().Err(rerr).Msg("transaction rollback failed")
			}
			if isSerializationFailure(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	return backoff.Retry(attempt, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}

func isSerializationFailure(err error) bool {
	var pgerr *pgconn.PgError
	return errors.As(err, &pgerr) && pgerr.Code == pgSerializationFailure
}

type transaction struct {
	tx pgx.Tx
}

func (t *transaction) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *transaction) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func (t *transaction) Execute(ctx context.Context, m storage.Mutation) (storage.Result, error) {
	res, err := t.execute(ctx, m)
	if err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == pgUniqueConstraintViolation {
			return storage.Result{}, storage.NewConflictError(m.Table, err)
		}
		return storage.Result{}, fmt.Errorf(errUnableToMutate, err)
	}
	return res, nil
}

func (t *transaction) execute(ctx context.Context, m storage.Mutation) (storage.Result, error) {
	switch m.Kind {
	case storage.MutationInsert:
		return t.insert(ctx, m)

	case storage.MutationUpdate:
		query := psql.Update(m.Table).SetMap(toSetMap(m.Values)).Where(sq.Eq(m.Key))
		sql, args, err := query.ToSql()
		if err != nil {
			return storage.Result{}, err
		}
		tag, err := t.tx.Exec(ctx, sql, args...)
		if err != nil {
			return storage.Result{}, err
		}
		return storage.Result{Affected: tag.RowsAffected()}, nil

	case storage.MutationDelete:
		sql, args, err := psql.Delete(m.Table).Where(sq.Eq(m.Key)).ToSql()
		if err != nil {
			return storage.Result{}, err
		}
		tag, err := t.tx.Exec(ctx, sql, args...)
		if err != nil {
			return storage.Result{}, err
		}
		return storage.Result{Affected: tag.RowsAffected()}, nil

	default:
		return storage.Result{}, fmt.Errorf("unknown mutation kind %d", m.Kind)
	}
}

// insert returns the stored row, so database-generated identity and default
// values flow back into the plan's environment.
func (t *transaction) insert(ctx context.Context, m storage.Mutation) (storage.Result, error) {
	query := psql.Insert(m.Table).SetMap(toSetMap(m.Values)).Suffix("RETURNING *")
	sql, args, err := query.ToSql()
	if err != nil {
		return storage.Result{}, err
	}
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return storage.Result{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return storage.Result{}, err
		}
		return storage.Result{}, fmt.Errorf("insert into %q returned no row", m.Table)
	}
	row, err := scanRow(rows)
	if err != nil {
		return storage.Result{}, err
	}
	return storage.Result{Inserted: row, Affected: 1}, rows.Err()
}

func (t *transaction) Query(ctx context.Context, q storage.Query) ([]storage.Row, error) {
	query := psql.Select("*").From(q.Table)
	if q.Where != nil {
		pred, err := compileFilter(q.Where)
		if err != nil {
			return nil, fmt.Errorf(errUnableToQuery, err)
		}
		query = query.Where(pred)
	}
	for _, term := range q.OrderBy {
		direction := " ASC"
		if term.Desc {
			direction = " DESC"
		}
		query = query.OrderBy(term.Field + direction)
	}
	if q.Limit != nil {
		limit, err := safecast.Convert[uint64](*q.Limit)
		if err != nil {
			return nil, fmt.Errorf(errUnableToQuery, err)
		}
		query = query.Limit(limit)
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf(errUnableToQuery, err)
	}
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf(errUnableToQuery, err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf(errUnableToQuery, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf(errUnableToQuery, err)
	}
	return out, nil
}

func scanRow(rows pgx.Rows) (storage.Row, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	fields := rows.FieldDescriptions()
	row := make(storage.Row, len(fields))
	for i, fd := range fields {
		row[fd.Name] = values[i]
	}
	return row, nil
}

func toSetMap(values storage.Row) map[string]any {
	m := make(map[string]any, len(values))
	for k, v := range values {
		m[k] = v
	}
	return m
}
