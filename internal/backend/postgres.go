package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresClient struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewPostgres opens a pgx pool against dsn. The schema's functions and tables
// are expected to exist already; nothing is migrated here.
func NewPostgres(ctx context.Context, dsn string, opts ...Option) (Client, error) {
	cfg := newConfig(opts...)
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	if err := validateIdentifier("schema", cfg.Schema); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresClient{pool: pool, cfg: cfg}, nil
}

// Call runs a stored procedure. A nil dest on a scalar call discards the
// result, which is how functions returning void must be invoked.
func (c *postgresClient) Call(ctx context.Context, call Call, dest any) error {
	op := "rpc " + call.Function
	if dest == nil && !call.Set {
		invocation, args, err := buildInvocation(c.cfg.Schema, call)
		if err != nil {
			return err
		}
		return c.run(ctx, op, func(q querier) error {
			_, err := q.Exec(ctx, "SELECT "+invocation, args...)
			return err
		})
	}
	query, args, err := buildCallSQL(c.cfg.Schema, call)
	if err != nil {
		return err
	}
	raw, err := c.queryJSON(ctx, op, query, args)
	if err != nil {
		return err
	}
	if call.Set && len(raw) == 0 {
		raw = []byte("[]")
	}
	return decodeResult(raw, dest)
}

func (c *postgresClient) Select(ctx context.Context, q Query, dest any) error {
	query, args, err := buildSelectSQL(c.cfg.Schema, q)
	if err != nil {
		return err
	}
	raw, err := c.queryJSON(ctx, "select "+q.Table, query, args)
	if err != nil {
		return err
	}
	return decodeRows(raw, q, dest)
}

func (c *postgresClient) queryJSON(ctx context.Context, op, query string, args []any) ([]byte, error) {
	var raw []byte
	err := c.run(ctx, op, func(q querier) error {
		return q.QueryRow(ctx, query, args...).Scan(&raw)
	})
	return raw, err
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// run executes fn under the call timeout. With a caller on ctx, fn runs in a
// transaction whose request.jwt.claims identify that caller.
func (c *postgresClient) run(ctx context.Context, op string, fn func(querier) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	caller, ok := CallerFromContext(ctx)
	if !ok {
		if err := fn(c.pool); err != nil {
			return translatePostgresError(op, err)
		}
		return nil
	}

	claims, err := caller.claimsJSON()
	if err != nil {
		return fmt.Errorf("encode caller claims: %w", err)
	}
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return translatePostgresError(op, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, callerClaimsSQL, claims, caller.ProfileID); err != nil {
		return translatePostgresError(op, err)
	}
	if err := fn(tx); err != nil {
		return translatePostgresError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translatePostgresError(op, err)
	}
	return nil
}

const callerClaimsSQL = `SELECT set_config('request.jwt.claims', $1, true), set_config('request.jwt.claim.sub', $2, true)`

func (c *postgresClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	if err := c.pool.Ping(ctx); err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	return nil
}

func (c *postgresClient) Close(ctx context.Context) error {
	if c == nil || c.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func translatePostgresError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
			Hint:    pgErr.Hint,
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

func buildInvocation(schema string, call Call) (string, []any, error) {
	if err := call.validate(); err != nil {
		return "", nil, err
	}
	names := call.sortedParamNames()
	named := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for i, name := range names {
		named = append(named, fmt.Sprintf("%s => $%d", pgx.Identifier{name}.Sanitize(), i+1))
		args = append(args, call.Params[name])
	}
	return fmt.Sprintf("%s(%s)", pgx.Identifier{schema, call.Function}.Sanitize(), strings.Join(named, ", ")), args, nil
}

func buildCallSQL(schema string, call Call) (string, []any, error) {
	invocation, args, err := buildInvocation(schema, call)
	if err != nil {
		return "", nil, err
	}
	if call.Set {
		return "SELECT coalesce(jsonb_agg(to_jsonb(r)), '[]'::jsonb) FROM " + invocation + " AS r", args, nil
	}
	return "SELECT to_jsonb(" + invocation + ")", args, nil
}

func buildSelectSQL(schema string, q Query) (string, []any, error) {
	if err := q.validate(); err != nil {
		return "", nil, err
	}

	columns := "*"
	if len(q.Columns) > 0 {
		quoted := make([]string, 0, len(q.Columns))
		for _, column := range q.Columns {
			quoted = append(quoted, pgx.Identifier{column}.Sanitize())
		}
		columns = strings.Join(quoted, ", ")
	}

	var (
		where []string
		args  []any
	)
	for _, filter := range q.Filters {
		column := pgx.Identifier{filter.Column}.Sanitize()
		switch filter.Op {
		case OpIs:
			switch value := filter.Value.(type) {
			case nil:
				where = append(where, column+" IS NULL")
			case bool:
				if value {
					where = append(where, column+" IS TRUE")
				} else {
					where = append(where, column+" IS FALSE")
				}
			}
		case OpIn:
			args = append(args, filter.Value)
			where = append(where, fmt.Sprintf("%s::text = ANY($%d::text[])", column, len(args)))
		default:
			args = append(args, filter.Value)
			where = append(where, fmt.Sprintf("%s %s $%d", column, sqlOperators[filter.Op], len(args)))
		}
	}

	var inner strings.Builder
	fmt.Fprintf(&inner, "SELECT %s FROM %s", columns, pgx.Identifier{schema, q.Table}.Sanitize())
	if len(where) > 0 {
		inner.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	orderBy := orderClause(q.Order, "")
	if orderBy != "" {
		inner.WriteString(" ORDER BY " + orderBy)
	}
	if limit := q.effectiveLimit(); limit > 0 {
		fmt.Fprintf(&inner, " LIMIT %d", limit)
	}

	aggregate := "jsonb_agg(to_jsonb(t))"
	if outer := orderClause(q.Order, "t."); outer != "" && q.selectsOrderColumns() {
		aggregate = "jsonb_agg(to_jsonb(t) ORDER BY " + outer + ")"
	}
	return fmt.Sprintf("SELECT coalesce(%s, '[]'::jsonb) FROM (%s) AS t", aggregate, inner.String()), args, nil
}

var sqlOperators = map[FilterOp]string{
	OpEq:  "=",
	OpNeq: "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

func orderClause(orders []Order, prefix string) string {
	if len(orders) == 0 {
		return ""
	}
	parts := make([]string, 0, len(orders))
	for _, order := range orders {
		direction := "ASC"
		if order.Descending {
			direction = "DESC"
		}
		parts = append(parts, prefix+pgx.Identifier{order.Column}.Sanitize()+" "+direction)
	}
	return strings.Join(parts, ", ")
}
