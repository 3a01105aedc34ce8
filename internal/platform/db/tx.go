package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DBTxKey contextKey = "db_tx"

var ErrNoConnection = errors.New("no database connection in context")

// WithTx begins a transaction on the tenant connection carried by ctx and
// returns a context holding it.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, ErrNoConnection
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// TxFromContext retrieves the transaction started by WithTx.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Begin starts a transaction on the tenant connection when ctx carries
// one, otherwise on the pool.
func Begin(ctx context.Context, pool *pgxpool.Pool) (pgx.Tx, error) {
	if ConnFromContext(ctx) != nil {
		_, tx, err := WithTx(ctx)
		return tx, err
	}
	return pool.Begin(ctx)
}
