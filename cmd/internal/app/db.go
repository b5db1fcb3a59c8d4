package app

import (
	"context"
	"time"

	"courier/cmd/internal/delivery"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// openPostgresStore prepares the durable log on pool. Schema creation is opt-in;
// production schemas are managed out of band.
func openPostgresStore(ctx context.Context, cfg Config, pool *pgxpool.Pool, log Logger) (*delivery.PostgresStore, error) {
	st, err := delivery.NewPostgresStore(pool, delivery.WithSchema(cfg.DBSchema))
	if err != nil {
		return nil, err
	}

	if cfg.DBEnsureSchema {
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		log.Info("db.schema.ensured", "schema", cfg.DBSchema)
	}

	if cfg.DBReconcileOnRun {
		n, err := st.Reconcile(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			log.Warn("db.reconcile.repaired", "chats", n)
		}
	}
	return st, nil
}
