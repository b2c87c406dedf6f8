package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/kart-purchases/internal/domain/purchase"
)

var (
	_ purchase.Store  = (*Store)(nil)
	_ purchase.Reader = (*Store)(nil)
)

// Store implements purchase.Store and purchase.Reader backed by PostgreSQL.
//
// Write transactions run at READ COMMITTED and rely on SELECT ... FOR UPDATE
// for row locks. Reads use a read-only REPEATABLE READ snapshot.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewStore returns a Store that uses pool. A positive lockTimeout bounds how
// long a transaction waits for a row lock before failing with a retryable
// error.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// InTx implements purchase.Store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx purchase.Tx) error) (rerr error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin", err)
	}

	done := false
	defer func() {
		if done {
			return
		}
		// Also reached on panic; the panic keeps propagating after rollback.
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			zctx.From(ctx).Error("Rollback purchase transaction", zap.Error(err), zap.NamedError("cause", rerr))
		}
	}()

	if s.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return classify("set lock timeout", err)
		}
	}

	if err := fn(ctx, &txScope{tx: tx}); err != nil {
		return err
	}

	done = true
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// Postgres error codes treated as transient.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
)

// classify wraps a database failure into *purchase.TxError. Lock contention,
// timeouts, deadlocks and serialization failures are retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &purchase.TxError{Op: op, Retryable: isTransient(err), Err: err}
}

func isTransient(err error) bool {
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled:
		return true
	default:
		return false
	}
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
