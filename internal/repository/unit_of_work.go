package repository

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/feeddelta/internal/domain"
)

// TxManager begins run transactions on a pool.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager creates a TxManager.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// Begin starts a transaction and wraps it as a UnitOfWork.
func (m *TxManager) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", domain.ErrStoreFailure, err)
	}
	return newTxUnit(tx), nil
}

// txUnit binds repositories to one pgx.Tx. Nested units are savepoints.
type txUnit struct {
	tx        pgx.Tx
	snapshots *SnapshotRepository
	deltas    *DeltaRepository
}

func newTxUnit(tx pgx.Tx) *txUnit {
	return &txUnit{
		tx:        tx,
		snapshots: NewSnapshotRepository(tx),
		deltas:    NewDeltaRepository(tx),
	}
}

func (u *txUnit) Snapshots() SnapshotStore { return u.snapshots }

func (u *txUnit) Deltas() DeltaStore { return u.deltas }

// CopyFrom streams r through COPY ... FROM STDIN on the transaction's connection.
func (u *txUnit) CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error) {
	tag, err := u.tx.Conn().PgConn().CopyFrom(ctx, r, sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (u *txUnit) Savepoint(ctx context.Context) (UnitOfWork, error) {
	sp, err := u.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create savepoint: %w", domain.ErrStoreFailure, err)
	}
	return newTxUnit(sp), nil
}

func (u *txUnit) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", domain.ErrStoreFailure, err)
	}
	return nil
}

func (u *txUnit) Rollback(ctx context.Context) error {
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w: rollback: %w", domain.ErrStoreFailure, err)
	}
	return nil
}
