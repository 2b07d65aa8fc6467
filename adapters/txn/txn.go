package txn

import (
	"context"
	"database/sql"

	"github.com/chararch/tunepipe"
)

// DefaultTxManager default TransactionManager implementation
type DefaultTxManager struct {
	db *sql.DB
}

// NewTransactionManager create a TransactionManager instance
func NewTransactionManager(db *sql.DB) tunepipe.TransactionManager {
	return &DefaultTxManager{
		db: db,
	}
}

// BeginTx begin a transaction bound to ctx
func (tm *DefaultTxManager) BeginTx(ctx context.Context) (interface{}, tunepipe.BatchError) {
	tx, err := tm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "start transaction failed", err)
	}
	return tx, nil
}

// Commit commit a transaction
func (tm *DefaultTxManager) Commit(tx interface{}) tunepipe.BatchError {
	tx1, ok := tx.(*sql.Tx)
	if !ok {
		return tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "not a sql transaction: %T", tx)
	}
	if err := tx1.Commit(); err != nil {
		return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "transaction commit failed", err)
	}
	return nil
}

// Rollback rollback a transaction; rolling back a finished transaction is not an error
func (tm *DefaultTxManager) Rollback(tx interface{}) tunepipe.BatchError {
	tx1, ok := tx.(*sql.Tx)
	if !ok {
		return tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "not a sql transaction: %T", tx)
	}
	if err := tx1.Rollback(); err != nil && err != sql.ErrTxDone {
		return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "transaction rollback failed", err)
	}
	return nil
}
