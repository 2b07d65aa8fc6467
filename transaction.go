package tunepipe

import (
	"context"
)

// TransactionManager is used by SQL-backed repositories to group multi-row writes,
// e.g. all verdicts of one gate evaluation.
type TransactionManager interface {
	BeginTx(ctx context.Context) (tx interface{}, err BatchError)
	Commit(tx interface{}) BatchError
	Rollback(tx interface{}) BatchError
}
