package storage

import (
	"context"

	"github.com/densync/densync/internal/models"
)

// TransactionLogStorage defines the interface to the ordered transaction log
// table keyed by (database_id, seq_no)
type TransactionLogStorage interface {
	// RangeQuery returns up to limit transactions of the database with
	// seq_no > afterSeqNo, in ascending seq_no order. Callers paginate by
	// passing the last returned seq_no as the next afterSeqNo; a result
	// shorter than limit means the range is exhausted.
	RangeQuery(ctx context.Context, databaseID string, afterSeqNo int64, limit int) ([]*models.Transaction, error)

	// ConditionalPut inserts tx only if no record exists at
	// (tx.DatabaseID, tx.SeqNo). Returns ErrConditionFailed if the slot
	// is already occupied.
	ConditionalPut(ctx context.Context, tx *models.Transaction) error
}
