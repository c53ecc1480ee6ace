package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/densync/densync/internal/models"
	"github.com/densync/densync/internal/server/storage"
)

// RangeQuery returns up to limit transactions of the database with
// seq_no > afterSeqNo, in ascending seq_no order
func (s *Storage) RangeQuery(
	ctx context.Context,
	databaseID string,
	afterSeqNo int64,
	limit int,
) ([]*models.Transaction, error) {
	query := `
		SELECT database_id, seq_no, command, key, record, operations, created_at
		FROM transactions
		WHERE database_id = ? AND seq_no > ?
		ORDER BY seq_no ASC
		LIMIT ?
	`

	rows, err := s.reader.QueryContext(ctx, query, databaseID, afterSeqNo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]*models.Transaction, 0)

	for rows.Next() {
		tx := &models.Transaction{}
		var createdAt int64

		err := rows.Scan(
			&tx.DatabaseID,
			&tx.SeqNo,
			&tx.Command,
			&tx.Key,
			&tx.Record,
			&tx.Operations,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		tx.CreatedAt = time.UnixMilli(createdAt)
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return transactions, nil
}

// ConditionalPut inserts tx only if no record exists at (database_id, seq_no).
// Returns storage.ErrConditionFailed if the slot is already occupied.
func (s *Storage) ConditionalPut(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			database_id, seq_no, command, key, record, operations, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (database_id, seq_no) DO NOTHING
	`

	result, err := s.writer.ExecContext(ctx, query,
		tx.DatabaseID,
		tx.SeqNo,
		string(tx.Command),
		tx.Key,
		tx.Record,
		tx.Operations,
		tx.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return storage.ErrConditionFailed
	}

	return nil
}
