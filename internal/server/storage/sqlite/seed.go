package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/densync/densync/internal/server/storage"
)

// CreateExchange inserts the exchange only if no row exists at
// (user_id, requester_public_key). Expired rows are swept first so that a
// stale exchange does not block a new request with the same key.
func (s *Storage) CreateExchange(ctx context.Context, exchange *storage.SeedExchange) error {
	if err := s.sweepExpiredExchanges(ctx); err != nil {
		return err
	}

	query := `
		INSERT INTO seed_exchanges (user_id, requester_public_key, encrypted_seed, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, requester_public_key) DO NOTHING
	`

	result, err := s.writer.ExecContext(ctx, query,
		exchange.UserID,
		exchange.RequesterPublicKey,
		exchange.EncryptedSeed,
		exchange.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert seed exchange: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return storage.ErrSeedExchangeExists
	}

	return nil
}

// GetExchange retrieves a non-expired exchange row.
// Returns storage.ErrSeedExchangeNotFound if none exists.
func (s *Storage) GetExchange(ctx context.Context, userID, requesterPublicKey string) (*storage.SeedExchange, error) {
	query := `
		SELECT user_id, requester_public_key, encrypted_seed, expires_at
		FROM seed_exchanges
		WHERE user_id = ? AND requester_public_key = ? AND expires_at > ?
	`

	exchange := &storage.SeedExchange{}
	var expiresAt int64

	err := s.reader.QueryRowContext(ctx, query, userID, requesterPublicKey, time.Now().Unix()).Scan(
		&exchange.UserID,
		&exchange.RequesterPublicKey,
		&exchange.EncryptedSeed,
		&expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSeedExchangeNotFound
		}
		return nil, fmt.Errorf("failed to get seed exchange: %w", err)
	}

	exchange.ExpiresAt = time.Unix(expiresAt, 0)

	return exchange, nil
}

// SetEncryptedSeed stores the encrypted seed on an existing exchange row
func (s *Storage) SetEncryptedSeed(ctx context.Context, userID, requesterPublicKey string, encryptedSeed []byte) error {
	query := `
		UPDATE seed_exchanges
		SET encrypted_seed = ?
		WHERE user_id = ? AND requester_public_key = ? AND expires_at > ?
	`

	result, err := s.writer.ExecContext(ctx, query, encryptedSeed, userID, requesterPublicKey, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update seed exchange: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return storage.ErrSeedExchangeNotFound
	}

	return nil
}

// DeleteExchange removes the exchange row. Deleting a missing row is not an error.
func (s *Storage) DeleteExchange(ctx context.Context, userID, requesterPublicKey string) error {
	query := `DELETE FROM seed_exchanges WHERE user_id = ? AND requester_public_key = ?`

	if _, err := s.writer.ExecContext(ctx, query, userID, requesterPublicKey); err != nil {
		return fmt.Errorf("failed to delete seed exchange: %w", err)
	}

	return nil
}

// sweepExpiredExchanges evicts rows past their TTL
func (s *Storage) sweepExpiredExchanges(ctx context.Context) error {
	query := `DELETE FROM seed_exchanges WHERE expires_at <= ?`

	if _, err := s.writer.ExecContext(ctx, query, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to sweep expired seed exchanges: %w", err)
	}

	return nil
}
