package storage

import (
	"context"
	"time"
)

// SeedExchange is one in-flight device-to-device seed handover, keyed by
// (user_id, requester_public_key). EncryptedSeed is set once a validated
// device responds; the server cannot read it.
type SeedExchange struct {
	ExpiresAt          time.Time `json:"expires_at"`     // ExpiresAt TTL eviction deadline
	UserID             string    `json:"user_id"`        // UserID owner of the seed
	RequesterPublicKey string    `json:"requester_public_key"` // RequesterPublicKey the new device's ECDH public key
	EncryptedSeed      []byte    `json:"encrypted_seed,omitempty"` // EncryptedSeed seed encrypted to the requester
}

// SeedExchangeStorage defines the interface to the seed exchange table.
// Rows are evicted automatically once ExpiresAt passes.
type SeedExchangeStorage interface {
	// CreateExchange inserts the exchange only if no row exists at
	// (UserID, RequesterPublicKey). Returns ErrSeedExchangeExists if one does.
	CreateExchange(ctx context.Context, exchange *SeedExchange) error

	// GetExchange retrieves a non-expired exchange row.
	// Returns ErrSeedExchangeNotFound if none exists.
	GetExchange(ctx context.Context, userID, requesterPublicKey string) (*SeedExchange, error)

	// SetEncryptedSeed stores the encrypted seed on an existing exchange row.
	// Returns ErrSeedExchangeNotFound if the row is missing or expired.
	SetEncryptedSeed(ctx context.Context, userID, requesterPublicKey string, encryptedSeed []byte) error

	// DeleteExchange removes the exchange row. Deleting a missing row is not
	// an error.
	DeleteExchange(ctx context.Context, userID, requesterPublicKey string) error
}
