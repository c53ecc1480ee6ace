package storage

import "errors"

// Common storage errors
var (
	// ErrConditionFailed indicates that a conditional put found an item
	// already occupying the primary key
	ErrConditionFailed = errors.New("condition failed: item already exists")

	// ErrBundleNotFound indicates that no bundle blob exists for the
	// requested database and sequence number
	ErrBundleNotFound = errors.New("bundle not found")

	// ErrSeedExchangeExists indicates that a seed exchange for this
	// user and requester public key is already in flight
	ErrSeedExchangeExists = errors.New("seed exchange already exists")

	// ErrSeedExchangeNotFound indicates that no seed exchange row exists
	// for the requested user and requester public key
	ErrSeedExchangeNotFound = errors.New("seed exchange not found")
)
