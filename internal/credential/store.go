// Package credential correlates an in-flight SMART authorization with the
// PKCE state and code verifier issued for it.
package credential

import (
	"context"
	"errors"
)

// Slot names for the two correlated values
const (
	SlotState    = "smart_state"
	SlotVerifier = "smart_code_verifier"
)

// ErrStoreUnavailable indicates the backing store cannot be reached
var ErrStoreUnavailable = errors.New("credential store unavailable")

// Store defines the interface for secret storage backends
type Store interface {
	// Save stores a value under key, replacing any previous value
	Save(ctx context.Context, key, value string) error

	// Load returns the value for key and whether it was present
	Load(ctx context.Context, key string) (string, bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CheckHealth verifies the store is operational
	CheckHealth(ctx context.Context) error
}
