// Package replay implements the single-use payment-proof window. Within the
// configured TTL a transaction hash is admitted at most once, even when
// concurrent handlers race on the same hash.
package replay

import "context"

// Store is the replay-protection interface consumed by the verifier.
// InsertIfAbsent must be atomic: of two concurrent calls with the same key,
// exactly one observes true.
type Store interface {
	// InsertIfAbsent records key with the store's TTL. Returns true if the
	// key was absent (the caller wins the admission), false if it was
	// already present within the window.
	InsertIfAbsent(ctx context.Context, key string) (bool, error)

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}
