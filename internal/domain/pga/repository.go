package pga

import "context"

// Repository is the read-side view of agreements backed by the ledger.
// Implementations cache decoded records; the ledger stays authoritative.
type Repository interface {
	// GetPGA returns the agreement, serving a cached copy younger than the
	// TTL unless skipCache forces a ledger read.
	GetPGA(ctx context.Context, pgaID string, skipCache bool) (*Info, error)
	GetAllPGAsByBuyer(ctx context.Context, buyer string) ([]*Info, error)
	GetAllPGAsBySeller(ctx context.Context, seller string) ([]*Info, error)
	// GetPoolStats degrades to the zero value on read errors.
	GetPoolStats(ctx context.Context) (PoolStats, error)
	ClearCache()
	InvalidatePGACache(pgaID string)
}
