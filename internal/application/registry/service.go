package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/escrow-hub/escrow-hub/internal/domain/delivery"
	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/metrics"
	"github.com/escrow-hub/escrow-hub/internal/ledger"
)

const (
	// DefaultCacheTTL bounds read staleness. Commands never trust the
	// cache; it only serves views.
	DefaultCacheTTL = 30 * time.Second
	// DefaultBatchSize caps concurrent ledger reads per batch.
	DefaultBatchSize = 10
)

// Config tunes the read path.
type Config struct {
	CacheTTL  time.Duration
	BatchSize int
}

type cacheEntry struct {
	info      pga.Info
	fetchedAt time.Time
}

// Service is the agreement read model: a read-through TTL cache in front of
// the ledger's view functions. It implements pga.Repository.
type Service struct {
	client  ledger.Client
	metrics *metrics.EscrowMetrics
	log     zerolog.Logger
	ttl     time.Duration
	batch   int

	mu       sync.RWMutex
	cache    map[string]cacheEntry
	decimals *uint8
}

var _ pga.Repository = (*Service)(nil)

// NewService creates the agreement registry.
func NewService(client ledger.Client, m *metrics.EscrowMetrics, cfg Config, logger zerolog.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Service{
		client:  client,
		metrics: m,
		log:     logger.With().Str("service", "registry").Logger(),
		ttl:     cfg.CacheTTL,
		batch:   cfg.BatchSize,
		cache:   map[string]cacheEntry{},
	}
}

func (s *Service) read(ctx context.Context, fn string, args []string, out interface{}) error {
	raw, err := s.client.Read(ctx, fn, args)
	if err != nil {
		s.metrics.RecordLedgerRead(fn, "error")
		return err
	}
	s.metrics.RecordLedgerRead(fn, "ok")
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (s *Service) cached(pgaID string) (*pga.Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[pgaID]
	if !ok || time.Since(entry.fetchedAt) >= s.ttl {
		return nil, false
	}
	cp := entry.info
	return &cp, true
}

func (s *Service) store(info *pga.Info) {
	s.mu.Lock()
	s.cache[info.PGAID] = cacheEntry{info: *info, fetchedAt: time.Now()}
	s.mu.Unlock()
}

// GetPGA returns one agreement. skipCache forces a fresh ledger read;
// command guard checks always set it.
func (s *Service) GetPGA(ctx context.Context, pgaID string, skipCache bool) (*pga.Info, error) {
	if skipCache {
		s.metrics.RecordCacheLookup("bypass")
	} else if info, ok := s.cached(pgaID); ok {
		s.metrics.RecordCacheLookup("hit")
		return info, nil
	} else {
		s.metrics.RecordCacheLookup("miss")
	}

	var info pga.Info
	if err := s.read(ctx, "getPGA", []string{pgaID}, &info); err != nil {
		return nil, err
	}
	s.store(&info)
	cp := info
	return &cp, nil
}

// GetAllPGAsByBuyer returns every agreement where the address is the buyer,
// in creation order.
func (s *Service) GetAllPGAsByBuyer(ctx context.Context, buyer string) ([]*pga.Info, error) {
	return s.listByParty(ctx, "getPGAIDsByBuyer", buyer)
}

// GetAllPGAsBySeller returns every agreement where the address is the
// seller, in creation order.
func (s *Service) GetAllPGAsBySeller(ctx context.Context, seller string) ([]*pga.Info, error) {
	return s.listByParty(ctx, "getPGAIDsBySeller", seller)
}

func (s *Service) listByParty(ctx context.Context, fn, addr string) ([]*pga.Info, error) {
	var ids []string
	if err := s.read(ctx, fn, []string{addr}, &ids); err != nil {
		return nil, err
	}
	return s.fetchAll(ctx, ids)
}

// fetchAll loads agreements in fixed-size batches. Reads within a batch run
// concurrently; batches run sequentially so a long list cannot flood the
// ledger. The result preserves input order and is complete: any failed read
// fails the whole fetch.
func (s *Service) fetchAll(ctx context.Context, ids []string) ([]*pga.Info, error) {
	results := make([]*pga.Info, len(ids))
	for start := 0; start < len(ids); start += s.batch {
		end := start + s.batch
		if end > len(ids) {
			end = len(ids)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				info, err := s.GetPGA(gctx, ids[i], false)
				if err != nil {
					return fmt.Errorf("fetch agreement %s: %w", ids[i], err)
				}
				results[i] = info
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		s.log.Debug().Int("fetched", end).Int("total", len(ids)).Msg("agreement batch loaded")
	}
	return results, nil
}

// GetPoolStats returns display-only pool aggregates. A failed read degrades
// to the zero value instead of failing the caller's view.
func (s *Service) GetPoolStats(ctx context.Context) (pga.PoolStats, error) {
	var stats pga.PoolStats
	if err := s.read(ctx, "getPoolStats", nil, &stats); err != nil {
		s.log.Warn().Err(err).Msg("pool stats read failed, serving zero values")
		return pga.PoolStats{}, nil
	}
	return stats, nil
}

// ClearCache drops every cached agreement. Callers switching ledger
// networks use this to avoid serving stale cross-network reads.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cache = map[string]cacheEntry{}
	s.decimals = nil
	s.mu.Unlock()
	s.log.Debug().Msg("agreement cache cleared")
}

// InvalidatePGACache drops one agreement from the cache. Called after every
// successful command so the next read observes the transition.
func (s *Service) InvalidatePGACache(pgaID string) {
	s.mu.Lock()
	delete(s.cache, pgaID)
	s.mu.Unlock()
}

// TokenDecimals returns the escrow token's display precision, cached for
// the process lifetime once read.
func (s *Service) TokenDecimals(ctx context.Context) (uint8, error) {
	s.mu.RLock()
	cached := s.decimals
	s.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}
	var decimals uint8
	if err := s.read(ctx, "getTokenDecimals", nil, &decimals); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.decimals = &decimals
	s.mu.Unlock()
	return decimals, nil
}

// GetVote returns an actor's recorded vote, or nil when none exists.
func (s *Service) GetVote(ctx context.Context, pgaID, voter string) (*pga.Vote, error) {
	var vote *pga.Vote
	if err := s.read(ctx, "getVote", []string{pgaID, voter}, &vote); err != nil {
		return nil, err
	}
	return vote, nil
}

// GetVotingPower returns the stake-derived voting power of an address.
func (s *Service) GetVotingPower(ctx context.Context, addr string) (uint64, error) {
	var power uint64
	if err := s.read(ctx, "getVotingPower", []string{addr}, &power); err != nil {
		return 0, err
	}
	return power, nil
}

// GetBalance returns an address's token balance.
func (s *Service) GetBalance(ctx context.Context, addr string) (uint64, error) {
	var balance uint64
	if err := s.read(ctx, "getBalance", []string{addr}, &balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// GetAllowance returns the escrow allowance an address has granted.
func (s *Service) GetAllowance(ctx context.Context, addr string) (uint64, error) {
	var allowance uint64
	if err := s.read(ctx, "getAllowance", []string{addr}, &allowance); err != nil {
		return 0, err
	}
	return allowance, nil
}

// GetDeliveryAgreementByPGA returns the delivery agreement attached to an
// escrow agreement.
func (s *Service) GetDeliveryAgreementByPGA(ctx context.Context, pgaID string) (*delivery.Agreement, error) {
	var agreement delivery.Agreement
	if err := s.read(ctx, "getDeliveryByPGA", []string{pgaID}, &agreement); err != nil {
		return nil, err
	}
	return &agreement, nil
}

// GetLogisticsPartners lists authorized logistics partners.
func (s *Service) GetLogisticsPartners(ctx context.Context) ([]pga.Partner, error) {
	var partners []pga.Partner
	if err := s.read(ctx, "getLogisticsPartners", nil, &partners); err != nil {
		return nil, err
	}
	return partners, nil
}

// GetDeliveryPersons lists registered delivery persons.
func (s *Service) GetDeliveryPersons(ctx context.Context) ([]string, error) {
	var persons []string
	if err := s.read(ctx, "getDeliveryPersons", nil, &persons); err != nil {
		return nil, err
	}
	return persons, nil
}
