package escrow

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/application/projector"
	"github.com/escrow-hub/escrow-hub/internal/application/registry"
	"github.com/escrow-hub/escrow-hub/internal/application/workflow"
	"github.com/escrow-hub/escrow-hub/internal/domain/delivery"
	"github.com/escrow-hub/escrow-hub/internal/domain/event"
	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
	"github.com/escrow-hub/escrow-hub/internal/ledger"
)

// Service is the escrow facade the transport layer talks to. It pairs every
// successful command with a cache invalidation so the next read observes
// the transition instead of a stale cache entry.
//
// One Service is bound to one ledger network. Switching networks means
// constructing a new instance; ClearCache covers the in-place case.
type Service struct {
	reads    *registry.Service
	commands *workflow.Service
	events   *projector.Service
	log      zerolog.Logger
}

// NewService assembles the escrow facade.
func NewService(reads *registry.Service, commands *workflow.Service, events *projector.Service, logger zerolog.Logger) *Service {
	return &Service{
		reads:    reads,
		commands: commands,
		events:   events,
		log:      logger.With().Str("service", "escrow").Logger(),
	}
}

func (s *Service) invalidating(pgaID string, result *workflow.CommandResult, err error) (*workflow.CommandResult, error) {
	if err != nil {
		return nil, err
	}
	if !result.NoOp {
		s.reads.InvalidatePGACache(pgaID)
	}
	return result, nil
}

// GetPGA returns one agreement, served from cache unless skipCache is set.
func (s *Service) GetPGA(ctx context.Context, pgaID string, skipCache bool) (*pga.Info, error) {
	return s.reads.GetPGA(ctx, pgaID, skipCache)
}

// GetAllPGAsByBuyer lists a buyer's agreements in creation order.
func (s *Service) GetAllPGAsByBuyer(ctx context.Context, buyer string) ([]*pga.Info, error) {
	return s.reads.GetAllPGAsByBuyer(ctx, buyer)
}

// GetAllPGAsBySeller lists a seller's agreements in creation order.
func (s *Service) GetAllPGAsBySeller(ctx context.Context, seller string) ([]*pga.Info, error) {
	return s.reads.GetAllPGAsBySeller(ctx, seller)
}

// GetPoolStats returns display-only pool aggregates.
func (s *Service) GetPoolStats(ctx context.Context) (pga.PoolStats, error) {
	return s.reads.GetPoolStats(ctx)
}

// GetDeliveryAgreement returns the delivery sub-record for an agreement.
func (s *Service) GetDeliveryAgreement(ctx context.Context, pgaID string) (*delivery.Agreement, error) {
	return s.reads.GetDeliveryAgreementByPGA(ctx, pgaID)
}

// GetLogisticsPartners lists authorized logistics partners.
func (s *Service) GetLogisticsPartners(ctx context.Context) ([]pga.Partner, error) {
	return s.reads.GetLogisticsPartners(ctx)
}

// GetDeliveryPersons lists registered couriers.
func (s *Service) GetDeliveryPersons(ctx context.Context) ([]string, error) {
	return s.reads.GetDeliveryPersons(ctx)
}

// GetBalance returns an address's token balance.
func (s *Service) GetBalance(ctx context.Context, addr string) (uint64, error) {
	return s.reads.GetBalance(ctx, addr)
}

// FormatAmount renders a minor-unit amount using the token's decimals.
func (s *Service) FormatAmount(ctx context.Context, amount uint64) (string, error) {
	decimals, err := s.reads.TokenDecimals(ctx)
	if err != nil {
		return "", err
	}
	return pga.FormatAmount(amount, decimals), nil
}

// ClearCache drops all cached reads, for in-place ledger network switches.
func (s *Service) ClearCache() {
	s.reads.ClearCache()
}

// CreatePGA registers a new agreement.
func (s *Service) CreatePGA(ctx context.Context, signer ledger.Signer, params pga.CreateParams) (*workflow.CommandResult, error) {
	result, err := s.commands.CreatePGA(ctx, signer, params)
	return s.invalidating(params.PGAID, result, err)
}

// VoteOnPGA casts a stake-weighted pool vote.
func (s *Service) VoteOnPGA(ctx context.Context, signer ledger.Signer, pgaID string, support bool) (*workflow.CommandResult, error) {
	result, err := s.commands.VoteOnPGA(ctx, signer, pgaID, support)
	return s.invalidating(pgaID, result, err)
}

// SellerVoteOnPGA records the seller's decision.
func (s *Service) SellerVoteOnPGA(ctx context.Context, signer ledger.Signer, pgaID string, approve bool) (*workflow.CommandResult, error) {
	result, err := s.commands.SellerVoteOnPGA(ctx, signer, pgaID, approve)
	return s.invalidating(pgaID, result, err)
}

// PayCollateral locks the buyer's collateral into escrow.
func (s *Service) PayCollateral(ctx context.Context, signer ledger.Signer, pgaID string) (*workflow.CommandResult, error) {
	result, err := s.commands.PayCollateral(ctx, signer, pgaID)
	return s.invalidating(pgaID, result, err)
}

// PayIssuanceFee pays the certificate issuance fee.
func (s *Service) PayIssuanceFee(ctx context.Context, signer ledger.Signer, pgaID string) (*workflow.CommandResult, error) {
	result, err := s.commands.PayIssuanceFee(ctx, signer, pgaID)
	return s.invalidating(pgaID, result, err)
}

// ConfirmGoodsShipped records shipment by a logistics partner.
func (s *Service) ConfirmGoodsShipped(ctx context.Context, signer ledger.Signer, pgaID, partnerName string) (*workflow.CommandResult, error) {
	result, err := s.commands.ConfirmGoodsShipped(ctx, signer, pgaID, partnerName)
	return s.invalidating(pgaID, result, err)
}

// PayBalancePayment pays the post-shipment balance.
func (s *Service) PayBalancePayment(ctx context.Context, signer ledger.Signer, pgaID string) (*workflow.CommandResult, error) {
	result, err := s.commands.PayBalancePayment(ctx, signer, pgaID)
	return s.invalidating(pgaID, result, err)
}

// IssueCertificate issues the guarantee certificate.
func (s *Service) IssueCertificate(ctx context.Context, signer ledger.Signer, pgaID string) (*workflow.CommandResult, error) {
	result, err := s.commands.IssueCertificate(ctx, signer, pgaID)
	return s.invalidating(pgaID, result, err)
}

// CreateDeliveryAgreement attaches the delivery sub-record.
func (s *Service) CreateDeliveryAgreement(ctx context.Context, signer ledger.Signer, params delivery.CreateParams) (*workflow.CommandResult, error) {
	result, err := s.commands.CreateDeliveryAgreement(ctx, signer, params)
	return s.invalidating(params.PGAID, result, err)
}

// BuyerConsentToDelivery records the buyer's receipt confirmation.
func (s *Service) BuyerConsentToDelivery(ctx context.Context, signer ledger.Signer, pgaID, notes, proofURI string) (*workflow.CommandResult, error) {
	result, err := s.commands.BuyerConsentToDelivery(ctx, signer, pgaID, notes, proofURI)
	return s.invalidating(pgaID, result, err)
}

// ReleasePaymentToSeller releases escrowed funds and completes the
// agreement.
func (s *Service) ReleasePaymentToSeller(ctx context.Context, signer ledger.Signer, pgaID string) (*workflow.CommandResult, error) {
	result, err := s.commands.ReleasePaymentToSeller(ctx, signer, pgaID)
	return s.invalidating(pgaID, result, err)
}

// CancelPGA rejects a non-terminal agreement.
func (s *Service) CancelPGA(ctx context.Context, signer ledger.Signer, pgaID, reason string) (*workflow.CommandResult, error) {
	result, err := s.commands.CancelPGA(ctx, signer, pgaID, reason)
	return s.invalidating(pgaID, result, err)
}

// ExpirePGA expires an agreement past its voting deadline.
func (s *Service) ExpirePGA(ctx context.Context, signer ledger.Signer, pgaID string) (*workflow.CommandResult, error) {
	result, err := s.commands.ExpirePGA(ctx, signer, pgaID)
	return s.invalidating(pgaID, result, err)
}

// DisputePGA marks an agreement disputed.
func (s *Service) DisputePGA(ctx context.Context, signer ledger.Signer, pgaID, reason string) (*workflow.CommandResult, error) {
	result, err := s.commands.DisputePGA(ctx, signer, pgaID, reason)
	return s.invalidating(pgaID, result, err)
}

// MintTokens credits an address (admin only).
func (s *Service) MintTokens(ctx context.Context, signer ledger.Signer, to string, amount uint64) (*workflow.CommandResult, error) {
	return s.commands.MintTokens(ctx, signer, to, amount)
}

// DepositStake locks tokens as pool stake.
func (s *Service) DepositStake(ctx context.Context, signer ledger.Signer, amount uint64) (*workflow.CommandResult, error) {
	return s.commands.DepositStake(ctx, signer, amount)
}

// AuthorizePartner registers a logistics partner (admin only).
func (s *Service) AuthorizePartner(ctx context.Context, signer ledger.Signer, address, name string) (*workflow.CommandResult, error) {
	return s.commands.AuthorizePartner(ctx, signer, address, name)
}

// RegisterDeliveryPerson adds a courier to the registry.
func (s *Service) RegisterDeliveryPerson(ctx context.Context, signer ledger.Signer, name string) (*workflow.CommandResult, error) {
	return s.commands.RegisterDeliveryPerson(ctx, signer, name)
}

// GetHistory returns the projected event history for one agreement.
func (s *Service) GetHistory(ctx context.Context, pgaID string) ([]event.Event, error) {
	return s.events.GetHistory(ctx, pgaID)
}

// GetEventSyncStatus reports projector health and position.
func (s *Service) GetEventSyncStatus() projector.SyncStatus {
	return s.events.GetEventSyncStatus()
}

// RefetchEvents rebuilds the event history from block zero.
func (s *Service) RefetchEvents(ctx context.Context) error {
	return s.events.Refetch(ctx)
}
