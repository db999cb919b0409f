package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/application/registry"
	"github.com/escrow-hub/escrow-hub/internal/domain/delivery"
	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/metrics"
	"github.com/escrow-hub/escrow-hub/internal/ledger"
	"github.com/escrow-hub/escrow-hub/internal/ledger/protocol"
)

// CommandResult reports the outcome of one escrow command.
//
// Pending means the confirmation window elapsed while the transaction may
// still land; callers resume by re-reading state, never by resubmitting
// blindly. NoOp means the post-condition already held and nothing was
// submitted.
type CommandResult struct {
	TxHash      string     `json:"txHash,omitempty"`
	BlockNumber uint64     `json:"blockNumber,omitempty"`
	Status      pga.Status `json:"status"`
	Pending     bool       `json:"pending,omitempty"`
	NoOp        bool       `json:"noOp,omitempty"`
}

// Service drives agreement state transitions. Every command re-reads the
// ledger fresh before submitting: the cache serves views, never guards.
// Guard checks here mirror the contract's own so most violations fail fast
// without a wasted submission; the contract remains the final authority.
type Service struct {
	client  ledger.Client
	reads   *registry.Service
	metrics *metrics.EscrowMetrics
	log     zerolog.Logger
}

// NewService creates the escrow command service.
func NewService(client ledger.Client, reads *registry.Service, m *metrics.EscrowMetrics, logger zerolog.Logger) *Service {
	return &Service{
		client:  client,
		reads:   reads,
		metrics: m,
		log:     logger.With().Str("service", "workflow").Logger(),
	}
}

func (s *Service) buildTx(signer ledger.Signer, op protocol.Op, payload interface{}) (protocol.Tx, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return protocol.Tx{}, fmt.Errorf("encode %s payload: %w", op, err)
	}
	tx := protocol.Tx{
		TxID:      uuid.NewString(),
		Nonce:     uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Actor:     signer.Address(),
		Op:        op,
		Payload:   data,
	}
	if err := signer.Sign(&tx); err != nil {
		return protocol.Tx{}, fmt.Errorf("sign %s: %w", op, err)
	}
	return tx, nil
}

func (s *Service) submitAndWait(ctx context.Context, signer ledger.Signer, op protocol.Op, payload interface{}) (*CommandResult, error) {
	start := time.Now()
	tx, err := s.buildTx(signer, op, payload)
	if err != nil {
		return nil, err
	}
	handle, err := s.client.Submit(ctx, tx)
	if err != nil {
		s.metrics.RecordCommand(string(op), "rejected", time.Since(start))
		return nil, err
	}
	receipt, err := s.client.WaitForConfirmation(ctx, handle)
	if errors.Is(err, ledger.ErrTxPending) {
		s.metrics.RecordCommand(string(op), "pending", time.Since(start))
		s.log.Warn().Str("op", string(op)).Str("txHash", handle.Hash).
			Msg("confirmation window elapsed, transaction still pending")
		return &CommandResult{TxHash: handle.Hash, Pending: true}, nil
	}
	if err != nil {
		s.metrics.RecordCommand(string(op), "error", time.Since(start))
		return nil, err
	}
	s.metrics.RecordCommand(string(op), "confirmed", time.Since(start))
	s.log.Info().Str("op", string(op)).Str("txHash", receipt.TxHash).
		Uint64("block", receipt.BlockNumber).Msg("command confirmed")
	return &CommandResult{TxHash: receipt.TxHash, BlockNumber: receipt.BlockNumber}, nil
}

// fresh reads the agreement directly from the ledger, bypassing the cache.
func (s *Service) fresh(ctx context.Context, pgaID string) (*pga.Info, error) {
	return s.reads.GetPGA(ctx, pgaID, true)
}

// fillStatus decorates a confirmed result with the post-command status.
// Best effort: a failed read leaves the status at its zero value.
func (s *Service) fillStatus(ctx context.Context, pgaID string, result *CommandResult) *CommandResult {
	if result.Pending {
		return result
	}
	if info, err := s.fresh(ctx, pgaID); err == nil {
		result.Status = info.Status
	}
	return result
}

func noOp(status pga.Status) *CommandResult {
	return &CommandResult{Status: status, NoOp: true}
}

// ensureAllowance grants the escrow contract a token allowance when the
// current one is short. Payments run as approve-then-pay; a crash between
// the two resumes cleanly because the retry observes the allowance and
// skips straight to the payment.
func (s *Service) ensureAllowance(ctx context.Context, signer ledger.Signer, amount uint64) (*CommandResult, error) {
	allowance, err := s.reads.GetAllowance(ctx, signer.Address())
	if err != nil {
		return nil, err
	}
	if allowance >= amount {
		return nil, nil
	}
	s.log.Debug().Str("actor", signer.Address()).Uint64("amount", amount).
		Msg("granting escrow allowance")
	result, err := s.submitAndWait(ctx, signer, protocol.OpTokenApprove, protocol.TokenApprovePayload{Amount: amount})
	if err != nil {
		return nil, err
	}
	if result.Pending {
		return result, nil
	}
	return nil, nil
}

// CreatePGA registers a new agreement in the CREATED stage.
func (s *Service) CreatePGA(ctx context.Context, signer ledger.Signer, params pga.CreateParams) (*CommandResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	_, err := s.fresh(ctx, params.PGAID)
	if err == nil {
		return nil, pga.ErrExists
	}
	if !errors.Is(err, pga.ErrNotFound) {
		return nil, err
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpPGACreate, params)
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, params.PGAID, result), nil
}

// VoteOnPGA casts a pool member's stake-weighted vote.
func (s *Service) VoteOnPGA(ctx context.Context, signer ledger.Signer, pgaID string, support bool) (*CommandResult, error) {
	info, err := s.fresh(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if info.Status != pga.StatusCreated {
		return nil, pga.ErrInvalidStatus
	}
	if info.VotingClosed(time.Now()) {
		return nil, pga.ErrVotingClosed
	}
	vote, err := s.reads.GetVote(ctx, pgaID, signer.Address())
	if err != nil {
		return nil, err
	}
	if vote != nil {
		return nil, pga.ErrAlreadyVoted
	}
	power, err := s.reads.GetVotingPower(ctx, signer.Address())
	if err != nil {
		return nil, err
	}
	if power == 0 {
		return nil, pga.ErrNoVotingPower
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpPGAVote, protocol.PGAVotePayload{PGAID: pgaID, Support: support})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, pgaID, result), nil
}

// SellerVoteOnPGA records the seller's accept or decline decision.
func (s *Service) SellerVoteOnPGA(ctx context.Context, signer ledger.Signer, pgaID string, approve bool) (*CommandResult, error) {
	info, err := s.fresh(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if info.Status != pga.StatusGuaranteeApproved {
		return nil, pga.ErrInvalidStatus
	}
	if signer.Address() != info.Seller {
		return nil, pga.ErrNotAuthorized
	}
	vote, err := s.reads.GetVote(ctx, pgaID, signer.Address())
	if err != nil {
		return nil, err
	}
	if vote != nil {
		return nil, pga.ErrAlreadyVoted
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpSellerVote, protocol.SellerVotePayload{PGAID: pgaID, Approve: approve})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, pgaID, result), nil
}

// PayCollateral locks the buyer's collateral into escrow. Grants the
// required allowance first when the current one is short.
func (s *Service) PayCollateral(ctx context.Context, signer ledger.Signer, pgaID string) (*CommandResult, error) {
	info, err := s.fresh(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if info.CollateralPaid {
		return noOp(info.Status), nil
	}
	if info.Status != pga.StatusSellerApproved {
		return nil, pga.ErrInvalidStatus
	}
	if signer.Address() != info.Buyer {
		return nil, pga.ErrNotAuthorized
	}
	if pending, err := s.ensureAllowance(ctx, signer, info.CollateralAmount); err != nil || pending != nil {
		return pending, err
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpPayCollateral, protocol.PGARefPayload{PGAID: pgaID})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, pgaID, result), nil
}

// PayIssuanceFee pays the certificate issuance fee.
func (s *Service) PayIssuanceFee(ctx context.Context, signer ledger.Signer, pgaID string) (*CommandResult, error) {
	info, err := s.fresh(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if info.IssuanceFeePaid {
		return noOp(info.Status), nil
	}
	if info.Status != pga.StatusCollateralPaid {
		return nil, pga.ErrInvalidStatus
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpPayIssuanceFee, protocol.PGARefPayload{PGAID: pgaID})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, pgaID, result), nil
}

// ConfirmGoodsShipped records shipment by an authorized logistics partner.
func (s *Service) ConfirmGoodsShipped(ctx context.Context, signer ledger.Signer, pgaID, partnerName string) (*CommandResult, error) {
	info, err := s.fresh(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if info.GoodsShipped {
		return noOp(info.Status), nil
	}
	if info.Status != pga.StatusCollateralPaid || !info.IssuanceFeePaid {
		return nil, pga.ErrInvalidStatus
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpConfirmShipment, protocol.ConfirmShipmentPayload{PGAID: pgaID, PartnerName: partnerName})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, pgaID, result), nil
}

// PayBalancePayment pays the remaining guaranteed amount after shipment.
func (s *Service) PayBalancePayment(ctx context.Context, signer ledger.Signer, pgaID string) (*CommandResult, error) {
	info, err := s.fresh(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if info.BalancePaymentPaid {
		return noOp(info.Status), nil
	}
	if info.Status != pga.StatusGoodsShipped {
		return nil, pga.ErrInvalidStatus
	}
	if signer.Address() != info.Buyer {
		return nil, pga.ErrNotAuthorized
	}
	if pending, err := s.ensureAllowance(ctx, signer, info.BalanceDue()); err != nil || pending != nil {
		return pending, err
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpPayBalance, protocol.PGARefPayload{PGAID: pgaID})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, pgaID, result), nil
}

// IssueCertificate issues the guarantee certificate.
func (s *Service) IssueCertificate(ctx context.Context, signer ledger.Signer, pgaID string) (*CommandResult, error) {
	info, err := s.fresh(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if info.CertificateIssuedAt != 0 {
		return noOp(info.Status), nil
	}
	if info.Status != pga.StatusBalancePaymentPaid {
		return nil, pga.ErrInvalidStatus
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpIssueCertificate, protocol.PGARefPayload{PGAID: pgaID})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, pgaID, result), nil
}

// CreateDeliveryAgreement attaches the delivery sub-record to an agreement.
func (s *Service) CreateDeliveryAgreement(ctx context.Context, signer ledger.Signer, params delivery.CreateParams) (*CommandResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	info, err := s.fresh(ctx, params.PGAID)
	if err != nil {
		return nil, err
	}
	if info.DeliveryAgreementID != "" {
		return noOp(info.Status), nil
	}
	if info.Status != pga.StatusCertificateIssued {
		return nil, pga.ErrInvalidStatus
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpDeliveryCreate, protocol.DeliveryCreatePayload{
		PGAID:          params.PGAID,
		AgreementID:    params.AgreementID,
		DeliveryPerson: params.DeliveryPerson,
		Deadline:       params.Deadline,
	})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, params.PGAID, result), nil
}

// BuyerConsentToDelivery records the buyer's receipt confirmation.
func (s *Service) BuyerConsentToDelivery(ctx context.Context, signer ledger.Signer, pgaID, notes, proofURI string) (*CommandResult, error) {
	info, err := s.fresh(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if info.Status != pga.StatusDeliveryAwaitingConsent {
		return nil, pga.ErrInvalidStatus
	}
	if signer.Address() != info.Buyer {
		return nil, pga.ErrNotAuthorized
	}
	agreement, err := s.reads.GetDeliveryAgreementByPGA(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if agreement.BuyerConsent {
		return noOp(info.Status), nil
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpBuyerConsent, protocol.BuyerConsentPayload{
		PGAID:            pgaID,
		Consent:          true,
		DeliveryNotes:    notes,
		DeliveryProofURI: proofURI,
	})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, pgaID, result), nil
}

// ReleasePaymentToSeller releases all escrowed funds to the seller's
// beneficiary wallet and completes the agreement.
func (s *Service) ReleasePaymentToSeller(ctx context.Context, signer ledger.Signer, pgaID string) (*CommandResult, error) {
	info, err := s.fresh(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if info.Status == pga.StatusCompleted {
		return noOp(info.Status), nil
	}
	if info.Status != pga.StatusDeliveryAwaitingConsent {
		return nil, pga.ErrInvalidStatus
	}
	agreement, err := s.reads.GetDeliveryAgreementByPGA(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if !agreement.BuyerConsent {
		return nil, pga.ErrConsentRequired
	}
	result, err := s.submitAndWait(ctx, signer, protocol.OpReleasePayment, protocol.PGARefPayload{PGAID: pgaID})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, pgaID, result), nil
}

// CancelPGA rejects a non-terminal agreement and refunds held funds.
func (s *Service) CancelPGA(ctx context.Context, signer ledger.Signer, pgaID, reason string) (*CommandResult, error) {
	return s.terminate(ctx, signer, protocol.OpPGACancel, pgaID, reason)
}

// ExpirePGA expires an agreement whose voting deadline has passed.
func (s *Service) ExpirePGA(ctx context.Context, signer ledger.Signer, pgaID string) (*CommandResult, error) {
	return s.terminate(ctx, signer, protocol.OpPGAExpire, pgaID, "voting deadline passed")
}

// DisputePGA moves an agreement into the disputed state. Resolution is a
// manual process outside this service.
func (s *Service) DisputePGA(ctx context.Context, signer ledger.Signer, pgaID, reason string) (*CommandResult, error) {
	return s.terminate(ctx, signer, protocol.OpPGADispute, pgaID, reason)
}

func (s *Service) terminate(ctx context.Context, signer ledger.Signer, op protocol.Op, pgaID, reason string) (*CommandResult, error) {
	info, err := s.fresh(ctx, pgaID)
	if err != nil {
		return nil, err
	}
	if info.Status.Terminal() {
		return nil, pga.ErrInvalidStatus
	}
	result, err := s.submitAndWait(ctx, signer, op, protocol.TerminalPayload{PGAID: pgaID, Reason: reason})
	if err != nil {
		return nil, err
	}
	return s.fillStatus(ctx, pgaID, result), nil
}

// MintTokens credits an address. Restricted to the contract admin.
func (s *Service) MintTokens(ctx context.Context, signer ledger.Signer, to string, amount uint64) (*CommandResult, error) {
	if err := pga.ValidateAddress(to); err != nil {
		return nil, &pga.ValidationError{Field: "to", Reason: err.Error()}
	}
	return s.submitAndWait(ctx, signer, protocol.OpTokenMint, protocol.TokenMintPayload{To: to, Amount: amount})
}

// DepositStake locks tokens as pool stake, granting voting power.
func (s *Service) DepositStake(ctx context.Context, signer ledger.Signer, amount uint64) (*CommandResult, error) {
	if amount == 0 {
		return nil, &pga.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return s.submitAndWait(ctx, signer, protocol.OpStakeDeposit, protocol.StakeDepositPayload{Amount: amount})
}

// AuthorizePartner registers a logistics partner. Restricted to the
// contract admin.
func (s *Service) AuthorizePartner(ctx context.Context, signer ledger.Signer, address, name string) (*CommandResult, error) {
	if err := pga.ValidateAddress(address); err != nil {
		return nil, &pga.ValidationError{Field: "address", Reason: err.Error()}
	}
	if name == "" {
		return nil, &pga.ValidationError{Field: "name", Reason: "required"}
	}
	return s.submitAndWait(ctx, signer, protocol.OpPartnerAuthorize, protocol.PartnerAuthorizePayload{Address: address, Name: name})
}

// RegisterDeliveryPerson adds a courier to the delivery person registry.
func (s *Service) RegisterDeliveryPerson(ctx context.Context, signer ledger.Signer, name string) (*CommandResult, error) {
	if name == "" {
		return nil, &pga.ValidationError{Field: "name", Reason: "required"}
	}
	return s.submitAndWait(ctx, signer, protocol.OpDeliveryPersonRegister, protocol.DeliveryPersonRegisterPayload{Name: name})
}
