package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/escrow-hub/escrow-hub/internal/domain/delivery"
	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
	"github.com/escrow-hub/escrow-hub/internal/ledger"
	"github.com/escrow-hub/escrow-hub/internal/ledger/protocol"
)

// ThresholdFunc decides whether accumulated pool votes approve a guarantee.
// The exact quorum formula is deployment configuration, not a constant.
type ThresholdFunc func(votesFor, votesAgainst, totalStaked, guaranteeAmount uint64) bool

// DefaultThreshold approves once supporting voting power covers the
// guaranteed amount.
func DefaultThreshold(votesFor, _, _, guaranteeAmount uint64) bool {
	return votesFor >= guaranteeAmount
}

// Config parameterizes one contract deployment.
type Config struct {
	TokenDecimals   uint8
	IssuanceFee     uint64
	Admin           string // empty means permissive admin ops (dev deployments)
	Threshold       ThresholdFunc
	GenesisBalances map[string]uint64
	GenesisStakes   map[string]uint64
	GenesisPartners map[string]string // address -> partner name
}

type snapshot struct {
	PGAs            map[string]*pga.Info            `json:"pgas"`
	IDsByBuyer      map[string][]string             `json:"idsByBuyer"`
	IDsBySeller     map[string][]string             `json:"idsBySeller"`
	Votes           map[string]map[string]pga.Vote  `json:"votes"`
	Deliveries      map[string]*delivery.Agreement  `json:"deliveries"`
	DeliveryByPGA   map[string]string               `json:"deliveryByPga"`
	Balances        map[string]uint64               `json:"balances"`
	Allowances      map[string]uint64               `json:"allowances"`
	Stakes          map[string]uint64               `json:"stakes"`
	TotalStaked     uint64                          `json:"totalStaked"`
	Held            map[string]uint64               `json:"held"`
	FeePool         uint64                          `json:"feePool"`
	Partners        map[string]string               `json:"partners"`
	DeliveryPersons []string                        `json:"deliveryPersons"`
	Events          []ledger.RawEvent               `json:"events"`
	Receipts        map[string]*ledger.Receipt      `json:"receipts"`
	Height          uint64                          `json:"height"`
}

// Machine is the deterministic escrow contract state machine. It is the
// single writer of agreement state: every guard the client mirrors is
// enforced here, and state changes only through Apply.
type Machine struct {
	mu  sync.RWMutex
	cfg Config
	s   snapshot
}

// NewMachine creates a contract machine with genesis state from cfg.
func NewMachine(cfg Config) *Machine {
	if cfg.Threshold == nil {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = 6
	}
	m := &Machine{cfg: cfg, s: emptySnapshot()}
	for addr, amount := range cfg.GenesisBalances {
		m.s.Balances[addr] = amount
	}
	for addr, amount := range cfg.GenesisStakes {
		m.s.Stakes[addr] = amount
		m.s.TotalStaked += amount
	}
	for addr, name := range cfg.GenesisPartners {
		m.s.Partners[addr] = name
	}
	return m
}

func emptySnapshot() snapshot {
	return snapshot{
		PGAs:          map[string]*pga.Info{},
		IDsByBuyer:    map[string][]string{},
		IDsBySeller:   map[string][]string{},
		Votes:         map[string]map[string]pga.Vote{},
		Deliveries:    map[string]*delivery.Agreement{},
		DeliveryByPGA: map[string]string{},
		Balances:      map[string]uint64{},
		Allowances:    map[string]uint64{},
		Stakes:        map[string]uint64{},
		Held:          map[string]uint64{},
		Partners:      map[string]string{},
		Receipts:      map[string]*ledger.Receipt{},
	}
}

// Apply validates and executes one signed transaction. Re-applying an
// already-applied tx id returns the original receipt unchanged, which keeps
// replication and client retries idempotent.
func (m *Machine) Apply(tx protocol.Tx) (*ledger.Receipt, error) {
	if err := tx.Verify(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.s.Receipts[tx.TxID]; ok {
		return rec, nil
	}

	events, err := m.execute(tx)
	if err != nil {
		return nil, err
	}

	m.s.Height++
	rec := &ledger.Receipt{
		TxHash:      tx.TxID,
		BlockNumber: m.s.Height,
		Timestamp:   tx.Timestamp.UTC(),
	}
	for i := range events {
		events[i].BlockNumber = m.s.Height
		events[i].LogIndex = uint32(i)
		events[i].TxHash = tx.TxID
		events[i].Timestamp = tx.Timestamp.UTC()
	}
	rec.Events = events
	m.s.Events = append(m.s.Events, events...)
	m.s.Receipts[tx.TxID] = rec
	return rec, nil
}

func (m *Machine) execute(tx protocol.Tx) ([]ledger.RawEvent, error) {
	switch tx.Op {
	case protocol.OpTokenMint:
		return m.applyMint(tx)
	case protocol.OpTokenApprove:
		return m.applyApprove(tx)
	case protocol.OpStakeDeposit:
		return m.applyStake(tx)
	case protocol.OpPartnerAuthorize:
		return m.applyPartnerAuthorize(tx)
	case protocol.OpDeliveryPersonRegister:
		return m.applyDeliveryPersonRegister(tx)
	case protocol.OpPGACreate:
		return m.applyCreate(tx)
	case protocol.OpPGAVote:
		return m.applyVote(tx)
	case protocol.OpSellerVote:
		return m.applySellerVote(tx)
	case protocol.OpPayCollateral:
		return m.applyPayCollateral(tx)
	case protocol.OpPayIssuanceFee:
		return m.applyPayIssuanceFee(tx)
	case protocol.OpConfirmShipment:
		return m.applyConfirmShipment(tx)
	case protocol.OpPayBalance:
		return m.applyPayBalance(tx)
	case protocol.OpIssueCertificate:
		return m.applyIssueCertificate(tx)
	case protocol.OpDeliveryCreate:
		return m.applyDeliveryCreate(tx)
	case protocol.OpBuyerConsent:
		return m.applyBuyerConsent(tx)
	case protocol.OpReleasePayment:
		return m.applyReleasePayment(tx)
	case protocol.OpPGACancel:
		return m.applyTerminal(tx, pga.StatusRejected)
	case protocol.OpPGAExpire:
		return m.applyTerminal(tx, pga.StatusExpired)
	case protocol.OpPGADispute:
		return m.applyTerminal(tx, pga.StatusDisputed)
	default:
		return nil, fmt.Errorf("unsupported op: %s", tx.Op)
	}
}

func rawEvent(kind, pgaID string, payload interface{}) ledger.RawEvent {
	data, _ := json.Marshal(payload)
	return ledger.RawEvent{Kind: kind, PGAID: pgaID, Data: data}
}

func (m *Machine) isAdmin(actor string) bool {
	return m.cfg.Admin == "" || m.cfg.Admin == actor
}

func (m *Machine) applyMint(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.TokenMintPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	if !m.isAdmin(tx.Actor) {
		return nil, pga.ErrNotAuthorized
	}
	if p.Amount == 0 {
		return nil, errors.New("mint amount must be positive")
	}
	m.s.Balances[p.To] += p.Amount
	return []ledger.RawEvent{rawEvent("TokenMinted", "", map[string]interface{}{
		"to": p.To, "amount": p.Amount,
	})}, nil
}

func (m *Machine) applyApprove(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.TokenApprovePayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	m.s.Allowances[tx.Actor] = p.Amount
	return []ledger.RawEvent{rawEvent("TokenApproved", "", map[string]interface{}{
		"owner": tx.Actor, "amount": p.Amount,
	})}, nil
}

func (m *Machine) applyStake(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.StakeDepositPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	if p.Amount == 0 {
		return nil, errors.New("stake amount must be positive")
	}
	if m.s.Balances[tx.Actor] < p.Amount {
		return nil, pga.ErrInsufficientBalance
	}
	m.s.Balances[tx.Actor] -= p.Amount
	m.s.Stakes[tx.Actor] += p.Amount
	m.s.TotalStaked += p.Amount
	return []ledger.RawEvent{rawEvent("StakeDeposited", "", map[string]interface{}{
		"staker": tx.Actor, "amount": p.Amount,
	})}, nil
}

func (m *Machine) applyPartnerAuthorize(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.PartnerAuthorizePayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	if !m.isAdmin(tx.Actor) {
		return nil, pga.ErrNotAuthorized
	}
	if err := pga.ValidateAddress(p.Address); err != nil {
		return nil, err
	}
	m.s.Partners[p.Address] = p.Name
	return []ledger.RawEvent{rawEvent("PartnerAuthorized", "", map[string]interface{}{
		"address": p.Address, "name": p.Name,
	})}, nil
}

func (m *Machine) applyDeliveryPersonRegister(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.DeliveryPersonRegisterPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, errors.New("delivery person name is required")
	}
	for _, name := range m.s.DeliveryPersons {
		if name == p.Name {
			return m.noEvents()
		}
	}
	m.s.DeliveryPersons = append(m.s.DeliveryPersons, p.Name)
	return []ledger.RawEvent{rawEvent("DeliveryPersonRegistered", "", map[string]interface{}{
		"name": p.Name,
	})}, nil
}

func (m *Machine) noEvents() ([]ledger.RawEvent, error) {
	return []ledger.RawEvent{}, nil
}

func (m *Machine) applyCreate(tx protocol.Tx) ([]ledger.RawEvent, error) {
	params, err := protocol.DecodePayload[pga.CreateParams](tx.Payload)
	if err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if _, ok := m.s.PGAs[params.PGAID]; ok {
		return nil, pga.ErrExists
	}
	votingPeriod := params.VotingPeriod
	if votingPeriod <= 0 {
		votingPeriod = 7 * 24 * 3600
	}
	now := tx.Timestamp.UTC().Unix()
	info := &pga.Info{
		PGAID:              params.PGAID,
		Buyer:              params.Buyer,
		Seller:             params.Seller,
		BeneficiaryWallet:  params.BeneficiaryWallet,
		TradeValue:         params.TradeValue,
		GuaranteeAmount:    params.GuaranteeAmount,
		CollateralAmount:   params.CollateralAmount,
		Duration:           params.Duration,
		VotingDeadline:     now + votingPeriod,
		Status:             pga.StatusCreated,
		MetadataURI:        params.MetadataURI,
		CompanyName:        params.CompanyName,
		RegistrationNumber: params.RegistrationNumber,
		TradeDescription:   params.TradeDescription,
		BeneficiaryName:    params.BeneficiaryName,
		Documents:          append([]string(nil), params.Documents...),
		CreatedAt:          now,
	}
	m.s.PGAs[params.PGAID] = info
	m.s.IDsByBuyer[params.Buyer] = append(m.s.IDsByBuyer[params.Buyer], params.PGAID)
	m.s.IDsBySeller[params.Seller] = append(m.s.IDsBySeller[params.Seller], params.PGAID)
	return []ledger.RawEvent{rawEvent("PGACreated", params.PGAID, map[string]interface{}{
		"buyer":            params.Buyer,
		"seller":           params.Seller,
		"tradeValue":       params.TradeValue,
		"guaranteeAmount":  params.GuaranteeAmount,
		"collateralAmount": params.CollateralAmount,
		"duration":         params.Duration,
		"votingDeadline":   info.VotingDeadline,
	})}, nil
}

func (m *Machine) getPGA(pgaID string) (*pga.Info, error) {
	info, ok := m.s.PGAs[pgaID]
	if !ok {
		return nil, pga.ErrNotFound
	}
	return info, nil
}

func (m *Machine) applyVote(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.PGAVotePayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.Status != pga.StatusCreated {
		return nil, pga.ErrInvalidStatus
	}
	if info.VotingClosed(tx.Timestamp) {
		return nil, pga.ErrVotingClosed
	}
	if _, voted := m.s.Votes[p.PGAID][tx.Actor]; voted {
		return nil, pga.ErrAlreadyVoted
	}
	power := m.s.Stakes[tx.Actor]
	if power == 0 {
		return nil, pga.ErrNoVotingPower
	}
	if m.s.Votes[p.PGAID] == nil {
		m.s.Votes[p.PGAID] = map[string]pga.Vote{}
	}
	m.s.Votes[p.PGAID][tx.Actor] = pga.Vote{
		PGAID:       p.PGAID,
		Voter:       tx.Actor,
		Support:     p.Support,
		VotingPower: power,
		VotedAt:     tx.Timestamp.UTC().Unix(),
	}
	if p.Support {
		info.VotesFor += power
	} else {
		info.VotesAgainst += power
	}
	events := []ledger.RawEvent{rawEvent("PGAVoteCast", p.PGAID, map[string]interface{}{
		"voter":        tx.Actor,
		"support":      p.Support,
		"votingPower":  power,
		"votesFor":     info.VotesFor,
		"votesAgainst": info.VotesAgainst,
	})}
	if m.cfg.Threshold(info.VotesFor, info.VotesAgainst, m.s.TotalStaked, info.GuaranteeAmount) {
		prev := info.Status
		info.Status = pga.StatusGuaranteeApproved
		events = append(events, rawEvent("PGAStatusChanged", p.PGAID, map[string]interface{}{
			"previous": int(prev),
			"current":  int(info.Status),
			"reason":   "vote threshold reached",
		}))
	}
	return events, nil
}

func (m *Machine) applySellerVote(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.SellerVotePayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.Status != pga.StatusGuaranteeApproved {
		return nil, pga.ErrInvalidStatus
	}
	if tx.Actor != info.Seller {
		return nil, pga.ErrNotAuthorized
	}
	if _, voted := m.s.Votes[p.PGAID][tx.Actor]; voted {
		return nil, pga.ErrAlreadyVoted
	}
	if m.s.Votes[p.PGAID] == nil {
		m.s.Votes[p.PGAID] = map[string]pga.Vote{}
	}
	m.s.Votes[p.PGAID][tx.Actor] = pga.Vote{
		PGAID:   p.PGAID,
		Voter:   tx.Actor,
		Support: p.Approve,
		VotedAt: tx.Timestamp.UTC().Unix(),
	}
	prev := info.Status
	if p.Approve {
		info.Status = pga.StatusSellerApproved
	} else {
		info.Status = pga.StatusRejected
	}
	return []ledger.RawEvent{
		rawEvent("SellerApprovalReceived", p.PGAID, map[string]interface{}{
			"seller":   tx.Actor,
			"approved": p.Approve,
		}),
		rawEvent("PGAStatusChanged", p.PGAID, map[string]interface{}{
			"previous": int(prev),
			"current":  int(info.Status),
			"reason":   "seller decision",
		}),
	}, nil
}

// transferToEscrow moves amount from the payer's balance into funds held
// for the agreement, consuming allowance.
func (m *Machine) transferToEscrow(payer, pgaID string, amount uint64) error {
	if m.s.Allowances[payer] < amount {
		return pga.ErrInsufficientAllowance
	}
	if m.s.Balances[payer] < amount {
		return pga.ErrInsufficientBalance
	}
	m.s.Allowances[payer] -= amount
	m.s.Balances[payer] -= amount
	m.s.Held[pgaID] += amount
	return nil
}

func (m *Machine) applyPayCollateral(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.PGARefPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.CollateralPaid {
		return nil, pga.ErrCollateralPaid
	}
	if info.Status != pga.StatusSellerApproved {
		return nil, pga.ErrInvalidStatus
	}
	if tx.Actor != info.Buyer {
		return nil, pga.ErrNotAuthorized
	}
	if err := m.transferToEscrow(tx.Actor, p.PGAID, info.CollateralAmount); err != nil {
		return nil, err
	}
	info.CollateralPaid = true
	info.Status = pga.StatusCollateralPaid
	return []ledger.RawEvent{rawEvent("CollateralPaid", p.PGAID, map[string]interface{}{
		"payer":            tx.Actor,
		"collateralAmount": info.CollateralAmount,
	})}, nil
}

func (m *Machine) applyPayIssuanceFee(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.PGARefPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.IssuanceFeePaid {
		return nil, pga.ErrIssuanceFeePaid
	}
	if info.Status != pga.StatusCollateralPaid {
		return nil, pga.ErrInvalidStatus
	}
	fee := m.cfg.IssuanceFee
	if m.s.Balances[tx.Actor] < fee {
		return nil, pga.ErrInsufficientBalance
	}
	m.s.Balances[tx.Actor] -= fee
	m.s.FeePool += fee
	info.IssuanceFeePaid = true
	return []ledger.RawEvent{rawEvent("IssuanceFeePaid", p.PGAID, map[string]interface{}{
		"payer": tx.Actor,
		"fee":   fee,
	})}, nil
}

func (m *Machine) applyConfirmShipment(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.ConfirmShipmentPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.GoodsShipped {
		return nil, pga.ErrGoodsShipped
	}
	if info.Status != pga.StatusCollateralPaid || !info.IssuanceFeePaid {
		return nil, pga.ErrInvalidStatus
	}
	if _, ok := m.s.Partners[tx.Actor]; !ok {
		return nil, pga.ErrNotAuthorized
	}
	partnerName := p.PartnerName
	if partnerName == "" {
		partnerName = m.s.Partners[tx.Actor]
	}
	info.GoodsShipped = true
	info.LogisticPartner = partnerName
	info.Status = pga.StatusGoodsShipped
	return []ledger.RawEvent{rawEvent("GoodsShipped", p.PGAID, map[string]interface{}{
		"logisticPartner": partnerName,
	})}, nil
}

func (m *Machine) applyPayBalance(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.PGARefPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.BalancePaymentPaid {
		return nil, pga.ErrBalancePaid
	}
	if info.Status != pga.StatusGoodsShipped {
		return nil, pga.ErrInvalidStatus
	}
	if tx.Actor != info.Buyer {
		return nil, pga.ErrNotAuthorized
	}
	amount := info.BalanceDue()
	if err := m.transferToEscrow(tx.Actor, p.PGAID, amount); err != nil {
		return nil, err
	}
	info.BalancePaymentPaid = true
	info.Status = pga.StatusBalancePaymentPaid
	return []ledger.RawEvent{rawEvent("BalancePaymentReceived", p.PGAID, map[string]interface{}{
		"payer":  tx.Actor,
		"amount": amount,
	})}, nil
}

func (m *Machine) applyIssueCertificate(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.PGARefPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.CertificateIssuedAt != 0 {
		return nil, pga.ErrCertificateIssued
	}
	if info.Status != pga.StatusBalancePaymentPaid {
		return nil, pga.ErrInvalidStatus
	}
	info.CertificateIssuedAt = tx.Timestamp.UTC().Unix()
	info.Status = pga.StatusCertificateIssued
	return []ledger.RawEvent{rawEvent("CertificateIssued", p.PGAID, map[string]interface{}{
		"issuedAt": info.CertificateIssuedAt,
	})}, nil
}

func (m *Machine) applyDeliveryCreate(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.DeliveryCreatePayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.Status != pga.StatusCertificateIssued {
		return nil, pga.ErrInvalidStatus
	}
	if info.DeliveryAgreementID != "" {
		return nil, pga.ErrDeliveryExists
	}
	if p.AgreementID == "" || p.DeliveryPerson == "" {
		return nil, errors.New("agreement_id and delivery_person are required")
	}
	if _, ok := m.s.Deliveries[p.AgreementID]; ok {
		return nil, pga.ErrDeliveryExists
	}
	agreement := &delivery.Agreement{
		AgreementID:    p.AgreementID,
		PGAID:          p.PGAID,
		DeliveryPerson: p.DeliveryPerson,
		Buyer:          info.Buyer,
		CreatedAt:      tx.Timestamp.UTC().Unix(),
		Deadline:       p.Deadline,
	}
	m.s.Deliveries[p.AgreementID] = agreement
	m.s.DeliveryByPGA[p.PGAID] = p.AgreementID
	info.DeliveryAgreementID = p.AgreementID
	info.Status = pga.StatusDeliveryAwaitingConsent
	found := false
	for _, name := range m.s.DeliveryPersons {
		if name == p.DeliveryPerson {
			found = true
			break
		}
	}
	if !found {
		m.s.DeliveryPersons = append(m.s.DeliveryPersons, p.DeliveryPerson)
	}
	return []ledger.RawEvent{rawEvent("DeliveryAgreementCreated", p.PGAID, map[string]interface{}{
		"agreementId":    p.AgreementID,
		"deliveryPerson": p.DeliveryPerson,
		"deadline":       p.Deadline,
	})}, nil
}

func (m *Machine) applyBuyerConsent(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.BuyerConsentPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.Status != pga.StatusDeliveryAwaitingConsent {
		return nil, pga.ErrInvalidStatus
	}
	if tx.Actor != info.Buyer {
		return nil, pga.ErrNotAuthorized
	}
	agreementID := m.s.DeliveryByPGA[p.PGAID]
	agreement, ok := m.s.Deliveries[agreementID]
	if !ok {
		return nil, pga.ErrDeliveryNotFound
	}
	if agreement.BuyerConsent {
		return nil, pga.ErrConsentGiven
	}
	agreement.BuyerConsent = p.Consent
	agreement.DeliveryNotes = p.DeliveryNotes
	agreement.DeliveryProofURI = p.DeliveryProofURI
	return []ledger.RawEvent{rawEvent("BuyerConsentGiven", p.PGAID, map[string]interface{}{
		"buyer":   tx.Actor,
		"consent": p.Consent,
	})}, nil
}

func (m *Machine) applyReleasePayment(tx protocol.Tx) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.PGARefPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.Status != pga.StatusDeliveryAwaitingConsent {
		return nil, pga.ErrInvalidStatus
	}
	agreementID := m.s.DeliveryByPGA[p.PGAID]
	agreement, ok := m.s.Deliveries[agreementID]
	if !ok || !agreement.BuyerConsent {
		return nil, pga.ErrConsentRequired
	}
	amount := m.s.Held[p.PGAID]
	m.s.Held[p.PGAID] = 0
	payee := info.BeneficiaryWallet
	if payee == "" {
		payee = info.Seller
	}
	m.s.Balances[payee] += amount
	prev := info.Status
	info.Status = pga.StatusCompleted
	return []ledger.RawEvent{
		rawEvent("PGACompleted", p.PGAID, map[string]interface{}{
			"seller":         info.Seller,
			"amountReleased": amount,
		}),
		rawEvent("PGAStatusChanged", p.PGAID, map[string]interface{}{
			"previous": int(prev),
			"current":  int(info.Status),
			"reason":   "payment released",
		}),
	}, nil
}

func (m *Machine) applyTerminal(tx protocol.Tx, target pga.Status) ([]ledger.RawEvent, error) {
	p, err := protocol.DecodePayload[protocol.TerminalPayload](tx.Payload)
	if err != nil {
		return nil, err
	}
	info, err := m.getPGA(p.PGAID)
	if err != nil {
		return nil, err
	}
	if info.Status.Terminal() {
		return nil, pga.ErrInvalidStatus
	}
	switch target {
	case pga.StatusExpired:
		if !info.VotingClosed(tx.Timestamp) {
			return nil, pga.ErrInvalidStatus
		}
	default:
		if tx.Actor != info.Buyer && tx.Actor != info.Seller && !m.isAdmin(tx.Actor) {
			return nil, pga.ErrNotAuthorized
		}
	}
	// Held funds go back to the buyer on any terminal outcome short of
	// completion.
	if refund := m.s.Held[p.PGAID]; refund > 0 {
		m.s.Held[p.PGAID] = 0
		m.s.Balances[info.Buyer] += refund
	}
	prev := info.Status
	info.Status = target
	return []ledger.RawEvent{rawEvent("PGAStatusChanged", p.PGAID, map[string]interface{}{
		"previous": int(prev),
		"current":  int(target),
		"reason":   p.Reason,
	})}, nil
}

// cloneInfo returns a defensive copy so callers never alias machine state.
func cloneInfo(info *pga.Info) *pga.Info {
	cp := *info
	cp.Documents = append([]string(nil), info.Documents...)
	return &cp
}

// Query executes a contract view function.
func (m *Machine) Query(fn string, args []string) (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch fn {
	case "getPGA":
		info, ok := m.s.PGAs[arg(0)]
		if !ok {
			return nil, pga.ErrNotFound
		}
		return cloneInfo(info), nil
	case "getPGAIDsByBuyer":
		return append([]string{}, m.s.IDsByBuyer[arg(0)]...), nil
	case "getPGAIDsBySeller":
		return append([]string{}, m.s.IDsBySeller[arg(0)]...), nil
	case "getPoolStats":
		stats := pga.PoolStats{TotalStaked: m.s.TotalStaked}
		for _, info := range m.s.PGAs {
			switch {
			case info.Status == pga.StatusCompleted:
				stats.CompletedPGAs++
			case !info.Status.Terminal():
				stats.ActivePGAs++
				stats.TotalGuaranteed += info.GuaranteeAmount
			}
		}
		return stats, nil
	case "getBalance":
		return m.s.Balances[arg(0)], nil
	case "getAllowance":
		return m.s.Allowances[arg(0)], nil
	case "getVotingPower":
		return m.s.Stakes[arg(0)], nil
	case "getVote":
		votes := m.s.Votes[arg(0)]
		if v, ok := votes[arg(1)]; ok {
			return v, nil
		}
		return nil, nil
	case "getDeliveryAgreement":
		agreement, ok := m.s.Deliveries[arg(0)]
		if !ok {
			return nil, pga.ErrDeliveryNotFound
		}
		cp := *agreement
		return &cp, nil
	case "getDeliveryByPGA":
		agreementID, ok := m.s.DeliveryByPGA[arg(0)]
		if !ok {
			return nil, pga.ErrDeliveryNotFound
		}
		cp := *m.s.Deliveries[agreementID]
		return &cp, nil
	case "getLogisticsPartners":
		partners := make([]pga.Partner, 0, len(m.s.Partners))
		for addr, name := range m.s.Partners {
			partners = append(partners, pga.Partner{Address: addr, Name: name})
		}
		return partners, nil
	case "getDeliveryPersons":
		return append([]string{}, m.s.DeliveryPersons...), nil
	case "getTokenDecimals":
		return m.cfg.TokenDecimals, nil
	default:
		return nil, fmt.Errorf("unknown view function: %s", fn)
	}
}

// Receipt returns the receipt of an applied transaction, if any.
func (m *Machine) Receipt(txID string) (*ledger.Receipt, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.s.Receipts[txID]
	return rec, ok
}

// EventsSince returns all events from the given block onward, in emission
// order.
func (m *Machine) EventsSince(fromBlock uint64) []ledger.RawEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.RawEvent, 0)
	for _, e := range m.s.Events {
		if e.BlockNumber >= fromBlock {
			out = append(out, e)
		}
	}
	return out
}

// Height returns the current block height.
func (m *Machine) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.Height
}

// Marshal serializes current contract state for snapshotting.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.s)
}

// Unmarshal restores contract state from a snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	normalizeSnapshot(&s)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}

func normalizeSnapshot(s *snapshot) {
	if s.PGAs == nil {
		s.PGAs = map[string]*pga.Info{}
	}
	if s.IDsByBuyer == nil {
		s.IDsByBuyer = map[string][]string{}
	}
	if s.IDsBySeller == nil {
		s.IDsBySeller = map[string][]string{}
	}
	if s.Votes == nil {
		s.Votes = map[string]map[string]pga.Vote{}
	}
	if s.Deliveries == nil {
		s.Deliveries = map[string]*delivery.Agreement{}
	}
	if s.DeliveryByPGA == nil {
		s.DeliveryByPGA = map[string]string{}
	}
	if s.Balances == nil {
		s.Balances = map[string]uint64{}
	}
	if s.Allowances == nil {
		s.Allowances = map[string]uint64{}
	}
	if s.Stakes == nil {
		s.Stakes = map[string]uint64{}
	}
	if s.Held == nil {
		s.Held = map[string]uint64{}
	}
	if s.Partners == nil {
		s.Partners = map[string]string{}
	}
	if s.Receipts == nil {
		s.Receipts = map[string]*ledger.Receipt{}
	}
}
