package pga

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle stage of a pool guarantee agreement.
// Values mirror the on-ledger enum and must not be reordered.
type Status int

const (
	StatusNone Status = iota
	StatusCreated
	StatusGuaranteeApproved
	StatusSellerApproved
	StatusCollateralPaid
	StatusGoodsShipped
	StatusBalancePaymentPaid
	StatusCertificateIssued
	StatusDeliveryAwaitingConsent
	StatusCompleted
	StatusRejected
	StatusExpired
	StatusDisputed
)

var statusNames = map[Status]string{
	StatusNone:                    "NONE",
	StatusCreated:                 "CREATED",
	StatusGuaranteeApproved:       "GUARANTEE_APPROVED",
	StatusSellerApproved:          "SELLER_APPROVED",
	StatusCollateralPaid:          "COLLATERAL_PAID",
	StatusGoodsShipped:            "GOODS_SHIPPED",
	StatusBalancePaymentPaid:      "BALANCE_PAYMENT_PAID",
	StatusCertificateIssued:       "CERTIFICATE_ISSUED",
	StatusDeliveryAwaitingConsent: "DELIVERY_AWAITING_CONSENT",
	StatusCompleted:               "COMPLETED",
	StatusRejected:                "REJECTED",
	StatusExpired:                 "EXPIRED",
	StatusDisputed:                "DISPUTED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// Terminal reports whether the status has no outgoing transitions.
// Disputed resolution is a manual process outside this service.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusExpired, StatusDisputed:
		return true
	}
	return false
}

// CanTransitionTo validates a status transition. Forward progress follows
// the stage graph; Rejected/Expired/Disputed are reachable from any
// non-terminal state.
func (s Status) CanTransitionTo(target Status) bool {
	if s.Terminal() {
		return false
	}
	switch target {
	case StatusRejected, StatusExpired, StatusDisputed:
		return true
	}
	transitions := map[Status][]Status{
		StatusNone:                    {StatusCreated},
		StatusCreated:                 {StatusGuaranteeApproved},
		StatusGuaranteeApproved:       {StatusSellerApproved},
		StatusSellerApproved:          {StatusCollateralPaid},
		StatusCollateralPaid:          {StatusGoodsShipped},
		StatusGoodsShipped:            {StatusBalancePaymentPaid},
		StatusBalancePaymentPaid:      {StatusCertificateIssued},
		StatusCertificateIssued:       {StatusDeliveryAwaitingConsent},
		StatusDeliveryAwaitingConsent: {StatusCompleted},
	}
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Info is the read model of one pool guarantee agreement. The ledger is the
// canonical source; this struct is a decoded, cacheable shadow of it.
type Info struct {
	PGAID             string   `json:"pgaId"`
	Buyer             string   `json:"buyer"`
	Seller            string   `json:"seller"`
	BeneficiaryWallet string   `json:"beneficiaryWallet"`
	TradeValue        uint64   `json:"tradeValue"`
	GuaranteeAmount   uint64   `json:"guaranteeAmount"`
	CollateralAmount  uint64   `json:"collateralAmount"`
	Duration          int64    `json:"duration"`
	VotesFor          uint64   `json:"votesFor"`
	VotesAgainst      uint64   `json:"votesAgainst"`
	VotingDeadline    int64    `json:"votingDeadline"`
	Status            Status   `json:"status"`
	CollateralPaid    bool     `json:"collateralPaid"`
	IssuanceFeePaid   bool     `json:"issuanceFeePaid"`
	BalancePaymentPaid bool    `json:"balancePaymentPaid"`
	GoodsShipped      bool     `json:"goodsShipped"`
	LogisticPartner   string   `json:"logisticPartner,omitempty"`
	CertificateIssuedAt int64  `json:"certificateIssuedAt"`
	DeliveryAgreementID string `json:"deliveryAgreementId,omitempty"`
	MetadataURI       string   `json:"metadataUri,omitempty"`
	CompanyName       string   `json:"companyName,omitempty"`
	RegistrationNumber string  `json:"registrationNumber,omitempty"`
	TradeDescription  string   `json:"tradeDescription,omitempty"`
	BeneficiaryName   string   `json:"beneficiaryName,omitempty"`
	Documents         []string `json:"documents,omitempty"`
	CreatedAt         int64    `json:"createdAt"`
}

// BalanceDue returns the balance payment owed after shipment. The seller
// receives the guaranteed amount in total: collateral up front, balance
// after goods ship.
func (i *Info) BalanceDue() uint64 {
	if i.GuaranteeAmount <= i.CollateralAmount {
		return 0
	}
	return i.GuaranteeAmount - i.CollateralAmount
}

// VotingClosed reports whether the pool voting window has passed.
func (i *Info) VotingClosed(now time.Time) bool {
	return i.VotingDeadline > 0 && now.Unix() > i.VotingDeadline
}

// CreateParams carries caller input for a new agreement.
type CreateParams struct {
	PGAID              string   `json:"pgaId"`
	Buyer              string   `json:"buyer"`
	Seller             string   `json:"seller"`
	BeneficiaryWallet  string   `json:"beneficiaryWallet"`
	TradeValue         uint64   `json:"tradeValue"`
	GuaranteeAmount    uint64   `json:"guaranteeAmount"`
	CollateralAmount   uint64   `json:"collateralAmount"`
	Duration           int64    `json:"duration"`
	VotingPeriod       int64    `json:"votingPeriod,omitempty"`
	MetadataURI        string   `json:"metadataUri,omitempty"`
	CompanyName        string   `json:"companyName,omitempty"`
	RegistrationNumber string   `json:"registrationNumber,omitempty"`
	TradeDescription   string   `json:"tradeDescription,omitempty"`
	BeneficiaryName    string   `json:"beneficiaryName,omitempty"`
	Documents          []string `json:"documents,omitempty"`
}

// Validate rejects malformed creation input before any ledger call.
func (p *CreateParams) Validate() error {
	if strings.TrimSpace(p.PGAID) == "" {
		return &ValidationError{Field: "pgaId", Reason: "required"}
	}
	if err := ValidateAddress(p.Buyer); err != nil {
		return &ValidationError{Field: "buyer", Reason: err.Error()}
	}
	if err := ValidateAddress(p.Seller); err != nil {
		return &ValidationError{Field: "seller", Reason: err.Error()}
	}
	if err := ValidateAddress(p.BeneficiaryWallet); err != nil {
		return &ValidationError{Field: "beneficiaryWallet", Reason: err.Error()}
	}
	if p.TradeValue == 0 {
		return &ValidationError{Field: "tradeValue", Reason: "must be positive"}
	}
	if p.GuaranteeAmount == 0 {
		return &ValidationError{Field: "guaranteeAmount", Reason: "must be positive"}
	}
	if p.CollateralAmount == 0 {
		return &ValidationError{Field: "collateralAmount", Reason: "must be positive"}
	}
	if p.GuaranteeAmount > p.TradeValue {
		return &ValidationError{Field: "guaranteeAmount", Reason: "exceeds trade value"}
	}
	if p.CollateralAmount > p.GuaranteeAmount {
		return &ValidationError{Field: "collateralAmount", Reason: "exceeds guarantee amount"}
	}
	if p.Duration <= 0 {
		return &ValidationError{Field: "duration", Reason: "must be positive"}
	}
	return nil
}

// ValidateAddress checks the shape of a ledger address.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if !strings.HasPrefix(addr, "0x") || len(addr) < 10 {
		return fmt.Errorf("malformed address: %s", addr)
	}
	return nil
}

// Vote is one pool member's (or the seller's) recorded vote. Append-only;
// one vote per address per agreement.
type Vote struct {
	PGAID       string `json:"pgaId"`
	Voter       string `json:"voter"`
	Support     bool   `json:"support"`
	VotingPower uint64 `json:"votingPower"`
	VotedAt     int64  `json:"votedAt"`
}

// PoolStats is advisory, display-only aggregate data. Reads of it degrade
// to the zero value instead of failing the surrounding view.
type PoolStats struct {
	TotalStaked     uint64 `json:"totalStaked"`
	TotalGuaranteed uint64 `json:"totalGuaranteed"`
	ActivePGAs      uint64 `json:"activePgas"`
	CompletedPGAs   uint64 `json:"completedPgas"`
}

// Partner is an authorized logistics partner.
type Partner struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// FormatAmount renders a minor-unit token amount as a decimal string.
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}
	div := uint64(1)
	for i := uint8(0); i < decimals; i++ {
		div *= 10
	}
	whole := amount / div
	frac := amount % div
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", decimals, frac), "0")
	return fmt.Sprintf("%d.%s", whole, fracStr)
}
