package event

import (
	"encoding/json"
	"time"
)

// Kind identifies one ledger event type emitted by a stage transition.
type Kind string

const (
	KindPGACreated               Kind = "PGACreated"
	KindPGAVoteCast              Kind = "PGAVoteCast"
	KindSellerApprovalReceived   Kind = "SellerApprovalReceived"
	KindCollateralPaid           Kind = "CollateralPaid"
	KindIssuanceFeePaid          Kind = "IssuanceFeePaid"
	KindGoodsShipped             Kind = "GoodsShipped"
	KindBalancePaymentReceived   Kind = "BalancePaymentReceived"
	KindCertificateIssued        Kind = "CertificateIssued"
	KindDeliveryAgreementCreated Kind = "DeliveryAgreementCreated"
	KindBuyerConsentGiven        Kind = "BuyerConsentGiven"
	KindPGACompleted             Kind = "PGACompleted"
	KindPGAStatusChanged         Kind = "PGAStatusChanged"
	KindUnknown                  Kind = "Unknown"
)

// Event is an immutable fact projected from the ledger's event log. Events
// are ordered by (BlockNumber, LogIndex); Timestamp is advisory block time.
type Event struct {
	Kind        Kind      `json:"kind"`
	PGAID       string    `json:"pgaId"`
	BlockNumber uint64    `json:"blockNumber"`
	LogIndex    uint32    `json:"logIndex"`
	TxHash      string    `json:"transactionHash"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     Payload   `json:"data"`
}

// Payload is the transition-specific decoded event body.
type Payload interface {
	EventKind() Kind
}

type CreatedPayload struct {
	Buyer            string `json:"buyer"`
	Seller           string `json:"seller"`
	TradeValue       uint64 `json:"tradeValue"`
	GuaranteeAmount  uint64 `json:"guaranteeAmount"`
	CollateralAmount uint64 `json:"collateralAmount"`
	Duration         int64  `json:"duration"`
	VotingDeadline   int64  `json:"votingDeadline"`
}

func (CreatedPayload) EventKind() Kind { return KindPGACreated }

type VoteCastPayload struct {
	Voter        string `json:"voter"`
	Support      bool   `json:"support"`
	VotingPower  uint64 `json:"votingPower"`
	VotesFor     uint64 `json:"votesFor"`
	VotesAgainst uint64 `json:"votesAgainst"`
}

func (VoteCastPayload) EventKind() Kind { return KindPGAVoteCast }

type SellerApprovalPayload struct {
	Seller   string `json:"seller"`
	Approved bool   `json:"approved"`
}

func (SellerApprovalPayload) EventKind() Kind { return KindSellerApprovalReceived }

type CollateralPaidPayload struct {
	Payer            string `json:"payer"`
	CollateralAmount uint64 `json:"collateralAmount"`
}

func (CollateralPaidPayload) EventKind() Kind { return KindCollateralPaid }

type IssuanceFeePaidPayload struct {
	Payer string `json:"payer"`
	Fee   uint64 `json:"fee"`
}

func (IssuanceFeePaidPayload) EventKind() Kind { return KindIssuanceFeePaid }

type GoodsShippedPayload struct {
	LogisticPartner string `json:"logisticPartner"`
}

func (GoodsShippedPayload) EventKind() Kind { return KindGoodsShipped }

type BalancePaymentPayload struct {
	Payer  string `json:"payer"`
	Amount uint64 `json:"amount"`
}

func (BalancePaymentPayload) EventKind() Kind { return KindBalancePaymentReceived }

type CertificateIssuedPayload struct {
	IssuedAt int64 `json:"issuedAt"`
}

func (CertificateIssuedPayload) EventKind() Kind { return KindCertificateIssued }

type DeliveryCreatedPayload struct {
	AgreementID    string `json:"agreementId"`
	DeliveryPerson string `json:"deliveryPerson"`
	Deadline       int64  `json:"deadline"`
}

func (DeliveryCreatedPayload) EventKind() Kind { return KindDeliveryAgreementCreated }

type BuyerConsentPayload struct {
	Buyer   string `json:"buyer"`
	Consent bool   `json:"consent"`
}

func (BuyerConsentPayload) EventKind() Kind { return KindBuyerConsentGiven }

type CompletedPayload struct {
	Seller         string `json:"seller"`
	AmountReleased uint64 `json:"amountReleased"`
}

func (CompletedPayload) EventKind() Kind { return KindPGACompleted }

type StatusChangedPayload struct {
	Previous int    `json:"previous"`
	Current  int    `json:"current"`
	Reason   string `json:"reason,omitempty"`
}

func (StatusChangedPayload) EventKind() Kind { return KindPGAStatusChanged }

// UnknownPayload carries any event kind the decode table does not know.
// Unknown events are kept, never dropped, so newer contract versions do
// not lose data here.
type UnknownPayload struct {
	RawKind string          `json:"rawKind"`
	Data    json.RawMessage `json:"data"`
}

func (UnknownPayload) EventKind() Kind { return KindUnknown }

var decoders = map[Kind]func(json.RawMessage) (Payload, error){
	KindPGACreated:               decodeInto[CreatedPayload],
	KindPGAVoteCast:              decodeInto[VoteCastPayload],
	KindSellerApprovalReceived:   decodeInto[SellerApprovalPayload],
	KindCollateralPaid:           decodeInto[CollateralPaidPayload],
	KindIssuanceFeePaid:          decodeInto[IssuanceFeePaidPayload],
	KindGoodsShipped:             decodeInto[GoodsShippedPayload],
	KindBalancePaymentReceived:   decodeInto[BalancePaymentPayload],
	KindCertificateIssued:        decodeInto[CertificateIssuedPayload],
	KindDeliveryAgreementCreated: decodeInto[DeliveryCreatedPayload],
	KindBuyerConsentGiven:        decodeInto[BuyerConsentPayload],
	KindPGACompleted:             decodeInto[CompletedPayload],
	KindPGAStatusChanged:         decodeInto[StatusChangedPayload],
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var out T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecodePayload decodes a raw event body by kind. Unknown kinds fall back
// to UnknownPayload tagged with the raw kind string.
func DecodePayload(rawKind string, data json.RawMessage) (Payload, error) {
	if dec, ok := decoders[Kind(rawKind)]; ok {
		return dec(data)
	}
	return UnknownPayload{RawKind: rawKind, Data: data}, nil
}
