package protocol

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Op defines the escrow contract writes accepted by the ledger.
type Op string

const (
	OpTokenMint        Op = "TOKEN_MINT"
	OpTokenApprove     Op = "TOKEN_APPROVE"
	OpStakeDeposit     Op = "STAKE_DEPOSIT"
	OpPartnerAuthorize Op = "PARTNER_AUTHORIZE"
	OpDeliveryPersonRegister Op = "DELIVERY_PERSON_REGISTER"
	OpPGACreate        Op = "PGA_CREATE"
	OpPGAVote          Op = "PGA_VOTE"
	OpSellerVote       Op = "SELLER_VOTE"
	OpPayCollateral    Op = "PAY_COLLATERAL"
	OpPayIssuanceFee   Op = "PAY_ISSUANCE_FEE"
	OpConfirmShipment  Op = "CONFIRM_SHIPMENT"
	OpPayBalance       Op = "PAY_BALANCE"
	OpIssueCertificate Op = "ISSUE_CERTIFICATE"
	OpDeliveryCreate   Op = "DELIVERY_CREATE"
	OpBuyerConsent     Op = "BUYER_CONSENT"
	OpReleasePayment   Op = "RELEASE_PAYMENT"
	OpPGACancel        Op = "PGA_CANCEL"
	OpPGAExpire        Op = "PGA_EXPIRE"
	OpPGADispute       Op = "PGA_DISPUTE"
)

var validOps = map[Op]struct{}{
	OpTokenMint: {}, OpTokenApprove: {}, OpStakeDeposit: {},
	OpPartnerAuthorize: {}, OpDeliveryPersonRegister: {},
	OpPGACreate: {}, OpPGAVote: {}, OpSellerVote: {},
	OpPayCollateral: {}, OpPayIssuanceFee: {}, OpConfirmShipment: {},
	OpPayBalance: {}, OpIssueCertificate: {}, OpDeliveryCreate: {},
	OpBuyerConsent: {}, OpReleasePayment: {},
	OpPGACancel: {}, OpPGAExpire: {}, OpPGADispute: {},
}

// Tx is the signed command envelope submitted to the ledger.
type Tx struct {
	TxID      string          `json:"tx_id"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Op              `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"` // base64 raw ed25519 public key
	Signature string          `json:"signature"`  // base64 raw signature
}

type txSignable struct {
	TxID      string          `json:"tx_id"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Op              `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	PublicKey string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload.
func (t Tx) CanonicalBytes() ([]byte, error) {
	signable := txSignable{
		TxID:      strings.TrimSpace(t.TxID),
		Nonce:     strings.TrimSpace(t.Nonce),
		Timestamp: t.Timestamp.UTC(),
		Actor:     strings.TrimSpace(t.Actor),
		Op:        t.Op,
		Payload:   t.Payload,
		PublicKey: strings.TrimSpace(t.PublicKey),
	}
	return json.Marshal(signable)
}

// ValidateBasic checks required immutable tx fields.
func (t Tx) ValidateBasic() error {
	if strings.TrimSpace(t.TxID) == "" {
		return errors.New("tx_id is required")
	}
	if strings.TrimSpace(t.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if strings.TrimSpace(t.Actor) == "" {
		return errors.New("actor is required")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := validOps[t.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", t.Op)
	}
	if len(t.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(t.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(t.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets tx public key/signature for the given private key.
func (t *Tx) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	t.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(privateKey, payload)
	t.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify validates the tx signature and that the actor address matches the
// included public key. Identity guards downstream rely on this binding.
func (t Tx) Verify() error {
	if err := t.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	if AddressFromPublicKey(ed25519.PublicKey(pubRaw)) != strings.TrimSpace(t.Actor) {
		return errors.New("actor does not match public key")
	}
	return nil
}

// AddressFromPublicKey derives the ledger address bound to a key.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[:20])
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

type TokenMintPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type TokenApprovePayload struct {
	Amount uint64 `json:"amount"`
}

type StakeDepositPayload struct {
	Amount uint64 `json:"amount"`
}

type PartnerAuthorizePayload struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type DeliveryPersonRegisterPayload struct {
	Name string `json:"name"`
}

type PGAVotePayload struct {
	PGAID   string `json:"pga_id"`
	Support bool   `json:"support"`
}

type SellerVotePayload struct {
	PGAID   string `json:"pga_id"`
	Approve bool   `json:"approve"`
}

type PGARefPayload struct {
	PGAID string `json:"pga_id"`
}

type ConfirmShipmentPayload struct {
	PGAID       string `json:"pga_id"`
	PartnerName string `json:"partner_name"`
}

type DeliveryCreatePayload struct {
	PGAID          string `json:"pga_id"`
	AgreementID    string `json:"agreement_id"`
	DeliveryPerson string `json:"delivery_person"`
	Deadline       int64  `json:"deadline"`
}

type BuyerConsentPayload struct {
	PGAID            string `json:"pga_id"`
	Consent          bool   `json:"consent"`
	DeliveryNotes    string `json:"delivery_notes,omitempty"`
	DeliveryProofURI string `json:"delivery_proof_uri,omitempty"`
}

type TerminalPayload struct {
	PGAID  string `json:"pga_id"`
	Reason string `json:"reason,omitempty"`
}
