package contract

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
	"github.com/escrow-hub/escrow-hub/internal/ledger/protocol"
)

type actor struct {
	priv ed25519.PrivateKey
	addr string
}

func newActor(t *testing.T) actor {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return actor{priv: priv, addr: protocol.AddressFromPublicKey(pub)}
}

func (a actor) tx(t *testing.T, op protocol.Op, payload interface{}) protocol.Tx {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	tx := protocol.Tx{
		TxID:      uuid.NewString(),
		Nonce:     uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Actor:     a.addr,
		Op:        op,
		Payload:   data,
	}
	if err := tx.Sign(a.priv); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return tx
}

type fixture struct {
	machine *Machine
	buyer   actor
	seller  actor
	voter   actor
	partner actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	buyer := newActor(t)
	seller := newActor(t)
	voter := newActor(t)
	partner := newActor(t)
	machine := NewMachine(Config{
		TokenDecimals: 6,
		IssuanceFee:   10,
		GenesisBalances: map[string]uint64{
			buyer.addr: 2000,
		},
		GenesisStakes: map[string]uint64{
			voter.addr: 800,
		},
		GenesisPartners: map[string]string{
			partner.addr: "GlobalFreight",
		},
	})
	return &fixture{machine: machine, buyer: buyer, seller: seller, voter: voter, partner: partner}
}

func (f *fixture) createParams(pgaID string) pga.CreateParams {
	return pga.CreateParams{
		PGAID:             pgaID,
		Buyer:             f.buyer.addr,
		Seller:            f.seller.addr,
		BeneficiaryWallet: f.seller.addr,
		TradeValue:        1000,
		GuaranteeAmount:   800,
		CollateralAmount:  200,
		Duration:          30 * 24 * 3600,
		VotingPeriod:      3600,
	}
}

func (f *fixture) apply(t *testing.T, tx protocol.Tx) {
	t.Helper()
	if _, err := f.machine.Apply(tx); err != nil {
		t.Fatalf("apply %s: %v", tx.Op, err)
	}
}

func (f *fixture) mustFail(t *testing.T, tx protocol.Tx, want error) {
	t.Helper()
	if _, err := f.machine.Apply(tx); !errors.Is(err, want) {
		t.Fatalf("apply %s: got %v, want %v", tx.Op, err, want)
	}
}

// advance drives the agreement to the named stage from scratch.
func (f *fixture) advance(t *testing.T, pgaID string, to pga.Status) {
	t.Helper()
	f.apply(t, f.buyer.tx(t, protocol.OpPGACreate, f.createParams(pgaID)))
	if to == pga.StatusCreated {
		return
	}
	f.apply(t, f.voter.tx(t, protocol.OpPGAVote, protocol.PGAVotePayload{PGAID: pgaID, Support: true}))
	if to == pga.StatusGuaranteeApproved {
		return
	}
	f.apply(t, f.seller.tx(t, protocol.OpSellerVote, protocol.SellerVotePayload{PGAID: pgaID, Approve: true}))
	if to == pga.StatusSellerApproved {
		return
	}
	f.apply(t, f.buyer.tx(t, protocol.OpTokenApprove, protocol.TokenApprovePayload{Amount: 200}))
	f.apply(t, f.buyer.tx(t, protocol.OpPayCollateral, protocol.PGARefPayload{PGAID: pgaID}))
	if to == pga.StatusCollateralPaid {
		return
	}
	f.apply(t, f.buyer.tx(t, protocol.OpPayIssuanceFee, protocol.PGARefPayload{PGAID: pgaID}))
	f.apply(t, f.partner.tx(t, protocol.OpConfirmShipment, protocol.ConfirmShipmentPayload{PGAID: pgaID}))
	if to == pga.StatusGoodsShipped {
		return
	}
	f.apply(t, f.buyer.tx(t, protocol.OpTokenApprove, protocol.TokenApprovePayload{Amount: 600}))
	f.apply(t, f.buyer.tx(t, protocol.OpPayBalance, protocol.PGARefPayload{PGAID: pgaID}))
	if to == pga.StatusBalancePaymentPaid {
		return
	}
	f.apply(t, f.buyer.tx(t, protocol.OpIssueCertificate, protocol.PGARefPayload{PGAID: pgaID}))
	if to == pga.StatusCertificateIssued {
		return
	}
	f.apply(t, f.buyer.tx(t, protocol.OpDeliveryCreate, protocol.DeliveryCreatePayload{
		PGAID:          pgaID,
		AgreementID:    "DA-" + pgaID,
		DeliveryPerson: "courier-1",
		Deadline:       time.Now().Add(72 * time.Hour).Unix(),
	}))
	if to == pga.StatusDeliveryAwaitingConsent {
		return
	}
	f.apply(t, f.buyer.tx(t, protocol.OpBuyerConsent, protocol.BuyerConsentPayload{PGAID: pgaID, Consent: true}))
	f.apply(t, f.seller.tx(t, protocol.OpReleasePayment, protocol.PGARefPayload{PGAID: pgaID}))
}

func (f *fixture) info(t *testing.T, pgaID string) *pga.Info {
	t.Helper()
	result, err := f.machine.Query("getPGA", []string{pgaID})
	if err != nil {
		t.Fatalf("getPGA: %v", err)
	}
	return result.(*pga.Info)
}

func TestFullEscrowLifecycle(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusCompleted)

	info := f.info(t, "PGA-1")
	if info.Status != pga.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", info.Status)
	}
	if !info.CollateralPaid || !info.IssuanceFeePaid || !info.GoodsShipped || !info.BalancePaymentPaid {
		t.Fatalf("milestone flags not all set: %+v", info)
	}
	if info.CertificateIssuedAt == 0 {
		t.Fatal("certificate timestamp not set")
	}

	// Seller ends up with collateral plus balance, the full guaranteed amount.
	balance, err := f.machine.Query("getBalance", []string{f.seller.addr})
	if err != nil {
		t.Fatalf("getBalance: %v", err)
	}
	if balance.(uint64) != 800 {
		t.Fatalf("seller balance = %d, want 800", balance)
	}

	// Buyer paid 200 collateral, 10 fee, 600 balance out of 2000.
	balance, _ = f.machine.Query("getBalance", []string{f.buyer.addr})
	if balance.(uint64) != 1190 {
		t.Fatalf("buyer balance = %d, want 1190", balance)
	}

	wantKinds := []string{
		"PGACreated",
		"PGAVoteCast",
		"PGAStatusChanged",
		"SellerApprovalReceived",
		"PGAStatusChanged",
		"TokenApproved",
		"CollateralPaid",
		"IssuanceFeePaid",
		"GoodsShipped",
		"TokenApproved",
		"BalancePaymentReceived",
		"CertificateIssued",
		"DeliveryAgreementCreated",
		"BuyerConsentGiven",
		"PGACompleted",
		"PGAStatusChanged",
	}
	events := f.machine.EventsSince(0)
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d", len(events), len(wantKinds))
	}
	for i, e := range events {
		if e.Kind != wantKinds[i] {
			t.Fatalf("event[%d] = %s, want %s", i, e.Kind, wantKinds[i])
		}
	}

	// Emission order is strictly increasing by (block, log index).
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if cur.BlockNumber < prev.BlockNumber {
			t.Fatalf("event[%d] block %d precedes block %d", i, cur.BlockNumber, prev.BlockNumber)
		}
		if cur.BlockNumber == prev.BlockNumber && cur.LogIndex <= prev.LogIndex {
			t.Fatalf("event[%d] log index not increasing within block", i)
		}
	}
}

func TestStageGuards(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusCreated)

	// Every later-stage command is rejected before its stage is reached.
	f.mustFail(t, f.buyer.tx(t, protocol.OpPayCollateral, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrInvalidStatus)
	f.mustFail(t, f.buyer.tx(t, protocol.OpPayIssuanceFee, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrInvalidStatus)
	f.mustFail(t, f.partner.tx(t, protocol.OpConfirmShipment, protocol.ConfirmShipmentPayload{PGAID: "PGA-1"}), pga.ErrInvalidStatus)
	f.mustFail(t, f.buyer.tx(t, protocol.OpPayBalance, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrInvalidStatus)
	f.mustFail(t, f.buyer.tx(t, protocol.OpIssueCertificate, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrInvalidStatus)
	f.mustFail(t, f.seller.tx(t, protocol.OpReleasePayment, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrInvalidStatus)

	// Seller decision requires guarantee approval first.
	f.mustFail(t, f.seller.tx(t, protocol.OpSellerVote, protocol.SellerVotePayload{PGAID: "PGA-1", Approve: true}), pga.ErrInvalidStatus)

	// Unknown agreement.
	f.mustFail(t, f.voter.tx(t, protocol.OpPGAVote, protocol.PGAVotePayload{PGAID: "missing", Support: true}), pga.ErrNotFound)
}

func TestIdentityGuards(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusSellerApproved)

	stranger := newActor(t)
	f.mustFail(t, stranger.tx(t, protocol.OpPayCollateral, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrNotAuthorized)

	// Shipment confirmation requires an authorized partner.
	f.apply(t, f.buyer.tx(t, protocol.OpTokenApprove, protocol.TokenApprovePayload{Amount: 200}))
	f.apply(t, f.buyer.tx(t, protocol.OpPayCollateral, protocol.PGARefPayload{PGAID: "PGA-1"}))
	f.apply(t, f.buyer.tx(t, protocol.OpPayIssuanceFee, protocol.PGARefPayload{PGAID: "PGA-1"}))
	f.mustFail(t, stranger.tx(t, protocol.OpConfirmShipment, protocol.ConfirmShipmentPayload{PGAID: "PGA-1"}), pga.ErrNotAuthorized)
}

func TestVotingRules(t *testing.T) {
	f := newFixture(t)
	weak := newActor(t)
	f.apply(t, f.buyer.tx(t, protocol.OpPGACreate, f.createParams("PGA-1")))

	f.mustFail(t, weak.tx(t, protocol.OpPGAVote, protocol.PGAVotePayload{PGAID: "PGA-1", Support: true}), pga.ErrNoVotingPower)

	f.apply(t, f.voter.tx(t, protocol.OpPGAVote, protocol.PGAVotePayload{PGAID: "PGA-1", Support: true}))
	f.mustFail(t, f.voter.tx(t, protocol.OpPGAVote, protocol.PGAVotePayload{PGAID: "PGA-1", Support: false}), pga.ErrAlreadyVoted)

	info := f.info(t, "PGA-1")
	if info.VotesFor != 800 {
		t.Fatalf("votesFor = %d, want 800", info.VotesFor)
	}
	if info.Status != pga.StatusGuaranteeApproved {
		t.Fatalf("status = %s, want GUARANTEE_APPROVED", info.Status)
	}

	// Voting only happens in the CREATED stage.
	f.mustFail(t, f.voter.tx(t, protocol.OpPGAVote, protocol.PGAVotePayload{PGAID: "PGA-1", Support: true}), pga.ErrInvalidStatus)
}

func TestSellerVoteOnce(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusGuaranteeApproved)

	f.mustFail(t, f.voter.tx(t, protocol.OpSellerVote, protocol.SellerVotePayload{PGAID: "PGA-1", Approve: true}), pga.ErrNotAuthorized)
	f.apply(t, f.seller.tx(t, protocol.OpSellerVote, protocol.SellerVotePayload{PGAID: "PGA-1", Approve: true}))
	f.mustFail(t, f.seller.tx(t, protocol.OpSellerVote, protocol.SellerVotePayload{PGAID: "PGA-1", Approve: true}), pga.ErrInvalidStatus)
}

func TestSellerRejectionTerminates(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusGuaranteeApproved)
	f.apply(t, f.seller.tx(t, protocol.OpSellerVote, protocol.SellerVotePayload{PGAID: "PGA-1", Approve: false}))

	info := f.info(t, "PGA-1")
	if info.Status != pga.StatusRejected {
		t.Fatalf("status = %s, want REJECTED", info.Status)
	}
	f.mustFail(t, f.buyer.tx(t, protocol.OpPayCollateral, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrInvalidStatus)
}

func TestPaymentFundsGuards(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusSellerApproved)

	// No allowance granted yet.
	f.mustFail(t, f.buyer.tx(t, protocol.OpPayCollateral, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrInsufficientAllowance)

	// Allowance present but balance too low.
	poor := newActor(t)
	f.apply(t, f.buyer.tx(t, protocol.OpPGACreate, func() pga.CreateParams {
		p := f.createParams("PGA-2")
		p.Buyer = poor.addr
		return p
	}()))
	f.apply(t, f.voter.tx(t, protocol.OpPGAVote, protocol.PGAVotePayload{PGAID: "PGA-2", Support: true}))
	f.apply(t, f.seller.tx(t, protocol.OpSellerVote, protocol.SellerVotePayload{PGAID: "PGA-2", Approve: true}))
	f.apply(t, poor.tx(t, protocol.OpTokenApprove, protocol.TokenApprovePayload{Amount: 200}))
	f.mustFail(t, poor.tx(t, protocol.OpPayCollateral, protocol.PGARefPayload{PGAID: "PGA-2"}), pga.ErrInsufficientBalance)
}

func TestMilestoneMonotonicity(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusCollateralPaid)

	f.mustFail(t, f.buyer.tx(t, protocol.OpPayCollateral, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrCollateralPaid)

	f.apply(t, f.buyer.tx(t, protocol.OpPayIssuanceFee, protocol.PGARefPayload{PGAID: "PGA-1"}))
	f.mustFail(t, f.buyer.tx(t, protocol.OpPayIssuanceFee, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrIssuanceFeePaid)

	f.apply(t, f.partner.tx(t, protocol.OpConfirmShipment, protocol.ConfirmShipmentPayload{PGAID: "PGA-1"}))
	f.mustFail(t, f.partner.tx(t, protocol.OpConfirmShipment, protocol.ConfirmShipmentPayload{PGAID: "PGA-1"}), pga.ErrGoodsShipped)

	f.apply(t, f.buyer.tx(t, protocol.OpTokenApprove, protocol.TokenApprovePayload{Amount: 600}))
	f.apply(t, f.buyer.tx(t, protocol.OpPayBalance, protocol.PGARefPayload{PGAID: "PGA-1"}))
	f.mustFail(t, f.buyer.tx(t, protocol.OpPayBalance, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrBalancePaid)

	f.apply(t, f.buyer.tx(t, protocol.OpIssueCertificate, protocol.PGARefPayload{PGAID: "PGA-1"}))
	f.mustFail(t, f.buyer.tx(t, protocol.OpIssueCertificate, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrCertificateIssued)
}

func TestReleaseRequiresConsent(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusDeliveryAwaitingConsent)

	f.mustFail(t, f.seller.tx(t, protocol.OpReleasePayment, protocol.PGARefPayload{PGAID: "PGA-1"}), pga.ErrConsentRequired)
	f.apply(t, f.buyer.tx(t, protocol.OpBuyerConsent, protocol.BuyerConsentPayload{PGAID: "PGA-1", Consent: true}))
	f.mustFail(t, f.buyer.tx(t, protocol.OpBuyerConsent, protocol.BuyerConsentPayload{PGAID: "PGA-1", Consent: true}), pga.ErrConsentGiven)
	f.apply(t, f.seller.tx(t, protocol.OpReleasePayment, protocol.PGARefPayload{PGAID: "PGA-1"}))
}

func TestDisputeRefundsHeldFunds(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusCollateralPaid)

	before, _ := f.machine.Query("getBalance", []string{f.buyer.addr})
	f.apply(t, f.buyer.tx(t, protocol.OpPGADispute, protocol.TerminalPayload{PGAID: "PGA-1", Reason: "goods never produced"}))

	info := f.info(t, "PGA-1")
	if info.Status != pga.StatusDisputed {
		t.Fatalf("status = %s, want DISPUTED", info.Status)
	}
	after, _ := f.machine.Query("getBalance", []string{f.buyer.addr})
	if after.(uint64) != before.(uint64)+200 {
		t.Fatalf("collateral not refunded: before=%d after=%d", before, after)
	}

	// Terminal states accept no further transitions.
	f.mustFail(t, f.buyer.tx(t, protocol.OpPGACancel, protocol.TerminalPayload{PGAID: "PGA-1"}), pga.ErrInvalidStatus)
}

func TestExpireRequiresDeadline(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusCreated)

	f.mustFail(t, f.voter.tx(t, protocol.OpPGAExpire, protocol.TerminalPayload{PGAID: "PGA-1"}), pga.ErrInvalidStatus)

	late := f.voter.tx(t, protocol.OpPGAExpire, protocol.TerminalPayload{PGAID: "PGA-1"})
	late.Timestamp = time.Now().UTC().Add(2 * time.Hour)
	if err := late.Sign(f.voter.priv); err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	f.apply(t, late)

	if got := f.info(t, "PGA-1").Status; got != pga.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got)
	}
}

func TestApplyIsIdempotentPerTxID(t *testing.T) {
	f := newFixture(t)
	tx := f.buyer.tx(t, protocol.OpPGACreate, f.createParams("PGA-1"))

	first, err := f.machine.Apply(tx)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := f.machine.Apply(tx)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if first != second {
		t.Fatal("replayed tx did not return the original receipt")
	}
	if f.machine.Height() != 1 {
		t.Fatalf("height = %d, want 1", f.machine.Height())
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	f := newFixture(t)
	tx := f.buyer.tx(t, protocol.OpPGACreate, f.createParams("PGA-1"))
	other := newActor(t)
	tx.Actor = other.addr

	if _, err := f.machine.Apply(tx); err == nil {
		t.Fatal("tx with mismatched actor was accepted")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusGoodsShipped)

	data, err := f.machine.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored := NewMachine(Config{IssuanceFee: 10})
	if err := restored.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	result, err := restored.Query("getPGA", []string{"PGA-1"})
	if err != nil {
		t.Fatalf("getPGA after restore: %v", err)
	}
	info := result.(*pga.Info)
	if info.Status != pga.StatusGoodsShipped || !info.GoodsShipped {
		t.Fatalf("restored info mismatch: %+v", info)
	}
	if restored.Height() != f.machine.Height() {
		t.Fatalf("height mismatch: %d vs %d", restored.Height(), f.machine.Height())
	}
}

func TestPoolStats(t *testing.T) {
	f := newFixture(t)
	f.advance(t, "PGA-1", pga.StatusCompleted)
	f.advance(t, "PGA-2", pga.StatusCollateralPaid)

	result, err := f.machine.Query("getPoolStats", nil)
	if err != nil {
		t.Fatalf("getPoolStats: %v", err)
	}
	stats := result.(pga.PoolStats)
	if stats.CompletedPGAs != 1 || stats.ActivePGAs != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.TotalStaked != 800 || stats.TotalGuaranteed != 800 {
		t.Fatalf("stats = %+v", stats)
	}
}
