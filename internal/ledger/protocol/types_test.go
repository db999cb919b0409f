package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func signedTx(t *testing.T) (Tx, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload, _ := json.Marshal(PGAVotePayload{PGAID: "PGA-001", Support: true})
	tx := Tx{
		TxID:      "tx-1",
		Nonce:     "nonce-1",
		Timestamp: time.Now().UTC(),
		Actor:     AddressFromPublicKey(pub),
		Op:        OpPGAVote,
		Payload:   payload,
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx, priv
}

func TestSignAndVerify(t *testing.T) {
	tx, _ := signedTx(t)
	if err := tx.Verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	tx, _ := signedTx(t)
	tx.Payload, _ = json.Marshal(PGAVotePayload{PGAID: "PGA-001", Support: false})
	if err := tx.Verify(); err == nil {
		t.Fatal("tampered payload must fail verification")
	}
}

func TestVerifyRejectsActorMismatch(t *testing.T) {
	tx, _ := signedTx(t)
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	tx.Actor = AddressFromPublicKey(otherPub)
	if err := tx.Verify(); err == nil {
		t.Fatal("actor not bound to public key must fail verification")
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	tx, _ := signedTx(t)
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	sig := tx.Signature
	if err := tx.Sign(otherPriv); err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	tx.Signature = sig
	if err := tx.Verify(); err == nil {
		t.Fatal("signature from another key must fail verification")
	}
}

func TestValidateBasic(t *testing.T) {
	base, _ := signedTx(t)
	cases := []struct {
		name   string
		mutate func(*Tx)
	}{
		{"missing tx id", func(tx *Tx) { tx.TxID = " " }},
		{"missing nonce", func(tx *Tx) { tx.Nonce = "" }},
		{"missing actor", func(tx *Tx) { tx.Actor = "" }},
		{"zero timestamp", func(tx *Tx) { tx.Timestamp = time.Time{} }},
		{"unsupported op", func(tx *Tx) { tx.Op = Op("SELF_DESTRUCT") }},
		{"empty payload", func(tx *Tx) { tx.Payload = nil }},
		{"missing public key", func(tx *Tx) { tx.PublicKey = "" }},
		{"missing signature", func(tx *Tx) { tx.Signature = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := base
			tc.mutate(&tx)
			if err := tx.ValidateBasic(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := base.ValidateBasic(); err != nil {
		t.Fatalf("valid tx rejected: %v", err)
	}
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	tx, _ := signedTx(t)
	a, err := tx.CanonicalBytes()
	if err != nil {
		t.Fatalf("canonical bytes: %v", err)
	}
	b, err := tx.CanonicalBytes()
	if err != nil {
		t.Fatalf("canonical bytes: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("canonical bytes must be deterministic")
	}
	if strings.Contains(string(a), tx.Signature) && tx.Signature != "" {
		t.Fatal("signature must not be part of the signed payload")
	}
}

func TestAddressFromPublicKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	addr := AddressFromPublicKey(pub)
	if !strings.HasPrefix(addr, "0x") {
		t.Fatalf("address missing 0x prefix: %s", addr)
	}
	if len(addr) != 42 {
		t.Fatalf("address must be 20 bytes hex encoded, got %d chars", len(addr))
	}
	if AddressFromPublicKey(pub) != addr {
		t.Fatal("address derivation must be deterministic")
	}
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if AddressFromPublicKey(otherPub) == addr {
		t.Fatal("distinct keys must derive distinct addresses")
	}
}

func TestDecodePayloadRoundsTrips(t *testing.T) {
	raw, _ := json.Marshal(DeliveryCreatePayload{
		PGAID:          "PGA-001",
		AgreementID:    "DA-001",
		DeliveryPerson: "Courier One",
		Deadline:       1700000000,
	})
	decoded, err := DecodePayload[DeliveryCreatePayload](raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.AgreementID != "DA-001" || decoded.DeliveryPerson != "Courier One" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}
