package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/escrow-hub/escrow-hub/internal/ledger/protocol"
)

// ErrKeyNotFound is returned when no key matches the requested id.
var ErrKeyNotFound = errors.New("signing key not found")

// StaticKeyStore holds ed25519 signing keys in memory, indexed by key id.
// Raw key material never leaves the store; callers get a Signer.
type StaticKeyStore struct {
	mu           sync.RWMutex
	keys         map[string]ed25519.PrivateKey
	defaultKeyID string
}

// NewFromEnv builds a keystore from environment variables.
// SIGNING_KEYS format: "keyId:hexSeed,keyId2:hexSeed" where each seed is a
// 32-byte hex ed25519 seed. SIGNING_DEFAULT_KEY_ID names the default key.
func NewFromEnv() (*StaticKeyStore, error) {
	ks := &StaticKeyStore{
		keys:         map[string]ed25519.PrivateKey{},
		defaultKeyID: os.Getenv("SIGNING_DEFAULT_KEY_ID"),
	}
	raw := os.Getenv("SIGNING_KEYS")
	if raw == "" {
		return ks, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New("invalid SIGNING_KEYS format")
		}
		seed, err := hex.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", parts[0], err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key %s: seed must be %d bytes", parts[0], ed25519.SeedSize)
		}
		ks.keys[parts[0]] = ed25519.NewKeyFromSeed(seed)
	}
	return ks, nil
}

// NewStatic builds a keystore from preloaded keys, for tests and dev setup.
func NewStatic(keys map[string]ed25519.PrivateKey, defaultKeyID string) *StaticKeyStore {
	cp := make(map[string]ed25519.PrivateKey, len(keys))
	for id, key := range keys {
		cp[id] = key
	}
	return &StaticKeyStore{keys: cp, defaultKeyID: defaultKeyID}
}

// Add registers a key under the given id, replacing any previous one.
func (s *StaticKeyStore) Add(keyID string, key ed25519.PrivateKey) {
	s.mu.Lock()
	s.keys[keyID] = key
	s.mu.Unlock()
}

// Signer returns a transaction signer for the given key id. An empty id
// selects the default key.
func (s *StaticKeyStore) Signer(keyID string) (*KeySigner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if keyID == "" {
		keyID = s.defaultKeyID
	}
	key, ok := s.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return NewKeySigner(key), nil
}

// KeySigner signs ledger transactions with one ed25519 key.
type KeySigner struct {
	key  ed25519.PrivateKey
	addr string
}

// NewKeySigner wraps a private key as a transaction signer.
func NewKeySigner(key ed25519.PrivateKey) *KeySigner {
	pub := key.Public().(ed25519.PublicKey)
	return &KeySigner{key: key, addr: protocol.AddressFromPublicKey(pub)}
}

// Address returns the ledger address derived from the signing key.
func (s *KeySigner) Address() string {
	return s.addr
}

// Sign sets the transaction's public key and signature.
func (s *KeySigner) Sign(tx *protocol.Tx) error {
	return tx.Sign(s.key)
}
