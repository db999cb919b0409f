package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/escrow-hub/escrow-hub/internal/ledger/protocol"
)

// ErrTxPending is returned by WaitForConfirmation when the confirmation
// window elapses while the transaction may still land. Callers must
// re-query state rather than assume failure.
var ErrTxPending = errors.New("transaction still pending")

// ErrTxNotFound is returned when a handle references no known transaction.
var ErrTxNotFound = errors.New("transaction not found")

// TxHandle references one submitted transaction.
type TxHandle struct {
	Hash        string    `json:"hash"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// RawEvent is one undecoded contract event log entry.
type RawEvent struct {
	Kind        string          `json:"kind"`
	PGAID       string          `json:"pgaId"`
	Data        json.RawMessage `json:"data"`
	BlockNumber uint64          `json:"blockNumber"`
	LogIndex    uint32          `json:"logIndex"`
	TxHash      string          `json:"txHash"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Receipt is the confirmation record of an applied transaction.
type Receipt struct {
	TxHash      string     `json:"txHash"`
	BlockNumber uint64     `json:"blockNumber"`
	Timestamp   time.Time  `json:"timestamp"`
	Events      []RawEvent `json:"events"`
}

// Client is the generic ledger capability this service consumes. The
// escrow contract is the single writer of durable state; every mutation
// here is a transaction submission the contract alone accepts or rejects.
type Client interface {
	// Read executes a contract view function and returns the encoded result.
	Read(ctx context.Context, fn string, args []string) (json.RawMessage, error)
	// Submit broadcasts a signed transaction. Guard violations surface as
	// guard errors; the transaction is not retried by this layer.
	Submit(ctx context.Context, tx protocol.Tx) (TxHandle, error)
	// WaitForConfirmation blocks until a receipt is available or the
	// confirmation window elapses (ErrTxPending).
	WaitForConfirmation(ctx context.Context, handle TxHandle) (*Receipt, error)
	// GetLogs returns contract events from the given block onward, in
	// emission order (block number, then log index).
	GetLogs(ctx context.Context, fromBlock uint64) ([]RawEvent, error)
}

// Signer signs transactions on behalf of one address. Raw key material
// never crosses this boundary.
type Signer interface {
	Address() string
	Sign(tx *protocol.Tx) error
}
