package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/escrow-hub/escrow-hub/internal/ledger"
	"github.com/escrow-hub/escrow-hub/internal/ledger/contract"
	"github.com/escrow-hub/escrow-hub/internal/ledger/protocol"
)

// Client is an in-process ledger backed by a single contract machine.
// Transactions apply synchronously; guard violations surface on Submit.
// Used for development deployments and tests.
type Client struct {
	mu      sync.RWMutex
	machine *contract.Machine
	pending map[string]error // submit results by tx hash
}

// NewClient wraps a contract machine as a ledger client.
func NewClient(machine *contract.Machine) *Client {
	return &Client{
		machine: machine,
		pending: map[string]error{},
	}
}

// Machine exposes the underlying contract, for genesis setup in tests.
func (c *Client) Machine() *contract.Machine {
	return c.machine
}

func (c *Client) Read(_ context.Context, fn string, args []string) (json.RawMessage, error) {
	result, err := c.machine.Query(fn, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (c *Client) Submit(_ context.Context, tx protocol.Tx) (ledger.TxHandle, error) {
	handle := ledger.TxHandle{Hash: tx.TxID, SubmittedAt: time.Now().UTC()}
	_, err := c.machine.Apply(tx)
	c.mu.Lock()
	c.pending[tx.TxID] = err
	c.mu.Unlock()
	if err != nil {
		return handle, err
	}
	return handle, nil
}

func (c *Client) WaitForConfirmation(ctx context.Context, handle ledger.TxHandle) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rec, ok := c.machine.Receipt(handle.Hash); ok {
		return rec, nil
	}
	c.mu.RLock()
	applyErr, submitted := c.pending[handle.Hash]
	c.mu.RUnlock()
	if submitted && applyErr != nil {
		return nil, applyErr
	}
	return nil, ledger.ErrTxNotFound
}

func (c *Client) GetLogs(_ context.Context, fromBlock uint64) ([]ledger.RawEvent, error) {
	return c.machine.EventsSince(fromBlock), nil
}
