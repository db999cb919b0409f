package mocks

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/escrow-hub/escrow-hub/internal/ledger"
	"github.com/escrow-hub/escrow-hub/internal/ledger/protocol"
)

// MockClient is a testify mock of ledger.Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Read(ctx context.Context, fn string, args []string) (json.RawMessage, error) {
	called := m.Called(ctx, fn, args)
	if called.Get(0) == nil {
		return nil, called.Error(1)
	}
	return called.Get(0).(json.RawMessage), called.Error(1)
}

func (m *MockClient) Submit(ctx context.Context, tx protocol.Tx) (ledger.TxHandle, error) {
	called := m.Called(ctx, tx)
	return called.Get(0).(ledger.TxHandle), called.Error(1)
}

func (m *MockClient) WaitForConfirmation(ctx context.Context, handle ledger.TxHandle) (*ledger.Receipt, error) {
	called := m.Called(ctx, handle)
	if called.Get(0) == nil {
		return nil, called.Error(1)
	}
	return called.Get(0).(*ledger.Receipt), called.Error(1)
}

func (m *MockClient) GetLogs(ctx context.Context, fromBlock uint64) ([]ledger.RawEvent, error) {
	called := m.Called(ctx, fromBlock)
	if called.Get(0) == nil {
		return nil, called.Error(1)
	}
	return called.Get(0).([]ledger.RawEvent), called.Error(1)
}
