package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
	"github.com/escrow-hub/escrow-hub/internal/ledger"
	"github.com/escrow-hub/escrow-hub/internal/ledger/protocol"
)

// Config tunes the remote ledger client.
type Config struct {
	BaseURL string
	// ConfirmAttempts bounds receipt polling; once exhausted
	// WaitForConfirmation returns ErrTxPending.
	ConfirmAttempts int
	ConfirmDelay    time.Duration
	HTTPTimeout     time.Duration
}

func (c Config) normalized() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.ConfirmAttempts <= 0 {
		c.ConfirmAttempts = 10
	}
	if c.ConfirmDelay <= 0 {
		c.ConfirmDelay = 500 * time.Millisecond
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	return c
}

// Client talks to a ledger node over its HTTP API. Guard rejections come
// back as typed guard errors so callers handle them exactly like the
// in-process ledger.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// NewClient creates a remote ledger client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	cfg = cfg.normalized()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  logger.With().Str("component", "remote_ledger").Logger(),
	}
}

type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// asGuardError maps a node error code back to the shared guard sentinel
// so rejections behave exactly like in-process guard violations.
func (e apiError) asGuardError() error {
	return pga.FromCode(e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Code != "" {
			return resp.StatusCode, apiErr.asGuardError()
		}
		return resp.StatusCode, fmt.Errorf("ledger node: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode node response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Read executes a contract view function on the node.
func (c *Client) Read(ctx context.Context, fn string, args []string) (json.RawMessage, error) {
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/ledger/query", map[string]interface{}{
		"fn":   fn,
		"args": args,
	}, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Submit sends one signed transaction to the node. The node applies
// synchronously, so guard violations surface here; the receipt is still
// fetched through WaitForConfirmation to keep the client contract uniform.
func (c *Client) Submit(ctx context.Context, tx protocol.Tx) (ledger.TxHandle, error) {
	handle := ledger.TxHandle{Hash: tx.TxID, SubmittedAt: time.Now().UTC()}
	if _, err := c.do(ctx, http.MethodPost, "/v1/ledger/tx", tx, nil); err != nil {
		return handle, err
	}
	return handle, nil
}

// WaitForConfirmation polls for the receipt until the confirmation window
// is exhausted, then reports ErrTxPending.
func (c *Client) WaitForConfirmation(ctx context.Context, handle ledger.TxHandle) (*ledger.Receipt, error) {
	for attempt := 0; attempt < c.cfg.ConfirmAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.ConfirmDelay):
			}
		}
		var receipt ledger.Receipt
		status, err := c.do(ctx, http.MethodGet, "/v1/ledger/receipts/"+handle.Hash, nil, &receipt)
		if err == nil {
			return &receipt, nil
		}
		if status != http.StatusNotFound {
			c.log.Warn().Err(err).Str("tx", handle.Hash).Int("attempt", attempt+1).Msg("receipt poll failed")
		}
	}
	return nil, ledger.ErrTxPending
}

// GetLogs returns contract events from the given block onward.
func (c *Client) GetLogs(ctx context.Context, fromBlock uint64) ([]ledger.RawEvent, error) {
	var out struct {
		Events []ledger.RawEvent `json:"events"`
	}
	path := "/v1/ledger/logs?from_block=" + strconv.FormatUint(fromBlock, 10)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}
