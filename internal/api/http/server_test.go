package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/application/escrow"
	"github.com/escrow-hub/escrow-hub/internal/application/projector"
	"github.com/escrow-hub/escrow-hub/internal/application/registry"
	"github.com/escrow-hub/escrow-hub/internal/application/workflow"
	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/keystore"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/metrics"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/sse"
	"github.com/escrow-hub/escrow-hub/internal/ledger/contract"
	"github.com/escrow-hub/escrow-hub/internal/ledger/memory"
)

type testEnv struct {
	srv     *httptest.Server
	addrs   map[string]string
	machine *contract.Machine
}

// newTestEnv wires the full HTTP stack over an in-memory ledger with
// funded test identities: a buyer, a seller, a staked pool voter and an
// authorized logistics partner.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	keys := map[string]ed25519.PrivateKey{}
	addrs := map[string]string{}
	for _, id := range []string{"buyer", "seller", "voter", "partner"} {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		keys[id] = priv
		addrs[id] = keystore.NewKeySigner(priv).Address()
	}
	ks := keystore.NewStatic(keys, "buyer")

	machine := contract.NewMachine(contract.Config{
		IssuanceFee:     10,
		GenesisBalances: map[string]uint64{addrs["buyer"]: 2000},
		GenesisStakes:   map[string]uint64{addrs["voter"]: 800},
		GenesisPartners: map[string]string{addrs["partner"]: "GlobalFreight"},
	})
	client := memory.NewClient(machine)

	logger := zerolog.Nop()
	m := metrics.New(prometheus.NewRegistry())
	hub := sse.NewHub(m)
	readSvc := registry.NewService(client, m, registry.Config{CacheTTL: time.Hour}, logger)
	commandSvc := workflow.NewService(client, readSvc, m, logger)
	projectorSvc := projector.NewService(client, m, logger, hub)
	escrowSvc := escrow.NewService(readSvc, commandSvc, projectorSvc, logger)

	apiServer := NewServer(escrowSvc, ks, hub, logger)
	srv := httptest.NewServer(apiServer.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Stop)

	return &testEnv{srv: srv, addrs: addrs, machine: machine}
}

func (e *testEnv) do(t *testing.T, method, path, signerKey string, body interface{}) (int, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signerKey != "" {
		req.Header.Set("X-Signer-Key", signerKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]json.RawMessage{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func (e *testEnv) command(t *testing.T, path, signerKey string, body interface{}) string {
	t.Helper()
	code, out := e.do(t, http.MethodPost, path, signerKey, body)
	if code != http.StatusOK {
		t.Fatalf("POST %s as %s: status %d, body %v", path, signerKey, code, out)
	}
	var status string
	_ = json.Unmarshal(out["status"], &status)
	return status
}

func errorCode(t *testing.T, out map[string]json.RawMessage) string {
	t.Helper()
	var code string
	if err := json.Unmarshal(out["error"], &code); err != nil {
		t.Fatalf("response has no error code: %v", out)
	}
	return code
}

func createParamsBody(e *testEnv) map[string]interface{} {
	return map[string]interface{}{
		"pgaId":             "PGA-HTTP-1",
		"buyer":             e.addrs["buyer"],
		"seller":            e.addrs["seller"],
		"beneficiaryWallet": e.addrs["seller"],
		"tradeValue":        1000,
		"guaranteeAmount":   800,
		"collateralAmount":  200,
		"duration":          86400,
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	if got := env.command(t, "/v1/pgas", "buyer", createParamsBody(env)); got != "CREATED" {
		t.Fatalf("create: status %s", got)
	}
	if got := env.command(t, "/v1/pgas/PGA-HTTP-1/votes", "voter", map[string]bool{"support": true}); got != "GUARANTEE_APPROVED" {
		t.Fatalf("vote: status %s", got)
	}
	if got := env.command(t, "/v1/pgas/PGA-HTTP-1/seller-vote", "seller", map[string]bool{"approve": true}); got != "SELLER_APPROVED" {
		t.Fatalf("seller vote: status %s", got)
	}
	if got := env.command(t, "/v1/pgas/PGA-HTTP-1/collateral", "buyer", nil); got != "COLLATERAL_PAID" {
		t.Fatalf("collateral: status %s", got)
	}
	env.command(t, "/v1/pgas/PGA-HTTP-1/issuance-fee", "buyer", nil)
	if got := env.command(t, "/v1/pgas/PGA-HTTP-1/shipment", "partner", map[string]string{"partnerName": "GlobalFreight"}); got != "GOODS_SHIPPED" {
		t.Fatalf("shipment: status %s", got)
	}
	if got := env.command(t, "/v1/pgas/PGA-HTTP-1/balance-payment", "buyer", nil); got != "BALANCE_PAYMENT_PAID" {
		t.Fatalf("balance payment: status %s", got)
	}
	if got := env.command(t, "/v1/pgas/PGA-HTTP-1/certificate", "seller", nil); got != "CERTIFICATE_ISSUED" {
		t.Fatalf("certificate: status %s", got)
	}
	deliveryBody := map[string]interface{}{
		"agreementId":    "DA-HTTP-1",
		"deliveryPerson": "Courier One",
		"deadline":       time.Now().Add(72 * time.Hour).Unix(),
	}
	if got := env.command(t, "/v1/pgas/PGA-HTTP-1/delivery", "seller", deliveryBody); got != "DELIVERY_AWAITING_CONSENT" {
		t.Fatalf("delivery: status %s", got)
	}
	env.command(t, "/v1/pgas/PGA-HTTP-1/consent", "buyer", map[string]string{"deliveryNotes": "received in good order"})
	if got := env.command(t, "/v1/pgas/PGA-HTTP-1/release", "seller", nil); got != "COMPLETED" {
		t.Fatalf("release: status %s", got)
	}

	// read side observes the final state
	code, out := env.do(t, http.MethodGet, "/v1/pgas/PGA-HTTP-1", "", nil)
	if code != http.StatusOK {
		t.Fatalf("get pga: status %d", code)
	}
	var status int
	_ = json.Unmarshal(out["status"], &status)
	if status != int(pga.StatusCompleted) {
		t.Fatalf("expected completed status enum, got %d", status)
	}

	code, out = env.do(t, http.MethodGet, "/v1/balances/"+env.addrs["seller"], "", nil)
	if code != http.StatusOK {
		t.Fatalf("get balance: status %d", code)
	}
	var balance uint64
	_ = json.Unmarshal(out["balance"], &balance)
	if balance != 800 {
		t.Fatalf("expected seller balance 800, got %d", balance)
	}

	code, out = env.do(t, http.MethodGet, "/v1/pgas/PGA-HTTP-1/history", "", nil)
	if code != http.StatusOK {
		t.Fatalf("get history: status %d", code)
	}
	var events []json.RawMessage
	_ = json.Unmarshal(out["events"], &events)
	if len(events) == 0 {
		t.Fatal("expected projected history events")
	}
}

func TestUnknownSignerRejected(t *testing.T) {
	env := newTestEnv(t)
	code, out := env.do(t, http.MethodPost, "/v1/pgas", "nobody", createParamsBody(env))
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if errorCode(t, out) != "UNKNOWN_SIGNER" {
		t.Fatalf("unexpected error code %v", out)
	}
}

func TestValidationRejectedWith400(t *testing.T) {
	env := newTestEnv(t)
	body := createParamsBody(env)
	body["guaranteeAmount"] = 5000 // above trade value
	code, out := env.do(t, http.MethodPost, "/v1/pgas", "buyer", body)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if errorCode(t, out) != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error code %v", out)
	}
}

func TestMissingAgreementIs404(t *testing.T) {
	env := newTestEnv(t)
	code, out := env.do(t, http.MethodGet, "/v1/pgas/NO-SUCH-PGA", "", nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if errorCode(t, out) != "PGA_NOT_FOUND" {
		t.Fatalf("unexpected error code %v", out)
	}
}

func TestStageGuardIs409(t *testing.T) {
	env := newTestEnv(t)
	env.command(t, "/v1/pgas", "buyer", createParamsBody(env))

	// collateral before approvals violates the stage guard
	code, out := env.do(t, http.MethodPost, "/v1/pgas/PGA-HTTP-1/collateral", "buyer", nil)
	if code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	if errorCode(t, out) != "INVALID_PGA_STATUS" {
		t.Fatalf("unexpected error code %v", out)
	}
}

func TestForeignActorIs403(t *testing.T) {
	env := newTestEnv(t)
	env.command(t, "/v1/pgas", "buyer", createParamsBody(env))
	env.command(t, "/v1/pgas/PGA-HTTP-1/votes", "voter", map[string]bool{"support": true})

	// only the seller may cast the seller vote
	code, out := env.do(t, http.MethodPost, "/v1/pgas/PGA-HTTP-1/seller-vote", "voter", map[string]bool{"approve": true})
	if code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if errorCode(t, out) != "NOT_AUTHORIZED" {
		t.Fatalf("unexpected error code %v", out)
	}
}

func TestPoolStatsAndPartners(t *testing.T) {
	env := newTestEnv(t)
	env.command(t, "/v1/pgas", "buyer", createParamsBody(env))

	code, out := env.do(t, http.MethodGet, "/v1/pool/stats", "", nil)
	if code != http.StatusOK {
		t.Fatalf("pool stats: status %d", code)
	}
	var staked uint64
	_ = json.Unmarshal(out["totalStaked"], &staked)
	if staked != 800 {
		t.Fatalf("expected total staked 800, got %d", staked)
	}

	code, out = env.do(t, http.MethodGet, "/v1/partners", "", nil)
	if code != http.StatusOK {
		t.Fatalf("partners: status %d", code)
	}
	var partners []struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(out["partners"], &partners)
	if len(partners) != 1 || partners[0].Name != "GlobalFreight" {
		t.Fatalf("unexpected partners %v", partners)
	}
}

func TestEventSyncStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.command(t, "/v1/pgas", "buyer", createParamsBody(env))

	// history triggers a sync, after which status reflects projected events
	code, _ := env.do(t, http.MethodGet, "/v1/pgas/PGA-HTTP-1/history", "", nil)
	if code != http.StatusOK {
		t.Fatalf("history: status %d", code)
	}
	code, out := env.do(t, http.MethodGet, "/v1/events/status", "", nil)
	if code != http.StatusOK {
		t.Fatalf("sync status: status %d", code)
	}
	var count int
	_ = json.Unmarshal(out["eventCount"], &count)
	if count == 0 {
		t.Fatal("expected synced events after history read")
	}
}
