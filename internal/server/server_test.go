package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"timelockvault/internal/chain"
	"timelockvault/internal/coordinator"
	"timelockvault/internal/hmacauth"
	"timelockvault/internal/history"
	"timelockvault/internal/idempotency"
	"timelockvault/internal/metrics"
	"timelockvault/internal/txexec"
	"timelockvault/internal/vault"
)

const testSecret = "test-secret"

var (
	testChainID = big.NewInt(84532)
	testVault   = common.HexToAddress("0x00000000000000000000000000000000000a0017")
)

type apiHarness struct {
	backend *vault.FakeBackend
	account common.Address
	server  *Server
	signer  *hmacauth.Verifier
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	return newAPIHarnessWithGas(t, 0)
}

// newAPIHarnessWithGas fixes the gas limit, which skips estimation so
// reverts happen on-chain.
func newAPIHarnessWithGas(t *testing.T, gasLimit uint64) *apiHarness {
	t.Helper()
	backend := vault.NewFakeBackend(testChainID, testVault)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wallet := chain.NewKeyWallet(key, backend)
	conn := chain.NewConnection(backend, wallet, chain.Options{ChainID: testChainID, GasLimit: gasLimit})
	contract, err := vault.NewContract(testVault, backend)
	if err != nil {
		t.Fatalf("new contract: %v", err)
	}
	m := metrics.New()
	exec := txexec.NewExecutor(backend, txexec.Options{PollInterval: time.Millisecond, ConfirmTimeout: 5 * time.Second, Metrics: m})
	projector := history.NewProjector(contract, backend, history.Options{Metrics: m})
	coord := coordinator.New(conn, contract, exec, projector, m)

	srv := NewServer(coord, Options{
		HMAC:      &hmacauth.Verifier{Secret: testSecret, MaxSkew: time.Minute},
		Store:     idempotency.NewMemoryStore(),
		Metrics:   m,
		RPCHealth: conn.Ping,
	})
	return &apiHarness{
		backend: backend,
		account: wallet.Address(),
		server:  srv,
		signer:  &hmacauth.Verifier{Secret: testSecret},
	}
}

func (h *apiHarness) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) post(path, key string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	h.signer.SignRequest(req, []byte(body), time.Now())
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) connect(t *testing.T) {
	t.Helper()
	rec := h.post("/api/v1/session/connect", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("connect: %d %s", rec.Code, rec.Body.String())
	}
}

func (h *apiHarness) sent() int {
	n := 0
	for _, e := range h.backend.Journal() {
		if e.Op == "sent" {
			n++
		}
	}
	return n
}

func (h *apiHarness) ethDepositBody(amount string) string {
	unlock := h.backend.Now().Add(time.Hour).Unix()
	return fmt.Sprintf(`{"beneficiary":%q,"amount":%q,"unlockTime":%d}`, h.account.Hex(), amount, unlock)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestReadsWorkWithoutSession(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.get("/api/v1/session")
	var sess sessionJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.Connected || sess.Actions[coordinator.ActionWithdraw] != txexec.StatusIdle {
		t.Fatalf("unexpected session %+v", sess)
	}

	rec = h.get("/api/v1/deposits?refresh=true")
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d %s", rec.Code, rec.Body.String())
	}
	var view historyJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(view.Deposits) != 0 {
		t.Fatalf("expected empty history, got %d rows", len(view.Deposits))
	}
}

func TestDepositReplayedForSameKey(t *testing.T) {
	h := newAPIHarness(t)
	h.connect(t)

	body := h.ethDepositBody("1.5")
	first := h.post("/api/v1/deposits/eth", "dep-1", body)
	if first.Code != http.StatusOK {
		t.Fatalf("deposit: %d %s", first.Code, first.Body.String())
	}
	var res coordinator.Result
	if err := json.Unmarshal(first.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.DepositID != 1 || res.TxHash == (common.Hash{}) {
		t.Fatalf("unexpected result %+v", res)
	}

	second := h.post("/api/v1/deposits/eth", "dep-1", body)
	if second.Code != http.StatusOK || second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay, got %d %v", second.Code, second.Header())
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if n := h.sent(); n != 1 {
		t.Fatalf("expected a single submission, got %d", n)
	}

	reused := h.post("/api/v1/deposits/eth", "dep-1", h.ethDepositBody("2"))
	if reused.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reused key, got %d", reused.Code)
	}
	if n := h.sent(); n != 1 {
		t.Fatalf("reused key must not submit, got %d submissions", n)
	}

	rec := h.get("/api/v1/deposits/1")
	if rec.Code != http.StatusOK {
		t.Fatalf("get deposit: %d %s", rec.Code, rec.Body.String())
	}
	var dep depositJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &dep); err != nil {
		t.Fatalf("decode deposit: %v", err)
	}
	if dep.Status != vault.StatusLocked || dep.DisplayAmount != "1.5" || dep.TokenLabel != "ETH" {
		t.Fatalf("unexpected deposit %+v", dep)
	}
}

func TestMinedRevertReplayedForSameKey(t *testing.T) {
	h := newAPIHarnessWithGas(t, 200_000)
	h.connect(t)

	first := h.post("/api/v1/withdrawals", "w-7", `{"depositId":7}`)
	if first.Code != http.StatusUnprocessableEntity || decodeError(t, first).Kind != "transaction_reverted" {
		t.Fatalf("expected on-chain revert, got %d %s", first.Code, first.Body.String())
	}
	var body errorBody
	if err := json.Unmarshal(first.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Result == nil || body.Result.FailedTx == nil {
		t.Fatalf("expected the reverted tx hash in the response, got %s", first.Body.String())
	}

	second := h.post("/api/v1/withdrawals", "w-7", `{"depositId":7}`)
	if second.Code != http.StatusUnprocessableEntity || second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replayed 422, got %d %v", second.Code, second.Header())
	}
	if n := h.sent(); n != 1 {
		t.Fatalf("expected a single submission under one key, got %d", n)
	}
}

func TestMutationGuards(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/withdrawals", strings.NewReader(`{"depositId":1}`))
	req.Header.Set(idempotencyHeader, "w-1")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request: expected 401, got %d", rec.Code)
	}

	rec = h.post("/api/v1/withdrawals", "", `{"depositId":1}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Kind != "invalid_input" {
		t.Fatalf("missing key: got %d %s", rec.Code, rec.Body.String())
	}

	rec = h.get("/api/v1/withdrawals")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on mutation: expected 405, got %d", rec.Code)
	}
}

func TestErrorKindsMapToStatus(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.post("/api/v1/withdrawals", "w-1", `{"depositId":1}`)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Kind != "not_connected" {
		t.Fatalf("before connect: got %d %s", rec.Code, rec.Body.String())
	}

	h.connect(t)
	if rec := h.post("/api/v1/deposits/eth", "dep-1", h.ethDepositBody("1")); rec.Code != http.StatusOK {
		t.Fatalf("deposit: %d %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantKind string
	}{
		{"still locked", "/api/v1/withdrawals", `{"depositId":1}`, http.StatusUnprocessableEntity, "transaction_reverted"},
		{"zero id", "/api/v1/withdrawals", `{"depositId":0}`, http.StatusBadRequest, "invalid_input"},
		{"bad json", "/api/v1/extensions", `{"depositId":`, http.StatusBadRequest, "invalid_input"},
		{"bad beneficiary", "/api/v1/deposits/eth", `{"beneficiary":"nope","amount":"1","unlockTime":1}`, http.StatusBadRequest, "invalid_input"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.post(tt.path, fmt.Sprintf("key-%d", i), tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec).Kind; got != tt.wantKind {
				t.Fatalf("expected kind %q, got %q", tt.wantKind, got)
			}
		})
	}

	if rec := h.get("/api/v1/deposits/abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric id: expected 400, got %d", rec.Code)
	}
	if rec := h.get("/api/v1/deposits/99"); rec.Code != http.StatusBadGateway {
		t.Fatalf("unknown id: expected 502, got %d", rec.Code)
	}
}

func TestInvalidateEndsSession(t *testing.T) {
	h := newAPIHarness(t)
	h.connect(t)

	rec := h.post("/api/v1/session/invalidate", "", `{"reason":"wallet locked"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("invalidate: %d %s", rec.Code, rec.Body.String())
	}
	var sess sessionJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.Connected {
		t.Fatalf("session should be gone")
	}
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.get("/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	h.server.rpcHealthFn = func(context.Context) error { return errors.New("rpc down") }
	rec = h.get("/api/v1/health")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("expected degraded 503, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.connect(t)
	h.post("/api/v1/deposits/eth", "dep-1", h.ethDepositBody("1"))
	h.post("/api/v1/deposits/eth", "dep-1", h.ethDepositBody("1"))

	rec := h.get("/api/v1/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	for _, name := range []string{"vault_actions_total", "vault_idempotent_replays_total"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
