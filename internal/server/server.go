package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"timelockvault/internal/chain"
	"timelockvault/internal/coordinator"
	"timelockvault/internal/hmacauth"
	"timelockvault/internal/history"
	"timelockvault/internal/idempotency"
	"timelockvault/internal/metrics"
	"timelockvault/internal/txexec"
	"timelockvault/internal/vault"
	"timelockvault/internal/vaulterr"
)

const idempotencyHeader = "X-Idempotency-Key"

// Vault is the coordinator surface the API exposes.
type Vault interface {
	Connect(ctx context.Context) (*chain.Session, error)
	Session() (*chain.Session, error)
	Invalidate(reason string)
	Status(action coordinator.Action) txexec.Status

	History(ctx context.Context, refresh bool) (history.View, error)
	Deposit(ctx context.Context, id uint64) (vault.Deposit, error)
	TokenInfo(ctx context.Context, token string, owner *common.Address) (coordinator.TokenInfo, error)

	DepositEth(ctx context.Context, req coordinator.EthDeposit) (coordinator.Result, error)
	DepositERC20(ctx context.Context, req coordinator.TokenDeposit) (coordinator.Result, error)
	Withdraw(ctx context.Context, id uint64) (coordinator.Result, error)
	ExtendLock(ctx context.Context, id uint64, newUnlockTime int64) (coordinator.Result, error)
}

type Options struct {
	Port              int
	HMAC              *hmacauth.Verifier
	Store             idempotency.Store
	IdempotencyWindow time.Duration
	Metrics           *metrics.Registry
	// RPCHealth is pinged by the health endpoint when set.
	RPCHealth func(context.Context) error
}

type Server struct {
	vault       Vault
	store       idempotency.Store
	inflight    *idempotency.Inflight
	hmac        *hmacauth.Verifier
	window      time.Duration
	metrics     *metrics.Registry
	httpServer  *http.Server
	rpcHealthFn func(context.Context) error
	dbHealthFn  func(context.Context) error
}

func NewServer(v Vault, opts Options) *Server {
	store := opts.Store
	if store == nil {
		store = idempotency.NewMemoryStore()
	}
	window := opts.IdempotencyWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	verifier := opts.HMAC
	if verifier == nil {
		verifier = &hmacauth.Verifier{}
	}
	verifier.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Kind: "unauthorized", Message: err.Error()}})
	}

	s := &Server{
		vault:       v,
		store:       store,
		inflight:    idempotency.NewInflight(),
		hmac:        verifier,
		window:      window,
		metrics:     opts.Metrics,
		rpcHealthFn: opts.RPCHealth,
	}
	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	signed := func(h http.HandlerFunc) http.Handler {
		return s.hmac.Middleware(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/deposits", s.handleHistory)
	mux.HandleFunc("GET /api/v1/deposits/{id}", s.handleDeposit)
	mux.HandleFunc("GET /api/v1/tokens/{address}", s.handleToken)
	mux.HandleFunc("GET /api/v1/session", s.handleSession)
	mux.Handle("POST /api/v1/session/connect", signed(s.handleConnect))
	mux.Handle("POST /api/v1/session/invalidate", signed(s.handleInvalidate))
	mux.Handle("POST /api/v1/deposits/eth", signed(s.mutation(coordinator.ActionDepositEth, s.depositEth)))
	mux.Handle("POST /api/v1/deposits/erc20", signed(s.mutation(coordinator.ActionDepositERC20, s.depositERC20)))
	mux.Handle("POST /api/v1/withdrawals", signed(s.mutation(coordinator.ActionWithdraw, s.withdraw)))
	mux.Handle("POST /api/v1/extensions", signed(s.mutation(coordinator.ActionExtendLock, s.extendLock)))
	mux.Handle("GET /api/v1/metrics", s.metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Port),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorBody struct {
	Error  errorDetail         `json:"error"`
	Result *coordinator.Result `json:"result,omitempty"`
}

type depositJSON struct {
	vault.Deposit
	Status        string `json:"status"`
	DisplayAmount string `json:"displayAmount"`
	TokenLabel    string `json:"tokenLabel"`
	CreatedBlock  uint64 `json:"createdBlock,omitempty"`
	CreatedTx     string `json:"createdTx,omitempty"`
}

func renderDeposit(d vault.Deposit) depositJSON {
	return depositJSON{
		Deposit:       d,
		Status:        d.Status(),
		DisplayAmount: d.DisplayAmount(),
		TokenLabel:    d.TokenLabel(),
	}
}

func renderRow(r history.Row) depositJSON {
	out := renderDeposit(r.Deposit)
	out.CreatedBlock = r.CreatedBlock
	out.CreatedTx = r.CreatedTx.Hex()
	return out
}

type historyJSON struct {
	Deposits    []depositJSON `json:"deposits"`
	FromBlock   uint64        `json:"fromBlock"`
	AtBlock     uint64        `json:"atBlock"`
	TotalEvents int           `json:"totalEvents"`
	Truncated   bool          `json:"truncated"`
}

func renderView(v history.View) historyJSON {
	rows := make([]depositJSON, 0, len(v.Rows))
	for _, r := range v.Rows {
		rows = append(rows, renderRow(r))
	}
	return historyJSON{
		Deposits:    rows,
		FromBlock:   v.FromBlock,
		AtBlock:     v.AtBlock,
		TotalEvents: v.TotalEvents,
		Truncated:   v.Truncated,
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	view, err := s.vault.History(r.Context(), refresh)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, renderView(view))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, vaulterr.New(vaulterr.KindInvalidInput, "deposit id %q is not a number", r.PathValue("id")), nil)
		return
	}
	d, err := s.vault.Deposit(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, renderDeposit(d))
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var owner *common.Address
	if raw := r.URL.Query().Get("owner"); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, vaulterr.New(vaulterr.KindInvalidInput, "owner %q is not a valid address", raw), nil)
			return
		}
		addr := common.HexToAddress(raw)
		owner = &addr
	}
	info, err := s.vault.TokenInfo(r.Context(), r.PathValue("address"), owner)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type sessionJSON struct {
	Connected bool                                 `json:"connected"`
	Address   string                               `json:"address,omitempty"`
	Short     string                               `json:"short,omitempty"`
	NetworkID string                               `json:"networkId,omitempty"`
	Epoch     uint64                               `json:"epoch,omitempty"`
	Warning   string                               `json:"warning,omitempty"`
	Actions   map[coordinator.Action]txexec.Status `json:"actions"`
}

func (s *Server) sessionState() sessionJSON {
	out := sessionJSON{Actions: make(map[coordinator.Action]txexec.Status, len(coordinator.Actions))}
	for _, a := range coordinator.Actions {
		out.Actions[a] = s.vault.Status(a)
	}
	sess, err := s.vault.Session()
	if err != nil {
		return out
	}
	out.Connected = true
	out.Address = sess.Address.Hex()
	out.Short = vault.Short(sess.Address)
	out.NetworkID = sess.NetworkID.String()
	out.Epoch = sess.Epoch
	if sess.Warning != nil {
		out.Warning = vaulterr.Message(sess.Warning)
	}
	return out
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionState())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if _, err := s.vault.Connect(r.Context()); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionState())
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, vaulterr.New(vaulterr.KindInvalidInput, "invalid json payload"), nil)
			return
		}
	}
	if payload.Reason == "" {
		payload.Reason = "requested via api"
	}
	s.vault.Invalidate(payload.Reason)
	writeJSON(w, http.StatusOK, s.sessionState())
}

type runFunc func(ctx context.Context, body []byte) (coordinator.Result, error)

// mutation journals the outcome of fn under the request's idempotency key.
// A retry with the same key and body gets the journaled response; a
// different body under the same key is refused.
func (s *Server) mutation(action coordinator.Action, fn runFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			writeError(w, vaulterr.New(vaulterr.KindInvalidInput, "missing %s header", idempotencyHeader), nil)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, vaulterr.Wrap(vaulterr.KindInvalidInput, err, "read body"), nil)
			return
		}
		fingerprint := idempotency.Fingerprint(string(action), body)

		if !s.inflight.Acquire(key) {
			writeError(w, vaulterr.New(vaulterr.KindActionBusy, "request with key %q is still running", key), nil)
			return
		}
		defer s.inflight.Release(key)

		existing, err := s.store.Get(ctx, key)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("idempotency lookup failed")
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{Kind: "journal_unavailable", Message: "submission journal unavailable"}})
			return
		}
		if existing != nil {
			if !existing.Matches(string(action), fingerprint) {
				writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: errorDetail{Kind: "idempotency_key_reused", Message: idempotency.ErrKeyReused.Error()}})
				return
			}
			s.metrics.IncReplay(string(action))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		res, runErr := fn(ctx, body)
		status := http.StatusOK
		var payload any = res
		if runErr != nil {
			status = statusFor(runErr)
			eb := errorBody{Error: detailFor(runErr)}
			if res.Broadcast() {
				eb.Result = &res
			}
			payload = eb
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			writeError(w, err, nil)
			return
		}

		if journaled(res, runErr) {
			now := time.Now()
			rec := idempotency.Record{
				Action:      string(action),
				Fingerprint: fingerprint,
				StatusCode:  status,
				Response:    encoded,
				CreatedAt:   now,
				ExpiresAt:   now.Add(s.window),
			}
			switch {
			case res.TxHash != (common.Hash{}):
				rec.TxHash = res.TxHash.Hex()
			case res.FailedTx != nil:
				rec.TxHash = res.FailedTx.Hex()
			}
			if err := s.store.Save(ctx, key, rec); err != nil {
				log.Error().Err(err).Str("key", key).Str("action", string(action)).Msg("failed to journal submission")
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(encoded)
	}
}

// journaled reports whether a response must be replayed rather than
// re-executed: anything that may have reached the chain.
func journaled(res coordinator.Result, err error) bool {
	if err == nil || res.Broadcast() {
		return true
	}
	return errors.Is(err, vaulterr.ErrConfirmationTimeout)
}

func decode(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return vaulterr.Wrap(vaulterr.KindInvalidInput, err, "invalid json payload")
	}
	return nil
}

func (s *Server) depositEth(ctx context.Context, body []byte) (coordinator.Result, error) {
	var req coordinator.EthDeposit
	if err := decode(body, &req); err != nil {
		return coordinator.Result{}, err
	}
	return s.vault.DepositEth(ctx, req)
}

func (s *Server) depositERC20(ctx context.Context, body []byte) (coordinator.Result, error) {
	var req coordinator.TokenDeposit
	if err := decode(body, &req); err != nil {
		return coordinator.Result{}, err
	}
	return s.vault.DepositERC20(ctx, req)
}

type withdrawRequest struct {
	DepositID uint64 `json:"depositId"`
}

func (s *Server) withdraw(ctx context.Context, body []byte) (coordinator.Result, error) {
	var req withdrawRequest
	if err := decode(body, &req); err != nil {
		return coordinator.Result{}, err
	}
	return s.vault.Withdraw(ctx, req.DepositID)
}

type extendRequest struct {
	DepositID     uint64 `json:"depositId"`
	NewUnlockTime int64  `json:"newUnlockTime"`
}

func (s *Server) extendLock(ctx context.Context, body []byte) (coordinator.Result, error) {
	var req extendRequest
	if err := decode(body, &req); err != nil {
		return coordinator.Result{}, err
	}
	return s.vault.ExtendLock(ctx, req.DepositID, req.NewUnlockTime)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
		Session  sessionJSON `json:"session"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Session:  s.sessionState(),
	})
}

func statusFor(err error) int {
	switch vaulterr.KindOf(err) {
	case vaulterr.KindInvalidInput:
		return http.StatusBadRequest
	case vaulterr.KindUserRejected:
		return http.StatusForbidden
	case vaulterr.KindNotConnected, vaulterr.KindSessionInvalidated, vaulterr.KindActionBusy, vaulterr.KindNetworkMismatch:
		return http.StatusConflict
	case vaulterr.KindTransactionReverted:
		return http.StatusUnprocessableEntity
	case vaulterr.KindSubmissionRejected, vaulterr.KindQueryFailed:
		return http.StatusBadGateway
	case vaulterr.KindConfirmationTimeout:
		return http.StatusGatewayTimeout
	case vaulterr.KindWalletUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func detailFor(err error) errorDetail {
	kind := string(vaulterr.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	return errorDetail{Kind: kind, Message: vaulterr.Message(err)}
}

func writeError(w http.ResponseWriter, err error, res *coordinator.Result) {
	writeJSON(w, statusFor(err), errorBody{Error: detailFor(err), Result: res})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}
