// Package coordinator runs the deposit lifecycle actions: validate, approve
// when needed, submit, confirm, refresh history.
package coordinator

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"timelockvault/internal/chain"
	"timelockvault/internal/history"
	"timelockvault/internal/metrics"
	"timelockvault/internal/txexec"
	"timelockvault/internal/vault"
	"timelockvault/internal/vaulterr"
)

// Action names one user-facing lifecycle operation.
type Action string

const (
	ActionDepositEth   Action = "deposit_eth"
	ActionDepositERC20 Action = "deposit_erc20"
	ActionWithdraw     Action = "withdraw"
	ActionExtendLock   Action = "extend_lock"
)

// Actions lists every action in display order.
var Actions = []Action{ActionDepositEth, ActionDepositERC20, ActionWithdraw, ActionExtendLock}

// EthDeposit asks to lock ether for a beneficiary.
type EthDeposit struct {
	Beneficiary string `json:"beneficiary"`
	// Amount is in ether, e.g. "1.5".
	Amount     string `json:"amount"`
	UnlockTime int64  `json:"unlockTime"`
}

// TokenDeposit asks to lock ERC-20 tokens for a beneficiary.
type TokenDeposit struct {
	Token       string `json:"token"`
	Beneficiary string `json:"beneficiary"`
	// Amount is in whole tokens and is scaled by the token's decimals.
	Amount     string `json:"amount"`
	UnlockTime int64  `json:"unlockTime"`
}

// Result describes the outcome of an action.
type Result struct {
	Action    Action       `json:"action"`
	TxHash    common.Hash  `json:"txHash"`
	ApproveTx *common.Hash `json:"approveTx,omitempty"`
	// FailedTx is the final transaction when it was mined but reverted.
	FailedTx  *common.Hash `json:"failedTx,omitempty"`
	Block     uint64       `json:"block"`
	DepositID uint64       `json:"depositId,omitempty"`
	History   history.View `json:"history"`
	// RefreshError is set when the action confirmed but the history
	// refresh that followed failed.
	RefreshError string `json:"refreshError,omitempty"`
}

// Broadcast reports whether any transaction of the action reached the chain.
func (r Result) Broadcast() bool {
	return r.TxHash != (common.Hash{}) || r.ApproveTx != nil || r.FailedTx != nil
}

// TokenInfo is ERC-20 metadata plus the owner's standing with the vault.
type TokenInfo struct {
	Address   common.Address `json:"address"`
	Symbol    string         `json:"symbol"`
	Decimals  uint8          `json:"decimals"`
	Balance   string         `json:"balance,omitempty"`
	Allowance string         `json:"allowance,omitempty"`
}

// Coordinator serializes each action and ties it to the current session.
type Coordinator struct {
	conn     *chain.Connection
	vault    *vault.Contract
	executor *txexec.Executor
	history  *history.Projector
	metrics  *metrics.Registry

	mu     sync.Mutex
	status map[Action]txexec.Status
}

// New builds a coordinator with every action idle.
func New(conn *chain.Connection, contract *vault.Contract, executor *txexec.Executor, projector *history.Projector, m *metrics.Registry) *Coordinator {
	status := make(map[Action]txexec.Status, len(Actions))
	for _, a := range Actions {
		status[a] = txexec.StatusIdle
	}
	return &Coordinator{
		conn:     conn,
		vault:    contract,
		executor: executor,
		history:  projector,
		metrics:  m,
		status:   status,
	}
}

// Status returns the progress of action.
func (c *Coordinator) Status(action Action) txexec.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[action]
}

func (c *Coordinator) Connect(ctx context.Context) (*chain.Session, error) {
	return c.conn.Connect(ctx)
}

func (c *Coordinator) Session() (*chain.Session, error) {
	return c.conn.Session()
}

func (c *Coordinator) Invalidate(reason string) {
	c.conn.Invalidate(reason)
}

// History returns the cached view, refreshing it first when asked.
func (c *Coordinator) History(ctx context.Context, refresh bool) (history.View, error) {
	if !refresh {
		return c.history.View(), nil
	}
	return c.history.Refresh(ctx)
}

// Deposit reads the live state of one deposit without a wallet.
func (c *Coordinator) Deposit(ctx context.Context, id uint64) (vault.Deposit, error) {
	if id == 0 {
		return vault.Deposit{}, vaulterr.New(vaulterr.KindInvalidInput, "deposit id must be positive")
	}
	return c.vault.GetDeposit(ctx, id)
}

// TokenInfo reads token metadata. When owner is set, its balance and the
// allowance it granted the vault are included.
func (c *Coordinator) TokenInfo(ctx context.Context, tokenAddr string, owner *common.Address) (TokenInfo, error) {
	addr, err := parseAddress("token", tokenAddr)
	if err != nil {
		return TokenInfo{}, err
	}
	token, err := vault.NewToken(addr, c.conn.ReadHandle())
	if err != nil {
		return TokenInfo{}, err
	}
	info := TokenInfo{Address: addr}
	if info.Symbol, err = token.Symbol(ctx); err != nil {
		return TokenInfo{}, err
	}
	if info.Decimals, err = token.Decimals(ctx); err != nil {
		return TokenInfo{}, err
	}
	if owner != nil {
		balance, err := token.BalanceOf(ctx, *owner)
		if err != nil {
			return TokenInfo{}, err
		}
		allowance, err := token.Allowance(ctx, *owner, c.vault.Address())
		if err != nil {
			return TokenInfo{}, err
		}
		info.Balance = vault.FormatUnits(balance, info.Decimals)
		info.Allowance = vault.FormatUnits(allowance, info.Decimals)
	}
	return info, nil
}

// DepositEth locks req.Amount ether for req.Beneficiary.
func (c *Coordinator) DepositEth(ctx context.Context, req EthDeposit) (Result, error) {
	beneficiary, err := parseAddress("beneficiary", req.Beneficiary)
	if err != nil {
		return Result{}, err
	}
	value, err := vault.ParseEther(req.Amount)
	if err != nil {
		return Result{}, err
	}
	if value.Sign() <= 0 {
		return Result{}, vaulterr.New(vaulterr.KindInvalidInput, "amount must be greater than zero")
	}
	if err := checkUnlockTime(req.UnlockTime); err != nil {
		return Result{}, err
	}

	return c.run(ctx, ActionDepositEth, func(ctx context.Context, s *chain.Session, res *Result) error {
		receipt, err := c.submit(ctx, s, ActionDepositEth, "depositEth", value, func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return c.vault.DepositEth(opts, beneficiary, req.UnlockTime)
		})
		c.record(res, receipt)
		return err
	})
}

// DepositERC20 deposits req.Amount of req.Token. When the vault's allowance
// is short, an approve for exactly the amount is confirmed first.
func (c *Coordinator) DepositERC20(ctx context.Context, req TokenDeposit) (Result, error) {
	tokenAddr, err := parseAddress("token", req.Token)
	if err != nil {
		return Result{}, err
	}
	beneficiary, err := parseAddress("beneficiary", req.Beneficiary)
	if err != nil {
		return Result{}, err
	}
	if err := checkAmountSyntax(req.Amount); err != nil {
		return Result{}, err
	}
	if err := checkUnlockTime(req.UnlockTime); err != nil {
		return Result{}, err
	}
	token, err := vault.NewToken(tokenAddr, c.conn.ReadHandle())
	if err != nil {
		return Result{}, err
	}

	return c.run(ctx, ActionDepositERC20, func(ctx context.Context, s *chain.Session, res *Result) error {
		decimals, err := token.Decimals(ctx)
		if err != nil {
			return err
		}
		amount, err := vault.ParseUnits(req.Amount, decimals)
		if err != nil {
			return err
		}
		if amount.Sign() <= 0 {
			return vaulterr.New(vaulterr.KindInvalidInput, "amount must be greater than zero")
		}

		allowance, err := token.Allowance(ctx, s.Address, c.vault.Address())
		if err != nil {
			return err
		}
		if allowance.Cmp(amount) < 0 {
			log.Info().Str("token", tokenAddr.Hex()).Str("allowance", allowance.String()).Str("amount", amount.String()).Msg("allowance short, approving vault")
			receipt, err := c.submit(ctx, s, ActionDepositERC20, "approve", nil, func(opts *bind.TransactOpts) (*types.Transaction, error) {
				return token.Approve(opts, c.vault.Address(), amount)
			})
			if receipt != nil {
				hash := receipt.TxHash
				res.ApproveTx = &hash
			}
			if err != nil {
				return err
			}
		}

		receipt, err := c.submit(ctx, s, ActionDepositERC20, "depositERC20", nil, func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return c.vault.DepositERC20(opts, tokenAddr, amount, beneficiary, req.UnlockTime)
		})
		c.record(res, receipt)
		return err
	})
}

// Withdraw releases deposit id to its beneficiary. Lock and beneficiary
// checks are left to the vault.
func (c *Coordinator) Withdraw(ctx context.Context, id uint64) (Result, error) {
	if id == 0 {
		return Result{}, vaulterr.New(vaulterr.KindInvalidInput, "deposit id must be positive")
	}
	return c.run(ctx, ActionWithdraw, func(ctx context.Context, s *chain.Session, res *Result) error {
		receipt, err := c.submit(ctx, s, ActionWithdraw, "withdraw", nil, func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return c.vault.Withdraw(opts, id)
		})
		c.record(res, receipt)
		return err
	})
}

// ExtendLock moves the unlock time of deposit id. Whether it increases is
// for the vault to decide.
func (c *Coordinator) ExtendLock(ctx context.Context, id uint64, newUnlockTime int64) (Result, error) {
	if id == 0 {
		return Result{}, vaulterr.New(vaulterr.KindInvalidInput, "deposit id must be positive")
	}
	if err := checkUnlockTime(newUnlockTime); err != nil {
		return Result{}, err
	}
	return c.run(ctx, ActionExtendLock, func(ctx context.Context, s *chain.Session, res *Result) error {
		receipt, err := c.submit(ctx, s, ActionExtendLock, "extendLock", nil, func(opts *bind.TransactOpts) (*types.Transaction, error) {
			return c.vault.ExtendLock(opts, id, newUnlockTime)
		})
		c.record(res, receipt)
		return err
	})
}

type step func(ctx context.Context, s *chain.Session, res *Result) error

// run claims action, captures the current session and executes fn. A
// successful on-chain mutation is always followed by a history refresh.
func (c *Coordinator) run(ctx context.Context, action Action, fn step) (res Result, err error) {
	if !c.claim(action) {
		return Result{}, vaulterr.New(vaulterr.KindActionBusy, "%s already in progress", action)
	}
	defer func() {
		c.setStatus(action, txexec.StatusIdle)
		result := "success"
		if err != nil {
			result = string(vaulterr.KindOf(err))
		}
		c.metrics.IncAction(string(action), result)
	}()

	s, err := c.conn.Session()
	if err != nil {
		return Result{}, err
	}

	res.Action = action
	err = fn(ctx, s, &res)
	if res.Block == 0 {
		return res, err
	}

	view, refreshErr := c.history.Refresh(ctx)
	if refreshErr != nil {
		log.Warn().Err(refreshErr).Str("action", string(action)).Str("tx", res.TxHash.Hex()).Msg("history refresh after confirmation failed")
		res.RefreshError = vaulterr.Message(refreshErr)
	}
	res.History = view
	return res, err
}

// submit sends one transaction under session s. A confirmed transaction
// whose session was replaced meanwhile is reported as SessionInvalidated
// together with its receipt.
func (c *Coordinator) submit(ctx context.Context, s *chain.Session, action Action, method string, value *big.Int, send func(*bind.TransactOpts) (*types.Transaction, error)) (*types.Receipt, error) {
	opts, err := c.conn.TransactOpts(ctx, s)
	if err != nil {
		return nil, err
	}
	opts.Value = value

	receipt, err := c.executor.Execute(ctx, txexec.Call{Method: method, Opts: opts, Send: send}, func(st txexec.Status) {
		if st != txexec.StatusIdle {
			c.setStatus(action, st)
		}
	})
	if err != nil {
		return receipt, err
	}
	if err := c.conn.Check(s); err != nil {
		log.Warn().Str("action", string(action)).Str("tx", receipt.TxHash.Hex()).Msg("transaction confirmed after session change")
		return receipt, vaulterr.Wrap(vaulterr.KindSessionInvalidated, err, "%s confirmed in %s but the session changed", method, receipt.TxHash.Hex())
	}
	return receipt, nil
}

// record copies the outcome of the action's final transaction into res.
// A failed receipt only sets FailedTx, so no refresh follows it.
func (c *Coordinator) record(res *Result, receipt *types.Receipt) {
	if receipt == nil {
		return
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		hash := receipt.TxHash
		res.FailedTx = &hash
		return
	}
	res.TxHash = receipt.TxHash
	res.Block = receipt.BlockNumber.Uint64()
	if ev, ok := c.vault.CreatedDeposit(receipt); ok {
		res.DepositID = ev.ID
	}
}

func (c *Coordinator) claim(action Action) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status[action] != txexec.StatusIdle {
		return false
	}
	c.status[action] = txexec.StatusSubmitting
	return true
}

func (c *Coordinator) setStatus(action Action, st txexec.Status) {
	c.mu.Lock()
	c.status[action] = st
	c.mu.Unlock()
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, vaulterr.New(vaulterr.KindInvalidInput, "%s %q is not a valid address", field, value)
	}
	return common.HexToAddress(value), nil
}

func checkAmountSyntax(amount string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindInvalidInput, err, "invalid amount %q", amount)
	}
	if d.Sign() <= 0 {
		return vaulterr.New(vaulterr.KindInvalidInput, "amount must be greater than zero")
	}
	return nil
}

// checkUnlockTime rejects only what cannot be encoded; whether the time is
// in the future is checked by the vault.
func checkUnlockTime(ts int64) error {
	if ts < 0 {
		return vaulterr.New(vaulterr.KindInvalidInput, "unlock time %d is negative", ts)
	}
	return nil
}
