// Package txexec submits vault and token transactions and waits for them to
// be mined.
package txexec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"timelockvault/internal/metrics"
	"timelockvault/internal/vaulterr"
)

// Status is the coarse progress of one action.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusSubmitting Status = "submitting"
	StatusConfirming Status = "confirming"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultConfirmTimeout = 2 * time.Minute
	maxPollInterval       = 15 * time.Second
)

// Backend is what the executor needs from a node after broadcast.
type Backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Call is one state-changing contract call.
type Call struct {
	// Method labels logs and metrics, e.g. "approve" or "withdraw".
	Method string
	Opts   *bind.TransactOpts
	Send   func(opts *bind.TransactOpts) (*types.Transaction, error)
}

type Options struct {
	// PollInterval is the first and smallest delay between receipt lookups.
	PollInterval time.Duration
	// ConfirmTimeout bounds the wait for a receipt after broadcast.
	ConfirmTimeout time.Duration
	Metrics        *metrics.Registry
}

type Executor struct {
	backend        Backend
	pollInterval   time.Duration
	confirmTimeout time.Duration
	metrics        *metrics.Registry
}

func NewExecutor(backend Backend, opts Options) *Executor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	return &Executor{
		backend:        backend,
		pollInterval:   opts.PollInterval,
		confirmTimeout: opts.ConfirmTimeout,
		metrics:        opts.Metrics,
	}
}

// Execute submits call and blocks until its receipt is available. report,
// when non-nil, observes every status change and always ends with
// StatusIdle.
func (e *Executor) Execute(ctx context.Context, call Call, report func(Status)) (receipt *types.Receipt, err error) {
	if report == nil {
		report = func(Status) {}
	}
	defer func() {
		report(StatusIdle)
		result := "confirmed"
		if err != nil {
			result = string(vaulterr.KindOf(err))
		}
		e.metrics.IncTransaction(call.Method, result)
	}()

	if call.Opts == nil || call.Send == nil {
		return nil, fmt.Errorf("txexec: incomplete call %q", call.Method)
	}

	report(StatusSubmitting)
	tx, err := call.Send(call.Opts)
	if err != nil {
		return nil, classifySubmitError(call.Method, err)
	}
	log.Info().Str("action", call.Method).Str("tx", tx.Hash().Hex()).Str("from", call.Opts.From.Hex()).Msg("transaction broadcast")

	report(StatusConfirming)
	start := time.Now()
	receipt, err = e.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveConfirmation(call.Method, time.Since(start))

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := e.replayRevert(ctx, call.Opts.From, tx, receipt.BlockNumber)
		log.Warn().Str("action", call.Method).Str("tx", tx.Hash().Hex()).Str("reason", reason).Msg("transaction reverted")
		return receipt, vaulterr.New(vaulterr.KindTransactionReverted, "%s reverted in block %s: %s", call.Method, receipt.BlockNumber, reason)
	}
	log.Info().Str("action", call.Method).Str("tx", tx.Hash().Hex()).Uint64("block", receipt.BlockNumber.Uint64()).Msg("transaction confirmed")
	return receipt, nil
}

func (e *Executor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	b := &backoff.Backoff{
		Min:    e.pollInterval,
		Max:    maxDuration(e.pollInterval, maxPollInterval),
		Factor: 1.5,
		Jitter: true,
	}
	for {
		receipt, err := e.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt lookup failed, retrying")
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, vaulterr.Wrap(vaulterr.KindConfirmationTimeout, ctx.Err(), "stopped waiting for %s; it may still be mined", hash.Hex())
			}
			return nil, vaulterr.New(vaulterr.KindConfirmationTimeout, "no receipt for %s after %s; it may still be mined", hash.Hex(), e.confirmTimeout)
		case <-timer.C:
		}
	}
}

// replayRevert re-executes a failed transaction against the state of its
// block to recover the revert reason.
func (e *Executor) replayRevert(ctx context.Context, from common.Address, tx *types.Transaction, block *big.Int) string {
	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err := e.backend.CallContract(ctx, msg, block)
	if err == nil {
		return "reverted without reason"
	}
	if reason, ok := RevertReason(err); ok {
		return reason
	}
	return err.Error()
}

func classifySubmitError(method string, err error) error {
	if errors.Is(err, vaulterr.ErrUserRejected) {
		return err
	}
	if reason, ok := RevertReason(err); ok {
		return vaulterr.Wrap(vaulterr.KindTransactionReverted, err, "%s would revert: %s", method, reason)
	}
	return vaulterr.Wrap(vaulterr.KindSubmissionRejected, err, "submit %s", method)
}

// RevertReason extracts a contract revert reason from a node error. It
// prefers the ABI-encoded Error(string) payload and falls back to the
// message text.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(encoded); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}

	const marker = "execution reverted"
	msg := err.Error()
	i := strings.Index(msg, marker)
	if i < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[i+len(marker):], ":"))
	if reason == "" {
		reason = marker
	}
	return reason, true
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
