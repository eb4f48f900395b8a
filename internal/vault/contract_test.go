package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"timelockvault/internal/vaulterr"
)

var (
	testChainID = big.NewInt(84532)
	testVault   = common.HexToAddress("0x00000000000000000000000000000000000a0017")
	testToken   = common.HexToAddress("0x000000000000000000000000000000000000701e")
)

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func newOpts(t *testing.T, key *ecdsa.PrivateKey) *bind.TransactOpts {
	t.Helper()
	opts, err := bind.NewKeyedTransactorWithChainID(key, testChainID)
	if err != nil {
		t.Fatalf("transactor: %v", err)
	}
	opts.Context = context.Background()
	return opts
}

func TestContractDepositEthRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := NewFakeBackend(testChainID, testVault)
	vault, err := NewContract(testVault, backend)
	if err != nil {
		t.Fatalf("new contract: %v", err)
	}

	key, depositor := newTestKey(t)
	beneficiary := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	unlock := backend.Now().Add(time.Hour).Unix()

	opts := newOpts(t, key)
	opts.Value, _ = ParseEther("1")
	tx, err := vault.DepositEth(opts, beneficiary, unlock)
	if err != nil {
		t.Fatalf("deposit eth: %v", err)
	}
	receipt, err := backend.TransactionReceipt(ctx, tx.Hash())
	if err != nil || receipt.Status != 1 {
		t.Fatalf("expected successful receipt, got %+v err=%v", receipt, err)
	}

	events, err := vault.DepositCreatedEvents(ctx, 0, nil)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ID != 1 || ev.Depositor != depositor || ev.Beneficiary != beneficiary || !ev.IsNative() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.UnlockTime != unlock || ev.DisplayAmount() != "1.0" {
		t.Fatalf("unexpected event payload %+v", ev)
	}

	d, err := vault.GetDeposit(ctx, 1)
	if err != nil {
		t.Fatalf("get deposit: %v", err)
	}
	if d.Withdrawn || d.Status() != StatusLocked || d.Amount.Cmp(opts.Value) != 0 {
		t.Fatalf("unexpected deposit %+v", d)
	}
}

func TestContractGetUnknownDeposit(t *testing.T) {
	backend := NewFakeBackend(testChainID, testVault)
	vault, _ := NewContract(testVault, backend)

	_, err := vault.GetDeposit(context.Background(), 42)
	if !errors.Is(err, vaulterr.ErrQueryFailed) {
		t.Fatalf("expected query failure, got %v", err)
	}
}

func TestContractFilterFailure(t *testing.T) {
	backend := NewFakeBackend(testChainID, testVault)
	vault, _ := NewContract(testVault, backend)
	backend.FailFilter(errors.New("rpc timeout"))

	_, err := vault.DepositCreatedEvents(context.Background(), 0, nil)
	if !errors.Is(err, vaulterr.ErrQueryFailed) {
		t.Fatalf("expected query failure, got %v", err)
	}
}

func TestTokenApproveAndAllowance(t *testing.T) {
	ctx := context.Background()
	backend := NewFakeBackend(testChainID, testVault)
	backend.DeployToken(testToken, "TKN", 6)

	token, err := NewToken(testToken, backend)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	dec, err := token.Decimals(ctx)
	if err != nil || dec != 6 {
		t.Fatalf("decimals = %d, %v", dec, err)
	}
	sym, err := token.Symbol(ctx)
	if err != nil || sym != "TKN" {
		t.Fatalf("symbol = %q, %v", sym, err)
	}

	key, owner := newTestKey(t)
	allowance, err := token.Allowance(ctx, owner, testVault)
	if err != nil || allowance.Sign() != 0 {
		t.Fatalf("expected zero allowance, got %v %v", allowance, err)
	}

	if _, err := token.Approve(newOpts(t, key), testVault, big.NewInt(500)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	allowance, err = token.Allowance(ctx, owner, testVault)
	if err != nil || allowance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected allowance 500, got %v %v", allowance, err)
	}
}

func TestNewTokenRejectsZeroAddress(t *testing.T) {
	backend := NewFakeBackend(testChainID, testVault)
	if _, err := NewToken(common.Address{}, backend); !errors.Is(err, vaulterr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestShortAddress(t *testing.T) {
	addr := common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678")
	if got := Short(addr); got != "0x1234...5678" {
		t.Fatalf("unexpected short form %s", got)
	}
}

func TestContractRejectsUnlockTimeBeyondInt64(t *testing.T) {
	ctx := context.Background()
	backend := NewFakeBackend(testChainID, testVault)
	vault, _ := NewContract(testVault, backend)

	key, depositor := newTestKey(t)
	opts := newOpts(t, key)
	opts.Value, _ = ParseEther("1")
	if _, err := vault.DepositEth(opts, depositor, backend.Now().Add(time.Hour).Unix()); err != nil {
		t.Fatalf("deposit eth: %v", err)
	}

	huge := new(big.Int).Lsh(big.NewInt(1), 63)
	backend.mu.Lock()
	backend.deposits[1].unlockTime = new(big.Int).Set(huge)
	backend.mu.Unlock()

	if _, err := vault.GetDeposit(ctx, 1); !errors.Is(err, vaulterr.ErrQueryFailed) {
		t.Fatalf("expected query failure for unlock 2^63, got %v", err)
	}

	ev := vaultABI.Events["DepositCreated"]
	payload, err := ev.Inputs.NonIndexed().Pack(common.Address{}, big.NewInt(1), huge)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	l := types.Log{
		Address: testVault,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(2)),
			common.BytesToHash(depositor.Bytes()),
			common.BytesToHash(depositor.Bytes()),
		},
		Data: payload,
	}
	if _, ok := vault.CreatedDeposit(&types.Receipt{Logs: []*types.Log{&l}}); ok {
		t.Fatalf("event with unlock 2^63 must not decode")
	}
}
