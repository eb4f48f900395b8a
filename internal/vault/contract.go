package vault

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"timelockvault/internal/vaulterr"
)

// Contract is the typed call surface of the TimelockVault proxy.
type Contract struct {
	address  common.Address
	backend  Backend
	contract *bind.BoundContract
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	if rpcURL == "" {
		return nil, vaulterr.New(vaulterr.KindMisconfigured, "rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindQueryFailed, err, "dial rpc %s", rpcURL)
	}
	return cli, nil
}

func NewContract(address common.Address, backend Backend) (*Contract, error) {
	if address == (common.Address{}) {
		return nil, vaulterr.New(vaulterr.KindMisconfigured, "vault address is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("vault: nil backend")
	}
	return &Contract{
		address:  address,
		backend:  backend,
		contract: bind.NewBoundContract(address, vaultABI, backend, backend, backend),
	}, nil
}

func (c *Contract) Address() common.Address {
	return c.address
}

// GetDeposit reads the live state of one deposit.
func (c *Contract) GetDeposit(ctx context.Context, id uint64) (Deposit, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getDeposit", new(big.Int).SetUint64(id))
	if err != nil {
		return Deposit{}, vaulterr.Wrap(vaulterr.KindQueryFailed, err, "get deposit %d", id)
	}
	if len(out) != 6 {
		return Deposit{}, vaulterr.New(vaulterr.KindQueryFailed, "get deposit %d: unexpected %d outputs", id, len(out))
	}

	unlock, err := unixSeconds(*abi.ConvertType(out[4], new(*big.Int)).(**big.Int))
	if err != nil {
		return Deposit{}, vaulterr.Wrap(vaulterr.KindQueryFailed, err, "get deposit %d", id)
	}
	return Deposit{
		ID:          id,
		Depositor:   *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Beneficiary: *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Token:       *abi.ConvertType(out[2], new(common.Address)).(*common.Address),
		Amount:      *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		UnlockTime:  unlock,
		Withdrawn:   *abi.ConvertType(out[5], new(bool)).(*bool),
	}, nil
}

type depositCreatedLog struct {
	DepositId   *big.Int
	Depositor   common.Address
	Beneficiary common.Address
	Token       common.Address
	Amount      *big.Int
	UnlockTime  *big.Int
}

// DepositCreatedEvents returns DepositCreated logs between fromBlock and
// toBlock (nil means the chain head), oldest first.
func (c *Contract) DepositCreatedEvents(ctx context.Context, fromBlock uint64, toBlock *uint64) ([]DepositCreated, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{vaultABI.Events["DepositCreated"].ID}},
	}
	if toBlock != nil {
		query.ToBlock = new(big.Int).SetUint64(*toBlock)
	}

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindQueryFailed, err, "filter DepositCreated from block %d", fromBlock)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]DepositCreated, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := c.decodeDepositCreated(l)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// CreatedDeposit returns the DepositCreated event emitted in receipt.
func (c *Contract) CreatedDeposit(receipt *types.Receipt) (DepositCreated, bool) {
	if receipt == nil {
		return DepositCreated{}, false
	}
	topic := vaultABI.Events["DepositCreated"].ID
	for _, l := range receipt.Logs {
		if l.Address != c.address || len(l.Topics) == 0 || l.Topics[0] != topic {
			continue
		}
		ev, err := c.decodeDepositCreated(*l)
		if err != nil {
			continue
		}
		return ev, true
	}
	return DepositCreated{}, false
}

func (c *Contract) decodeDepositCreated(l types.Log) (DepositCreated, error) {
	var raw depositCreatedLog
	if err := c.contract.UnpackLog(&raw, "DepositCreated", l); err != nil {
		return DepositCreated{}, vaulterr.Wrap(vaulterr.KindQueryFailed, err, "decode DepositCreated in tx %s", l.TxHash.Hex())
	}
	unlock, err := unixSeconds(raw.UnlockTime)
	if err != nil {
		return DepositCreated{}, vaulterr.Wrap(vaulterr.KindQueryFailed, err, "decode DepositCreated in tx %s", l.TxHash.Hex())
	}
	return DepositCreated{
		Deposit: Deposit{
			ID:          raw.DepositId.Uint64(),
			Depositor:   raw.Depositor,
			Beneficiary: raw.Beneficiary,
			Token:       raw.Token,
			Amount:      raw.Amount,
			UnlockTime:  unlock,
		},
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
	}, nil
}

// unixSeconds narrows a uint256 timestamp to int64 seconds.
func unixSeconds(v *big.Int) (int64, error) {
	if v == nil || !v.IsInt64() {
		return 0, fmt.Errorf("unlock time %v out of range", v)
	}
	return v.Int64(), nil
}

// DepositEth locks opts.Value wei for beneficiary until unlockTime.
func (c *Contract) DepositEth(opts *bind.TransactOpts, beneficiary common.Address, unlockTime int64) (*types.Transaction, error) {
	return c.contract.Transact(opts, "depositEth", beneficiary, big.NewInt(unlockTime))
}

// DepositERC20 pulls amount of token from the sender. The vault must
// already hold a sufficient allowance.
func (c *Contract) DepositERC20(opts *bind.TransactOpts, token common.Address, amount *big.Int, beneficiary common.Address, unlockTime int64) (*types.Transaction, error) {
	return c.contract.Transact(opts, "depositERC20", token, amount, beneficiary, big.NewInt(unlockTime))
}

func (c *Contract) Withdraw(opts *bind.TransactOpts, id uint64) (*types.Transaction, error) {
	return c.contract.Transact(opts, "withdraw", new(big.Int).SetUint64(id))
}

func (c *Contract) ExtendLock(opts *bind.TransactOpts, id uint64, newUnlockTime int64) (*types.Transaction, error) {
	return c.contract.Transact(opts, "extendLock", new(big.Int).SetUint64(id), big.NewInt(newUnlockTime))
}
