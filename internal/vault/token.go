package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"timelockvault/internal/vaulterr"
)

// Token is a minimal ERC-20 gateway for an address chosen per call.
type Token struct {
	address  common.Address
	contract *bind.BoundContract
}

func NewToken(address common.Address, backend bind.ContractBackend) (*Token, error) {
	if address == (common.Address{}) {
		return nil, vaulterr.New(vaulterr.KindInvalidInput, "token address is the zero address")
	}
	return &Token{
		address:  address,
		contract: bind.NewBoundContract(address, erc20ABI, backend, backend, backend),
	}, nil
}

func (t *Token) Address() common.Address {
	return t.address
}

func (t *Token) Decimals(ctx context.Context) (uint8, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, vaulterr.Wrap(vaulterr.KindQueryFailed, err, "token %s decimals", t.address.Hex())
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (t *Token) Symbol(ctx context.Context) (string, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "symbol"); err != nil {
		return "", vaulterr.Wrap(vaulterr.KindQueryFailed, err, "token %s symbol", t.address.Hex())
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindQueryFailed, err, "token %s balance of %s", t.address.Hex(), owner.Hex())
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Allowance is the amount spender may still pull from owner.
func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindQueryFailed, err, "token %s allowance", t.address.Hex())
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (t *Token) Approve(opts *bind.TransactOpts, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "approve", spender, amount)
}
