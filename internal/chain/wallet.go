package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"timelockvault/internal/vaulterr"
)

// Wallet is the user-controlled signing provider.
type Wallet interface {
	// RequestAccounts asks the holder to authorize the client.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	SwitchNetwork(ctx context.Context, chainID *big.Int) error
	SignerFn(ctx context.Context, account common.Address) (bind.SignerFn, error)
}

// ChainIDReader is the part of a node the key wallet needs.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// KeyWallet signs with a local ECDSA key over a fixed RPC endpoint.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	rpc     ChainIDReader

	// Approve is consulted on RequestAccounts; returning false declines.
	Approve func(account common.Address) bool
}

func NewKeyWallet(key *ecdsa.PrivateKey, rpc ChainIDReader) *KeyWallet {
	return &KeyWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		rpc:     rpc,
	}
}

// LoadKey reads a private key from hex (0x optional) or, when hexKey is
// empty, from keyFile. "~/" in keyFile expands to the home directory.
func LoadKey(hexKey, keyFile string) (*ecdsa.PrivateKey, error) {
	if hexKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return key, nil
	}
	if keyFile == "" {
		return nil, vaulterr.New(vaulterr.KindWalletUnavailable, "no private key configured")
	}
	if strings.HasPrefix(keyFile, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		keyFile = filepath.Join(home, keyFile[2:])
	}
	key, err := crypto.LoadECDSA(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load private key from %s: %w", keyFile, err)
	}
	return key, nil
}

func (w *KeyWallet) Address() common.Address {
	return w.address
}

func (w *KeyWallet) RequestAccounts(context.Context) ([]common.Address, error) {
	if w.Approve != nil && !w.Approve(w.address) {
		return nil, vaulterr.New(vaulterr.KindUserRejected, "authorization of %s declined", w.address.Hex())
	}
	return []common.Address{w.address}, nil
}

func (w *KeyWallet) NetworkID(ctx context.Context) (*big.Int, error) {
	id, err := w.rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet chain id: %w", err)
	}
	return id, nil
}

// SwitchNetwork succeeds only when the wallet's endpoint already serves
// chainID; a key wallet cannot move to another network.
func (w *KeyWallet) SwitchNetwork(ctx context.Context, chainID *big.Int) error {
	current, err := w.NetworkID(ctx)
	if err != nil {
		return err
	}
	if current.Cmp(chainID) != 0 {
		return fmt.Errorf("wallet endpoint serves chain %s, cannot switch to %s", current, chainID)
	}
	return nil
}

func (w *KeyWallet) SignerFn(ctx context.Context, account common.Address) (bind.SignerFn, error) {
	if account != w.address {
		return nil, vaulterr.New(vaulterr.KindWalletUnavailable, "wallet does not hold %s", account.Hex())
	}
	chainID, err := w.NetworkID(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	return opts.Signer, nil
}
