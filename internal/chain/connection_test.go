package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"timelockvault/internal/vault"
	"timelockvault/internal/vaulterr"
)

var (
	testChainID = big.NewInt(84532)
	testVault   = common.HexToAddress("0x00000000000000000000000000000000000a0017")
)

func newKeyWallet(t *testing.T, backend ChainIDReader) *KeyWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewKeyWallet(key, backend)
}

func TestConnectInstallsSession(t *testing.T) {
	backend := vault.NewFakeBackend(testChainID, testVault)
	wallet := newKeyWallet(t, backend)
	conn := NewConnection(backend, wallet, Options{ChainID: testChainID})

	if _, err := conn.Session(); !errors.Is(err, vaulterr.ErrNotConnected) {
		t.Fatalf("expected not connected before connect, got %v", err)
	}

	s, err := conn.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.Address != wallet.Address() || s.NetworkID.Cmp(testChainID) != 0 || s.Warning != nil {
		t.Fatalf("unexpected session %+v", s)
	}
	if err := conn.Check(s); err != nil {
		t.Fatalf("fresh session should be valid: %v", err)
	}
	opts, err := conn.TransactOpts(context.Background(), s)
	if err != nil || opts.From != s.Address || opts.Signer == nil {
		t.Fatalf("unexpected transact opts %+v err=%v", opts, err)
	}
}

func TestConnectWithoutWallet(t *testing.T) {
	backend := vault.NewFakeBackend(testChainID, testVault)
	conn := NewConnection(backend, nil, Options{ChainID: testChainID})

	if _, err := conn.Connect(context.Background()); !errors.Is(err, vaulterr.ErrWalletUnavailable) {
		t.Fatalf("expected wallet unavailable, got %v", err)
	}
	if conn.ReadHandle() == nil {
		t.Fatalf("read handle must exist without a wallet")
	}
}

func TestConnectRejectedKeepsPreviousSession(t *testing.T) {
	backend := vault.NewFakeBackend(testChainID, testVault)
	wallet := newKeyWallet(t, backend)
	conn := NewConnection(backend, wallet, Options{ChainID: testChainID})

	first, err := conn.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	wallet.Approve = func(common.Address) bool { return false }
	if _, err := conn.Connect(context.Background()); !errors.Is(err, vaulterr.ErrUserRejected) {
		t.Fatalf("expected user rejected, got %v", err)
	}
	if err := conn.Check(first); err != nil {
		t.Fatalf("declined reconnect must keep the old session: %v", err)
	}
}

func TestConnectNetworkMismatchIsWarning(t *testing.T) {
	backend := vault.NewFakeBackend(big.NewInt(1), testVault)
	wallet := newKeyWallet(t, backend)
	conn := NewConnection(backend, wallet, Options{ChainID: testChainID})

	s, err := conn.Connect(context.Background())
	if err != nil {
		t.Fatalf("mismatch must not abort connect: %v", err)
	}
	if !errors.Is(s.Warning, vaulterr.ErrNetworkMismatch) {
		t.Fatalf("expected network mismatch warning, got %v", s.Warning)
	}
	if s.NetworkID.Int64() != 1 {
		t.Fatalf("session should reflect the wallet's actual network, got %s", s.NetworkID)
	}
}

func TestReconnectInvalidatesOldSession(t *testing.T) {
	backend := vault.NewFakeBackend(testChainID, testVault)
	conn := NewConnection(backend, newKeyWallet(t, backend), Options{ChainID: testChainID})

	first, _ := conn.Connect(context.Background())
	second, err := conn.Connect(context.Background())
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if second.Epoch <= first.Epoch {
		t.Fatalf("epoch must increase: %d -> %d", first.Epoch, second.Epoch)
	}
	if err := conn.Check(first); !errors.Is(err, vaulterr.ErrSessionInvalidated) {
		t.Fatalf("expected stale session to be invalid, got %v", err)
	}
	if _, err := conn.TransactOpts(context.Background(), first); !errors.Is(err, vaulterr.ErrSessionInvalidated) {
		t.Fatalf("stale session must not sign, got %v", err)
	}
}

func TestWalletNotifications(t *testing.T) {
	backend := vault.NewFakeBackend(testChainID, testVault)
	wallet := newKeyWallet(t, backend)
	conn := NewConnection(backend, wallet, Options{ChainID: testChainID})

	s, _ := conn.Connect(context.Background())
	conn.AccountsChanged([]common.Address{wallet.Address()})
	conn.NetworkChanged(testChainID)
	if err := conn.Check(s); err != nil {
		t.Fatalf("unchanged identity must keep the session: %v", err)
	}

	conn.NetworkChanged(big.NewInt(1))
	if err := conn.Check(s); !errors.Is(err, vaulterr.ErrSessionInvalidated) {
		t.Fatalf("network change must invalidate, got %v", err)
	}

	if _, err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	conn.AccountsChanged([]common.Address{common.HexToAddress("0x01")})
	if _, err := conn.Session(); !errors.Is(err, vaulterr.ErrNotConnected) {
		t.Fatalf("account change must drop the session, got %v", err)
	}
}

func TestLoadKeyFromHex(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	loaded, err := LoadKey(hexKey, "")
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if crypto.PubkeyToAddress(loaded.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("loaded a different key")
	}

	if _, err := LoadKey("", ""); !errors.Is(err, vaulterr.ErrWalletUnavailable) {
		t.Fatalf("expected wallet unavailable without key, got %v", err)
	}
}
