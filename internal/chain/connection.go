// Package chain owns the read-only RPC handle and the single active
// signing session.
package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"timelockvault/internal/vault"
	"timelockvault/internal/vaulterr"
)

// Session is one authorized wallet identity. A session is immutable; a
// reconnect replaces it with a new value carrying a higher epoch.
type Session struct {
	Address   common.Address
	NetworkID *big.Int
	Epoch     uint64
	// Warning is set when the wallet stayed on a network other than the
	// configured one.
	Warning error

	signer bind.SignerFn
}

// Connection wraps the read endpoint and the current session.
type Connection struct {
	read     vault.Backend
	wallet   Wallet
	chainID  *big.Int
	gasLimit uint64

	connectMu sync.Mutex
	epoch     atomic.Uint64
	session   atomic.Pointer[Session]
}

type Options struct {
	// ChainID is the network the vault lives on.
	ChainID *big.Int
	// GasLimit is applied to every transaction; zero lets the node estimate.
	GasLimit uint64
}

// NewConnection builds a connection. wallet may be nil, in which case only
// read access is available.
func NewConnection(read vault.Backend, wallet Wallet, opts Options) *Connection {
	return &Connection{
		read:     read,
		wallet:   wallet,
		chainID:  opts.ChainID,
		gasLimit: opts.GasLimit,
	}
}

// ReadHandle is always available and never requires a wallet.
func (c *Connection) ReadHandle() vault.Backend {
	return c.read
}

func (c *Connection) ChainID() *big.Int {
	return c.chainID
}

// Connect asks the wallet for authorization and installs a new session.
// On failure the previous session, if any, is left in place.
func (c *Connection) Connect(ctx context.Context) (*Session, error) {
	if c.wallet == nil {
		return nil, vaulterr.New(vaulterr.KindWalletUnavailable, "no wallet configured")
	}
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	accounts, err := c.wallet.RequestAccounts(ctx)
	if err != nil {
		if errors.Is(err, vaulterr.ErrUserRejected) {
			return nil, err
		}
		return nil, vaulterr.Wrap(vaulterr.KindWalletUnavailable, err, "request accounts")
	}
	if len(accounts) == 0 {
		return nil, vaulterr.New(vaulterr.KindWalletUnavailable, "wallet returned no accounts")
	}
	account := accounts[0]

	var warning error
	if c.chainID != nil {
		if err := c.wallet.SwitchNetwork(ctx, c.chainID); err != nil {
			warning = vaulterr.Wrap(vaulterr.KindNetworkMismatch, err, "switch to chain %s", c.chainID)
			log.Warn().Err(err).Str("chain_id", c.chainID.String()).Msg("chain switch failed, continuing on wallet network")
		}
	}

	networkID, err := c.wallet.NetworkID(ctx)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindWalletUnavailable, err, "read wallet network")
	}
	signer, err := c.wallet.SignerFn(ctx, account)
	if err != nil {
		if errors.Is(err, vaulterr.ErrUserRejected) {
			return nil, err
		}
		return nil, vaulterr.Wrap(vaulterr.KindWalletUnavailable, err, "get signer")
	}

	s := &Session{
		Address:   account,
		NetworkID: networkID,
		Epoch:     c.epoch.Add(1),
		Warning:   warning,
		signer:    signer,
	}
	c.session.Store(s)
	log.Info().Str("account", account.Hex()).Str("network", networkID.String()).Uint64("epoch", s.Epoch).Msg("wallet connected")
	return s, nil
}

// Session returns the active session.
func (c *Connection) Session() (*Session, error) {
	s := c.session.Load()
	if s == nil {
		return nil, vaulterr.New(vaulterr.KindNotConnected, "connect wallet first")
	}
	return s, nil
}

// Check fails with SessionInvalidated unless s is still the active session.
func (c *Connection) Check(s *Session) error {
	if s == nil {
		return vaulterr.New(vaulterr.KindNotConnected, "connect wallet first")
	}
	if c.session.Load() != s {
		return vaulterr.New(vaulterr.KindSessionInvalidated, "session for %s (epoch %d) is no longer active", s.Address.Hex(), s.Epoch)
	}
	return nil
}

// Invalidate drops the active session.
func (c *Connection) Invalidate(reason string) {
	if old := c.session.Swap(nil); old != nil {
		log.Info().Str("account", old.Address.Hex()).Uint64("epoch", old.Epoch).Str("reason", reason).Msg("session invalidated")
	}
}

// AccountsChanged handles a wallet notification. The session survives only
// if its address is still the wallet's first account.
func (c *Connection) AccountsChanged(accounts []common.Address) {
	s := c.session.Load()
	if s == nil {
		return
	}
	if len(accounts) == 0 || accounts[0] != s.Address {
		c.Invalidate("accounts changed")
	}
}

// NetworkChanged handles a wallet notification that the active network moved.
func (c *Connection) NetworkChanged(networkID *big.Int) {
	s := c.session.Load()
	if s == nil {
		return
	}
	if networkID == nil || s.NetworkID.Cmp(networkID) != 0 {
		c.Invalidate("network changed")
	}
}

// TransactOpts returns signing options bound to s.
func (c *Connection) TransactOpts(ctx context.Context, s *Session) (*bind.TransactOpts, error) {
	if err := c.Check(s); err != nil {
		return nil, err
	}
	return &bind.TransactOpts{
		From:     s.Address,
		Signer:   s.signer,
		Context:  ctx,
		GasLimit: c.gasLimit,
	}, nil
}

func (c *Connection) Ping(ctx context.Context) error {
	if c.read == nil {
		return errors.New("rpc client not configured")
	}
	_, err := c.read.BlockNumber(ctx)
	return err
}
