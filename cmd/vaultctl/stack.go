package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"timelockvault/internal/chain"
	"timelockvault/internal/config"
	"timelockvault/internal/coordinator"
	"timelockvault/internal/history"
	"timelockvault/internal/metrics"
	"timelockvault/internal/txexec"
	"timelockvault/internal/vault"
)

// stack is the wired client: one read endpoint, an optional wallet and the
// coordinator on top.
type stack struct {
	cfg     *config.Config
	conn    *chain.Connection
	coord   *coordinator.Coordinator
	metrics *metrics.Registry
	close   func()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(optionConfig.Name))
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newStack dials the configured endpoint. A wallet is attached when a key
// is configured; requireWallet turns a missing key into an error.
func newStack(c *cli.Context, requireWallet bool) (*stack, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	client, err := vault.Dial(c.Context, cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}

	var wallet chain.Wallet
	key, err := chain.LoadKey(cfg.Wallet.PrivateKey, cfg.Wallet.PrivateKeyFile)
	switch {
	case err == nil:
		kw := chain.NewKeyWallet(key, client)
		kw.Approve = approver(c.Bool(optionYes.Name))
		wallet = kw
	case requireWallet:
		client.Close()
		return nil, err
	default:
		log.Debug().Err(err).Msg("no wallet, read-only access")
	}

	m := metrics.New()
	conn := chain.NewConnection(client, wallet, chain.Options{
		ChainID:  cfg.ChainID(),
		GasLimit: cfg.Tx.GasLimit,
	})
	contract, err := vault.NewContract(cfg.VaultAddress(), client)
	if err != nil {
		client.Close()
		return nil, err
	}
	exec := txexec.NewExecutor(client, txexec.Options{
		PollInterval:   cfg.PollInterval(),
		ConfirmTimeout: cfg.ConfirmTimeout(),
		Metrics:        m,
	})
	projector := history.NewProjector(contract, client, history.Options{
		StartBlock: cfg.Vault.StartBlock,
		Window:     cfg.Vault.HistoryWindow,
		Metrics:    m,
	})

	return &stack{
		cfg:     cfg,
		conn:    conn,
		coord:   coordinator.New(conn, contract, exec, projector, m),
		metrics: m,
		close:   client.Close,
	}, nil
}

// connect opens a signing session and logs which account it is for.
func (s *stack) connect(ctx context.Context) error {
	sess, err := s.coord.Connect(ctx)
	if err != nil {
		return err
	}
	if sess.Warning != nil {
		log.Warn().Err(sess.Warning).Msg("wallet stayed on another network")
	}
	log.Info().Str("account", vault.Short(sess.Address)).Str("network", sess.NetworkID.String()).Msg("wallet connected")
	return nil
}

// approver returns the KeyWallet consent hook. Without --yes it asks on
// the terminal.
func approver(yes bool) func(common.Address) bool {
	if yes {
		return func(common.Address) bool { return true }
	}
	return func(account common.Address) bool {
		fmt.Fprintf(os.Stderr, "Connect %s to the vault? [y/N] ", account.Hex())
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}
