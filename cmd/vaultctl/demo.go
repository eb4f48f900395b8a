package main

import (
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"timelockvault/internal/chain"
	"timelockvault/internal/coordinator"
	"timelockvault/internal/history"
	"timelockvault/internal/metrics"
	"timelockvault/internal/txexec"
	"timelockvault/internal/vault"
)

var (
	demoChainID = big.NewInt(84532)
	demoVault   = common.HexToAddress("0x00000000000000000000000000000000000a0017")
	demoToken   = common.HexToAddress("0x000000000000000000000000000000000000701e")
)

// demoCmd walks both deposit lifecycles against the in-memory chain.
func demoCmd(c *cli.Context) error {
	if err := setupLogging("warn"); err != nil {
		return err
	}
	ctx := c.Context
	out := c.App.Writer

	backend := vault.NewFakeBackend(demoChainID, demoVault)
	backend.DeployToken(demoToken, "USDC", 6)

	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	wallet := chain.NewKeyWallet(key, backend)
	account := wallet.Address()
	if err := backend.MintToken(demoToken, account, big.NewInt(1_000_000_000)); err != nil {
		return err
	}

	m := metrics.New()
	conn := chain.NewConnection(backend, wallet, chain.Options{ChainID: demoChainID})
	contract, err := vault.NewContract(demoVault, backend)
	if err != nil {
		return err
	}
	exec := txexec.NewExecutor(backend, txexec.Options{PollInterval: 10 * time.Millisecond, ConfirmTimeout: 10 * time.Second, Metrics: m})
	projector := history.NewProjector(contract, backend, history.Options{Metrics: m})
	coord := coordinator.New(conn, contract, exec, projector, m)

	if _, err := coord.Connect(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "connected %s on chain %s\n\n", vault.Short(account), demoChainID)

	unlock := backend.Now().Add(time.Hour).Unix()
	step(out, "deposit 1 ETH, unlocking in one hour")
	res, err := coord.DepositEth(ctx, coordinator.EthDeposit{Beneficiary: account.Hex(), Amount: "1", UnlockTime: unlock})
	if err != nil {
		return err
	}
	printResult(out, res)

	step(out, "withdraw before unlock")
	if _, err := coord.Withdraw(ctx, res.DepositID); err != nil {
		fmt.Fprintf(out, "refused: %v\n", err)
	}

	step(out, "two hours later, withdraw")
	backend.AdvanceTime(2 * time.Hour)
	res, err = coord.Withdraw(ctx, res.DepositID)
	if err != nil {
		return err
	}
	printResult(out, res)

	step(out, "deposit 100 USDC with no allowance")
	res, err = coord.DepositERC20(ctx, coordinator.TokenDeposit{
		Token:       demoToken.Hex(),
		Beneficiary: account.Hex(),
		Amount:      "100",
		UnlockTime:  backend.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		return err
	}
	printResult(out, res)

	var calls []string
	for _, e := range backend.Journal() {
		if e.Op == "sent" {
			calls = append(calls, e.Method)
		}
	}
	fmt.Fprintf(out, "\nsubmitted in order: %s\n", strings.Join(calls, " -> "))
	return nil
}

func step(w io.Writer, title string) {
	fmt.Fprintf(w, "\n== %s\n", title)
}
