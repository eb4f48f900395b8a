package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

var (
	optionConfig = &cli.StringFlag{
		Name:    "config",
		Usage:   "path to the YAML config file",
		EnvVars: []string{"VAULT_CONFIG"},
	}
	optionYes = &cli.BoolFlag{
		Name:  "yes",
		Usage: "approve the wallet connection without prompting",
	}
	optionID = &cli.Uint64Flag{
		Name:     "id",
		Usage:    "deposit id",
		Required: true,
	}
	optionBeneficiary = &cli.StringFlag{
		Name:     "beneficiary",
		Usage:    "address allowed to withdraw once unlocked",
		Required: true,
	}
	optionAmount = &cli.StringFlag{
		Name:     "amount",
		Usage:    "amount in whole units, e.g. 1.5",
		Required: true,
	}
	optionUnlockTime = &cli.Int64Flag{
		Name:  "unlock-time",
		Usage: "unlock time as unix seconds",
	}
	optionLockFor = &cli.DurationFlag{
		Name:  "lock-for",
		Usage: "unlock this long from now; overrides --unlock-time",
	}
	optionJSON = &cli.BoolFlag{
		Name:  "json",
		Usage: "print results as JSON",
	}
)

func main() {
	app := &cli.App{
		Name:  "vaultctl",
		Usage: "operate a timelock vault: lock ETH or ERC-20 funds until a time, then release them",
		Flags: []cli.Flag{optionConfig, optionYes, optionJSON},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Action: serveCmd,
			},
			{
				Name:   "history",
				Usage:  "list recent deposits, newest first",
				Action: historyCmd,
			},
			{
				Name:   "deposit",
				Usage:  "show the live state of one deposit",
				Flags:  []cli.Flag{optionID},
				Action: depositCmd,
			},
			{
				Name:   "deposit-eth",
				Usage:  "lock ETH for a beneficiary",
				Flags:  []cli.Flag{optionBeneficiary, optionAmount, optionUnlockTime, optionLockFor},
				Action: depositEthCmd,
			},
			{
				Name:  "deposit-erc20",
				Usage: "lock ERC-20 tokens for a beneficiary, approving the vault first when needed",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Usage: "token contract address", Required: true},
					optionBeneficiary, optionAmount, optionUnlockTime, optionLockFor,
				},
				Action: depositERC20Cmd,
			},
			{
				Name:   "withdraw",
				Usage:  "release an unlocked deposit to its beneficiary",
				Flags:  []cli.Flag{optionID},
				Action: withdrawCmd,
			},
			{
				Name:   "extend",
				Usage:  "push a deposit's unlock time later",
				Flags:  []cli.Flag{optionID, optionUnlockTime, optionLockFor},
				Action: extendCmd,
			},
			{
				Name:  "token",
				Usage: "show token metadata and the owner's allowance to the vault",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "address", Usage: "token contract address", Required: true},
					&cli.StringFlag{Name: "owner", Usage: "account whose balance and allowance to show"},
				},
				Action: tokenCmd,
			},
			{
				Name:   "demo",
				Usage:  "run the ETH and token lifecycles against an in-memory chain",
				Action: demoCmd,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.ErrWriter, "Exited with error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return nil
}

// unlockTime resolves --lock-for and --unlock-time into unix seconds.
func unlockTime(c *cli.Context, now time.Time) (int64, error) {
	if d := c.Duration(optionLockFor.Name); d != 0 {
		return now.Add(d).Unix(), nil
	}
	if c.IsSet(optionUnlockTime.Name) {
		return c.Int64(optionUnlockTime.Name), nil
	}
	return 0, fmt.Errorf("one of --%s or --%s is required", optionUnlockTime.Name, optionLockFor.Name)
}
