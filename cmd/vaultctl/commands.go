package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"timelockvault/internal/coordinator"
	"timelockvault/internal/hmacauth"
	"timelockvault/internal/history"
	"timelockvault/internal/idempotency"
	"timelockvault/internal/server"
	"timelockvault/internal/vault"
	"timelockvault/internal/vaulterr"
)

func serveCmd(c *cli.Context) error {
	st, err := newStack(c, false)
	if err != nil {
		return err
	}
	defer st.close()
	cfg := st.cfg

	var store idempotency.Store
	if cfg.Service.PostgresDSN != "" {
		pg, err := idempotency.NewPostgresStore(c.Context, cfg.Service.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	} else {
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		store = fs
	}

	if err := st.connect(c.Context); err != nil {
		log.Warn().Err(err).Msg("starting without a signing session")
	}
	if _, err := st.coord.History(c.Context, true); err != nil {
		log.Warn().Err(err).Msg("initial history refresh failed")
	}

	srv := server.NewServer(st.coord, server.Options{
		Port:              cfg.Service.HTTPPort,
		HMAC:              &hmacauth.Verifier{Secret: cfg.Service.HMACSecret, MaxSkew: cfg.HMACClockSkew()},
		Store:             store,
		IdempotencyWindow: cfg.IdempotencyWindow(),
		Metrics:           st.metrics,
		RPCHealth:         st.conn.Ping,
	})
	if cfg.Service.HMACSecret == "" {
		log.Warn().Msg("hmac_secret is empty, mutations are unauthenticated")
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	g := &run.Group{}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(srv.Start, func(error) {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	})

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("stopped")
		return nil
	}
	return err
}

func historyCmd(c *cli.Context) error {
	st, err := newStack(c, false)
	if err != nil {
		return err
	}
	defer st.close()

	view, err := st.coord.History(c.Context, true)
	if err != nil {
		return err
	}
	return printOut(c, view, func(w io.Writer) { printHistory(w, view) })
}

func depositCmd(c *cli.Context) error {
	st, err := newStack(c, false)
	if err != nil {
		return err
	}
	defer st.close()

	d, err := st.coord.Deposit(c.Context, c.Uint64(optionID.Name))
	if err != nil {
		return err
	}
	return printOut(c, d, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "id\t%d\n", d.ID)
		fmt.Fprintf(tw, "status\t%s\n", d.Status())
		fmt.Fprintf(tw, "token\t%s\n", d.TokenLabel())
		fmt.Fprintf(tw, "amount\t%s\n", d.DisplayAmount())
		fmt.Fprintf(tw, "depositor\t%s\n", d.Depositor.Hex())
		fmt.Fprintf(tw, "beneficiary\t%s\n", d.Beneficiary.Hex())
		fmt.Fprintf(tw, "unlocks\t%s\n", time.Unix(d.UnlockTime, 0).UTC().Format(time.RFC3339))
		tw.Flush()
	})
}

// mutate connects a session, runs fn and prints its result.
func mutate(c *cli.Context, fn func(ctx context.Context, coord *coordinator.Coordinator) (coordinator.Result, error)) error {
	st, err := newStack(c, true)
	if err != nil {
		return err
	}
	defer st.close()

	if err := st.connect(c.Context); err != nil {
		return err
	}
	res, err := fn(c.Context, st.coord)
	if err != nil {
		switch {
		case res.TxHash != (common.Hash{}):
			log.Error().Str("tx", res.TxHash.Hex()).Msg("transaction confirmed but the action did not complete")
		case res.FailedTx != nil:
			log.Error().Str("tx", res.FailedTx.Hex()).Msg("transaction mined and reverted")
		}
		return err
	}
	if res.RefreshError != "" {
		log.Warn().Str("error", res.RefreshError).Msg("history refresh failed after confirmation")
	}
	return printOut(c, res, func(w io.Writer) { printResult(w, res) })
}

func depositEthCmd(c *cli.Context) error {
	return mutate(c, func(ctx context.Context, coord *coordinator.Coordinator) (coordinator.Result, error) {
		unlock, err := unlockTime(c, time.Now())
		if err != nil {
			return coordinator.Result{}, err
		}
		return coord.DepositEth(ctx, coordinator.EthDeposit{
			Beneficiary: c.String(optionBeneficiary.Name),
			Amount:      c.String(optionAmount.Name),
			UnlockTime:  unlock,
		})
	})
}

func depositERC20Cmd(c *cli.Context) error {
	return mutate(c, func(ctx context.Context, coord *coordinator.Coordinator) (coordinator.Result, error) {
		unlock, err := unlockTime(c, time.Now())
		if err != nil {
			return coordinator.Result{}, err
		}
		return coord.DepositERC20(ctx, coordinator.TokenDeposit{
			Token:       c.String("token"),
			Beneficiary: c.String(optionBeneficiary.Name),
			Amount:      c.String(optionAmount.Name),
			UnlockTime:  unlock,
		})
	})
}

func withdrawCmd(c *cli.Context) error {
	return mutate(c, func(ctx context.Context, coord *coordinator.Coordinator) (coordinator.Result, error) {
		return coord.Withdraw(ctx, c.Uint64(optionID.Name))
	})
}

func extendCmd(c *cli.Context) error {
	return mutate(c, func(ctx context.Context, coord *coordinator.Coordinator) (coordinator.Result, error) {
		unlock, err := unlockTime(c, time.Now())
		if err != nil {
			return coordinator.Result{}, err
		}
		return coord.ExtendLock(ctx, c.Uint64(optionID.Name), unlock)
	})
}

func tokenCmd(c *cli.Context) error {
	st, err := newStack(c, false)
	if err != nil {
		return err
	}
	defer st.close()

	var owner *common.Address
	if raw := c.String("owner"); raw != "" {
		if !common.IsHexAddress(raw) {
			return vaulterr.New(vaulterr.KindInvalidInput, "owner %q is not a valid address", raw)
		}
		addr := common.HexToAddress(raw)
		owner = &addr
	}
	info, err := st.coord.TokenInfo(c.Context, c.String("address"), owner)
	if err != nil {
		return err
	}
	return printOut(c, info, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "token\t%s\n", info.Address.Hex())
		fmt.Fprintf(tw, "symbol\t%s\n", info.Symbol)
		fmt.Fprintf(tw, "decimals\t%d\n", info.Decimals)
		if owner != nil {
			fmt.Fprintf(tw, "balance\t%s\n", info.Balance)
			fmt.Fprintf(tw, "allowance\t%s\n", info.Allowance)
		}
		tw.Flush()
	})
}

func printOut(c *cli.Context, v any, text func(io.Writer)) error {
	if c.Bool(optionJSON.Name) {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(c.App.Writer)
	return nil
}

func printResult(w io.Writer, res coordinator.Result) {
	if res.ApproveTx != nil {
		fmt.Fprintf(w, "approve   %s\n", res.ApproveTx.Hex())
	}
	fmt.Fprintf(w, "%-9s %s (block %d)\n", res.Action, res.TxHash.Hex(), res.Block)
	if res.DepositID != 0 {
		fmt.Fprintf(w, "deposit   #%d\n", res.DepositID)
	}
	fmt.Fprintln(w)
	printHistory(w, res.History)
}

func printHistory(w io.Writer, view history.View) {
	if len(view.Rows) == 0 {
		fmt.Fprintln(w, "no deposits")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOKEN\tAMOUNT\tBENEFICIARY\tUNLOCKS\tSTATUS")
	for _, r := range view.Rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.TokenLabel(), r.DisplayAmount(), vault.Short(r.Beneficiary),
			time.Unix(r.UnlockTime, 0).UTC().Format(time.RFC3339), r.Status())
	}
	tw.Flush()
	if view.Truncated {
		fmt.Fprintf(w, "showing %d of %d deposits\n", len(view.Rows), view.TotalEvents)
	}
}
