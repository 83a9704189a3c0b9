package app

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Michael-Nwachukwu/boundless/internal/amount"
	"github.com/Michael-Nwachukwu/boundless/internal/execution"
	"github.com/Michael-Nwachukwu/boundless/internal/execution/planner"
	"github.com/Michael-Nwachukwu/boundless/internal/registry"
	"github.com/Michael-Nwachukwu/boundless/internal/schema"
	"github.com/spf13/cobra"

	clierr "github.com/Michael-Nwachukwu/boundless/internal/errors"
)

// withdrawAll is the Aave sentinel for the caller's whole supplied balance.
var withdrawAll = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

type withdrawView struct {
	MarketID  string `json:"market_id"`
	ChainID   int64  `json:"chain_id"`
	Pool      string `json:"pool"`
	Asset     string `json:"asset"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	TxHash    string `json:"tx_hash"`
}

func (s *runtimeState) newWithdrawCommand() *cobra.Command {
	var market, raw, address string
	var sf signerFlags
	cmd := &cobra.Command{
		Use:         "withdraw",
		Short:       "Withdraw a supplied asset from an Aave V3 market back to the signer",
		Annotations: map[string]string{schema.ExecutesAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			s.resetCommandDiagnostics()
			m, ok := registry.MarketByID(market)
			if !ok {
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown market %q (see `boundless markets`)", market))
			}
			amt, err := withdrawAmount(raw, registry.KnownDecimals(m.Asset))
			if err != nil {
				return err
			}
			wallet, release, err := s.openSigner(sf, address)
			if err != nil {
				return err
			}
			defer release()

			recipient := wallet.Address().Hex()
			call, err := planner.AaveWithdrawCall(m.ChainID, m.Pool, m.Underlying, recipient, amt)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := wallet.SwitchTo(ctx, m.ChainID); err != nil {
				return err
			}
			hash, err := wallet.Send(ctx, execution.Call{
				Kind:    execution.CallWithdraw,
				ChainID: call.ChainID,
				Target:  call.Target,
				Data:    call.Data,
			})
			if err != nil {
				return err
			}
			view := withdrawView{
				MarketID:  m.ID,
				ChainID:   m.ChainID,
				Pool:      call.Target,
				Asset:     call.Token,
				Recipient: recipient,
				Amount:    call.Amount,
				TxHash:    hash,
			}
			if amt.Cmp(withdrawAll) == 0 {
				view.Amount = "max"
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, nil, cacheMetaBypass(), nil, false)
		},
	}
	cmd.Flags().StringVar(&market, "market", "", "Market id (see `markets`)")
	cmd.Flags().StringVar(&raw, "amount", "", "Token amount to withdraw, or max")
	cmd.Flags().StringVar(&address, "address", "", "Expected signer address (defaults to the signer)")
	sf.bind(cmd)
	_ = cmd.MarkFlagRequired("market")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

// withdrawAmount parses a human token amount into base units.
func withdrawAmount(raw string, decimals int) (*big.Int, error) {
	if strings.EqualFold(strings.TrimSpace(raw), "max") {
		return withdrawAll, nil
	}
	d, err := amount.ParseDecimal(raw, decimals)
	if err != nil {
		return nil, err
	}
	base := amount.ToBaseUnits(d, decimals)
	if base.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "withdraw amount must be greater than zero")
	}
	return base, nil
}
