package app

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/kmandex/internal/chain"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/model"
	"github.com/ggonzalez94/kmandex/internal/registry"
	"github.com/ggonzalez94/kmandex/internal/units"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type fundRequest struct {
	symbol   string
	token    common.Address
	whale    common.Address
	decimals int
}

func (s *runtimeState) newFundCommand() *cobra.Command {
	var tokenArg, toArg, fromArg, amountArg string
	var decimals int
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Transfer ERC20 tokens to a wallet from an impersonated holder",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := resolveFundRequest(s.settings.ChainID, tokenArg, fromArg, decimals)
			if err != nil {
				return err
			}
			to, err := parseAddress("to", toArg)
			if err != nil {
				return err
			}
			amount, err := units.Parse(amountArg, req.decimals)
			if err != nil {
				return err
			}
			if amount.Sign() <= 0 {
				return clierr.New(clierr.CodeUsage, "amount must be greater than zero")
			}

			sigCtx, stop := s.signalContext()
			defer stop()
			ctx, cancel := s.timeoutContext(sigCtx)
			defer cancel()

			mutator, err := chain.Dial(ctx, s.settings.RPCURL, s.logger)
			if err != nil {
				return err
			}
			defer mutator.Close()

			holder, err := mutator.Impersonate(ctx, req.whale)
			if err != nil {
				return err
			}
			defer func() {
				if err := mutator.StopImpersonating(ctx, req.whale); err != nil {
					s.logger.Warn("stop impersonating", zap.Stringer("account", req.whale), zap.Error(err))
				}
			}()

			receipt, err := mutator.FundWallet(ctx, holder, req.token, to, amount)
			if err != nil {
				return err
			}
			balance, err := mutator.TokenBalance(ctx, req.token, to)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.FundResult{
				Token:           req.symbol,
				TokenAddress:    req.token.Hex(),
				From:            req.whale.Hex(),
				To:              to.Hex(),
				Amount:          units.Format(amount, req.decimals),
				AmountBaseUnits: amount.String(),
				TxHash:          receipt.TxHash.Hex(),
				BlockNumber:     receipt.BlockNumber.Uint64(),
				BalanceAfter:    balance.String(),
			})
		},
	}
	cmd.Flags().StringVar(&tokenArg, "token", "", "Token symbol (USDC, WETH) or ERC20 address")
	cmd.Flags().StringVar(&toArg, "to", "", "Recipient wallet address")
	cmd.Flags().StringVar(&fromArg, "from", "", "Holder to impersonate (defaults to the token's known whale)")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Decimal token amount, e.g. 100000")
	cmd.Flags().IntVar(&decimals, "decimals", -1, "Token decimals (required for tokens given by address)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

// resolveFundRequest maps a symbol to its registry entry, or takes an
// explicit address together with --from and --decimals.
func resolveFundRequest(chainID int64, tokenArg, fromArg string, decimals int) (fundRequest, error) {
	tokenArg = strings.TrimSpace(tokenArg)
	var req fundRequest
	if common.IsHexAddress(tokenArg) {
		req.token = common.HexToAddress(tokenArg)
		req.symbol = req.token.Hex()
		req.decimals = decimals
		for _, known := range registry.Tokens(chainID) {
			if known.Address == req.token {
				req.symbol = known.Symbol
				req.whale = known.Whale
				if req.decimals < 0 {
					req.decimals = int(known.Decimals)
				}
			}
		}
	} else {
		known, ok := registry.LookupToken(chainID, strings.ToUpper(tokenArg))
		if !ok {
			return fundRequest{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown token %q on chain %d", tokenArg, chainID))
		}
		req = fundRequest{symbol: known.Symbol, token: known.Address, whale: known.Whale, decimals: int(known.Decimals)}
		if decimals >= 0 {
			req.decimals = decimals
		}
	}

	if strings.TrimSpace(fromArg) != "" {
		from, err := parseAddress("from", fromArg)
		if err != nil {
			return fundRequest{}, err
		}
		req.whale = from
	}
	if req.whale == (common.Address{}) {
		return fundRequest{}, clierr.New(clierr.CodeUsage, "--from is required for tokens without a known holder")
	}
	if req.decimals < 0 {
		return fundRequest{}, clierr.New(clierr.CodeUsage, "--decimals is required for tokens given by address")
	}
	return req, nil
}
