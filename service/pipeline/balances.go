package pipeline

import (
	"context"
	"math/big"

	"github.com/tiplinehq/tipline/service/db"
)

var nativeSymbols = map[string]string{
	"solana":   "SOL",
	"ethereum": "ETH",
	"mantle":   "MNT",
}

var stableSymbols = []string{"usdc", "usdt"}

// Balances fetches a user's balances and renders them as a reply block.
// chain may be empty to report every supported chain. Individual lookup
// failures are logged and skipped so one flaky RPC does not blank the whole
// report.
func (d *Dispatcher) Balances(ctx context.Context, user *db.User, chain string) (string, error) {
	chains := []string{"solana", "ethereum", "mantle"}
	if chain != "" {
		chains = []string{chain}
	}

	sections := make([]BalanceSection, 0, len(chains))
	for _, c := range chains {
		section, err := d.chainBalances(ctx, user, c)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to fetch balances",
				"chain", c,
				"user", user.UserID,
				"error", err,
			)
			continue
		}
		sections = append(sections, section)
	}
	return FormatBalances(sections), nil
}

func (d *Dispatcher) chainBalances(ctx context.Context, user *db.User, chain string) (BalanceSection, error) {
	section := BalanceSection{Chain: chain}

	var (
		native  func(context.Context, string) (*big.Float, error)
		stable  func(context.Context, string, string) (*big.Float, error)
		address string
	)
	if chain == "solana" {
		native = d.sol.SOLBalance
		stable = d.sol.StableBalance
		address = user.SolanaAddress
	} else {
		evmChain, ok := d.evmChains[chain]
		if !ok {
			return section, errUnsupportedChain
		}
		native = evmChain.NativeBalance
		stable = evmChain.StableBalance
		address = user.EVMAddress
	}

	amount, err := native(ctx, address)
	if err != nil {
		return section, err
	}
	section.Lines = append(section.Lines, BalanceLine{Symbol: nativeSymbols[chain], Amount: amount})

	for _, symbol := range stableSymbols {
		amount, err := stable(ctx, address, symbol)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to fetch token balance",
				"chain", chain,
				"token", symbol,
				"error", err,
			)
			continue
		}
		section.Lines = append(section.Lines, BalanceLine{Symbol: symbol, Amount: amount})
	}
	return section, nil
}
