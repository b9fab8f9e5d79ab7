package pipeline

import (
	"math/big"
	"strconv"
	"strings"
)

// BalanceLine is one token balance within a chain section.
type BalanceLine struct {
	Symbol string
	Amount *big.Float
}

// BalanceSection is the balances of one chain, in display order.
type BalanceSection struct {
	Chain string
	Lines []BalanceLine
}

// FormatBalances renders balance sections as the reply block:
//
//	BALANCE:
//
//	chain: solana
//	1.5 - SOL
//	25 - USDC
//
//	chain: ethereum
//	0.1 - ETH
func FormatBalances(sections []BalanceSection) string {
	var b strings.Builder
	b.WriteString("BALANCE:\n\n")
	for _, section := range sections {
		b.WriteString("chain: " + section.Chain + "\n")
		for _, line := range section.Lines {
			b.WriteString(formatAmount(line.Amount) + " - " + strings.ToUpper(line.Symbol) + "\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// formatAmount renders an amount with four significant digits.
func formatAmount(v *big.Float) string {
	if v == nil {
		return "0"
	}
	f, _ := v.Float64()
	return strconv.FormatFloat(f, 'g', 4, 64)
}
