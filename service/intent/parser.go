package intent

import (
	"regexp"
	"strings"
)

// Token vocabularies. Anything outside both lists is a generic token.
var (
	nativeTokens = map[string]bool{"sol": true, "eth": true, "mnt": true}
	stableTokens = map[string]bool{"usdc": true, "usdt": true}
)

// Grammar patterns, evaluated in order; the first match wins.
var (
	whitespaceRe = regexp.MustCompile(`\s+`)

	// send/tip <amount> <token> to <receiver> [on <chain>]
	sendRe = regexp.MustCompile(`(?i)(send|tip)\s+([\d.]+)\s+(\w+)\s+to\s+([a-zA-Z0-9._@]+)(?:\s+on\s+(\w+))?`)

	// buy/sell <amount><payToken> [worth] of <targetToken> [on <chain>]
	buySellOfRe = regexp.MustCompile(`(?i)(buy|sell)\s+([\d.]+)\s*([a-zA-Z]+)\s+(?:worth\s+of|of)\s+([a-zA-Z0-9]+)(?:\s+on\s+(\w+))?`)

	// buy/sell <targetToken> for <amount><payToken> [on <chain>]
	buySellForRe = regexp.MustCompile(`(?i)(buy|sell)\s+([a-zA-Z0-9]+)\s+for\s+([\d.]+)\s*([a-zA-Z]+)(?:\s+on\s+(\w+))?`)

	// sell all|half|N% [of] <token> [on <chain>]
	sellPortionRe = regexp.MustCompile(`(?i)sell\s+(all|half|\d{1,3}%)\s+(?:of\s+)?([a-zA-Z0-9]+)(?:\s+on\s+(\w+))?`)

	evmAddressRe    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	solanaAddressRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// Parser extracts Intents from free text against a fixed command grammar.
// It performs no I/O; the only state is the configured default chain.
type Parser struct {
	defaultChain string
}

// NewParser returns a Parser which falls back to defaultChain when no chain
// can be inferred from the command text.
func NewParser(defaultChain string) *Parser {
	return &Parser{defaultChain: defaultChain}
}

// Parse evaluates the grammar patterns in order and returns the first match.
// It returns nil when no pattern matches; callers must treat that as an
// unrecognized command, not an error. Matching is case-insensitive with
// whitespace runs collapsed to single spaces.
func (p *Parser) Parse(text string) *Intent {
	normalized := Normalize(text)

	if m := sendRe.FindStringSubmatch(normalized); m != nil {
		action, amount, tokenValue, receiverValue, chainHint := m[1], m[2], m[3], m[4], m[5]
		return &Intent{
			Action: Action(strings.ToLower(action)),
			Amount: amount,
			Token: Token{
				Value: tokenValue,
				Type:  DetectTokenType(tokenValue),
			},
			Receiver: &Receiver{
				Value: receiverValue,
				Type:  DetectReceiverType(receiverValue),
			},
			Chain: p.detectChainOr(chainHint, tokenValue),
		}
	}

	if m := buySellOfRe.FindStringSubmatch(normalized); m != nil {
		action, amount, payToken, targetToken, chainHint := m[1], m[2], m[3], m[4], m[5]
		return &Intent{
			Action: Action(strings.ToLower(action)),
			Amount: amount,
			Token: Token{
				Value: targetToken,
				Type:  DetectTokenType(targetToken),
			},
			Chain: p.detectChainOr(chainHint, payToken),
		}
	}

	if m := buySellForRe.FindStringSubmatch(normalized); m != nil {
		action, targetToken, amount, payToken, chainHint := m[1], m[2], m[3], m[4], m[5]
		return &Intent{
			Action: Action(strings.ToLower(action)),
			Amount: amount,
			Token: Token{
				Value: targetToken,
				Type:  DetectTokenType(targetToken),
			},
			Chain: p.detectChainOr(chainHint, payToken),
		}
	}

	if m := sellPortionRe.FindStringSubmatch(normalized); m != nil {
		portion, tokenValue, chainHint := m[1], m[2], m[3]
		amount := "100"
		switch {
		case strings.EqualFold(portion, "half"):
			amount = "50"
		case strings.HasSuffix(portion, "%"):
			amount = strings.TrimSuffix(portion, "%")
		}
		return &Intent{
			Action: ActionSell,
			Amount: amount,
			Token: Token{
				Value: tokenValue,
				Type:  DetectTokenType(tokenValue),
			},
			Chain: p.detectChainOr(chainHint, tokenValue),
		}
	}

	return nil
}

// Normalize collapses whitespace runs to single spaces and trims the ends.
func Normalize(text string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// DetectTokenType resolves a token symbol against the fixed vocabularies.
func DetectTokenType(value string) TokenType {
	lower := strings.ToLower(value)
	if nativeTokens[lower] {
		return TokenNative
	}
	if stableTokens[lower] {
		return TokenStable
	}
	return TokenOther
}

// DetectReceiverType classifies the receiver reference by shape: name-service
// names are domain-style, handles start with "@", everything else is assumed
// to be a raw wallet address.
func DetectReceiverType(value string) ReceiverType {
	if strings.HasSuffix(value, ".eth") {
		return ReceiverName
	}
	if strings.HasPrefix(value, "@") {
		return ReceiverHandle
	}
	return ReceiverWallet
}

// DetectChain infers a chain from a token symbol, chain keyword, or address
// shape. Empty string means no inference was possible.
func DetectChain(chainOrToken string) string {
	normalized := strings.ToLower(chainOrToken)
	switch {
	case strings.Contains(normalized, "sol"):
		return "solana"
	case normalized == "eth" || strings.Contains(normalized, "ethereum"):
		return "ethereum"
	case normalized == "mnt" || strings.Contains(normalized, "mantle"):
		return "mantle"
	case evmAddressRe.MatchString(chainOrToken):
		return "ethereum"
	case solanaAddressRe.MatchString(chainOrToken):
		return "solana"
	}
	return ""
}

// detectChainOr prefers an explicit "on <chain>" hint, then the token hint,
// then the configured default chain.
func (p *Parser) detectChainOr(chainHint, tokenHint string) string {
	if chainHint != "" {
		if chain := DetectChain(chainHint); chain != "" {
			return chain
		}
	}
	if chain := DetectChain(tokenHint); chain != "" {
		return chain
	}
	return p.defaultChain
}
