package intent

// Action is the financial verb extracted from a command.
type Action string

const (
	ActionSend Action = "send"
	ActionTip  Action = "tip"
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// TokenType classifies a token symbol against the fixed vocabularies.
type TokenType string

const (
	TokenNative TokenType = "native"
	TokenStable TokenType = "stable"
	TokenOther  TokenType = "token"
)

// ReceiverType classifies how the receiver was written in the command.
type ReceiverType string

const (
	ReceiverWallet ReceiverType = "wallet"
	ReceiverName   ReceiverType = "name"
	ReceiverHandle ReceiverType = "handle"
)

// Token is the token reference of a parsed command.
type Token struct {
	Value string
	Type  TokenType
}

// Receiver is the textual receiver reference of a parsed command. Resolution
// to a chain address happens later in the pipeline; the parser only records
// what the user wrote and its shape.
type Receiver struct {
	Value string
	Type  ReceiverType
}

// Intent is the structured representation of a parsed financial command.
// Immutable once parsed.
type Intent struct {
	Action   Action
	Chain    string
	Amount   string // decimal string, or a percentage for portion sells
	Token    Token
	Receiver *Receiver // nil for buy/sell
}
