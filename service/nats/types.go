package nats

import (
	"time"

	"github.com/google/uuid"

	"github.com/tiplinehq/tipline/service/db"
)

// TransactionEvent represents a dispatched transaction published to NATS.
// Events are published to the subject "txns.{user_id}" in JetStream so that
// downstream consumers (activity feeds, accounting) can subscribe per user.
type TransactionEvent struct {
	EventID string `json:"event_id"`

	// Who initiated the transaction.
	UserID   string `json:"user_id"`
	Platform string `json:"platform"`

	// What was executed.
	Type         string  `json:"type"`
	Chain        string  `json:"chain"`
	Amount       string  `json:"amount"`
	TokenAddress string  `json:"token_address"`
	TokenType    string  `json:"token_type"`
	Receiver     *string `json:"receiver,omitempty"`

	// On-chain reference.
	TxHash string `json:"tx_hash"`

	PublishedAt time.Time `json:"published_at"`
}

// FromDBTransaction converts a recorded transaction to a TransactionEvent
// for publishing.
func FromDBTransaction(txn *db.Transaction) *TransactionEvent {
	event := &TransactionEvent{
		EventID:      uuid.NewString(),
		UserID:       txn.UserID,
		Platform:     txn.Platform,
		Type:         txn.Type,
		Chain:        txn.Chain,
		Amount:       txn.Amount,
		TokenAddress: txn.TokenAddress,
		TokenType:    txn.TokenType,
		TxHash:       txn.TxHash,
		PublishedAt:  time.Now().UTC(),
	}
	if txn.ReceiverValue != nil {
		event.Receiver = txn.ReceiverValue
	}
	return event
}
