package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode"

	"github.com/tiplinehq/tipline/service/db"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a prompt
	maxPromptLength    = 1000
	maxUserIDLength    = 100
)

// TransactionLister is the subset of the store the API reads from.
type TransactionLister interface {
	ListTransactionsByUser(ctx context.Context, params db.ListTransactionsByUserParams) ([]*db.Transaction, error)
}

type promptRequest struct {
	Prompt   string `json:"prompt"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

type promptResponse struct {
	Reply string `json:"reply"`
}

// handlePrompt returns a handler that executes a command for a user.
// POST /api/v1/prompt
func handlePrompt(prompts PromptHandler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req promptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		if err := validateUserID(req.UserID); err != nil {
			logger.Debug("invalid user id", "user_id", req.UserID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Prompt == "" {
			writeError(w, "prompt is required", http.StatusBadRequest)
			return
		}
		if len(req.Prompt) > maxPromptLength {
			writeError(w, fmt.Sprintf("prompt too long: maximum length is %d characters", maxPromptLength), http.StatusBadRequest)
			return
		}

		reply, err := prompts.HandlePrompt(r.Context(), req.UserID, req.Username, req.Prompt)
		if err != nil {
			logger.Error("failed to handle prompt", "user_id", req.UserID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("prompt handled", "user_id", req.UserID)
		writeJSON(w, promptResponse{Reply: reply}, http.StatusOK)
	})
}

type transactionResponse struct {
	ID              int64     `json:"id"`
	UserID          string    `json:"user_id"`
	Type            string    `json:"type"`
	Chain           string    `json:"chain"`
	Amount          string    `json:"amount"`
	TokenAddress    string    `json:"token_address"`
	TokenType       string    `json:"token_type"`
	Receiver        *string   `json:"receiver,omitempty"`
	ReceiverType    *string   `json:"receiver_type,omitempty"`
	TxHash          string    `json:"tx_hash"`
	Platform        string    `json:"platform"`
	OriginalCommand string    `json:"original_command"`
	CreatedAt       time.Time `json:"created_at"`
}

func transactionToResponse(txn *db.Transaction) transactionResponse {
	return transactionResponse{
		ID:              txn.ID,
		UserID:          txn.UserID,
		Type:            txn.Type,
		Chain:           txn.Chain,
		Amount:          txn.Amount,
		TokenAddress:    txn.TokenAddress,
		TokenType:       txn.TokenType,
		Receiver:        txn.ReceiverValue,
		ReceiverType:    txn.ReceiverType,
		TxHash:          txn.TxHash,
		Platform:        txn.Platform,
		OriginalCommand: txn.OriginalCommand,
		CreatedAt:       txn.CreatedAt,
	}
}

// handleListTransactions returns a handler that lists a user's transactions.
// GET /api/v1/transactions?user_id={id}&limit={n}&offset={n}
func handleListTransactions(store TransactionLister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		userID := query.Get("user_id")

		if err := validateUserID(userID); err != nil {
			logger.Debug("invalid user id", "user_id", userID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Parse limit (default 100, max 1000)
		limit := int32(100)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > 1000 {
				writeError(w, "limit cannot exceed 1000", http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		// Parse offset (default 0)
		offset := int32(0)
		if offsetStr := query.Get("offset"); offsetStr != "" {
			var parsedOffset int
			if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedOffset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = int32(parsedOffset)
		}

		txns, err := store.ListTransactionsByUser(r.Context(), db.ListTransactionsByUserParams{
			UserID: userID,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			logger.Error("failed to list transactions", "user_id", userID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]transactionResponse, len(txns))
		for i, txn := range txns {
			resp[i] = transactionToResponse(txn)
		}

		logger.Debug("transactions listed", "user_id", userID, "count", len(resp))
		writeJSON(w, resp, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateUserID validates a platform user id.
func validateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(userID) > maxUserIDLength {
		return fmt.Errorf("user_id too long: maximum length is %d characters", maxUserIDLength)
	}
	for _, r := range userID {
		if r == 0 || unicode.IsControl(r) {
			return fmt.Errorf("invalid characters in user_id: control characters not allowed")
		}
	}
	return nil
}
