package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tiplinehq/tipline/service/db"
	"github.com/urfave/cli/v2"
)

func getUserCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-user",
		Usage:     "Get user details",
		Aliases:   []string{"get"},
		ArgsUsage: "<user_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: user id")
			}

			userID := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			user, err := store.GetUser(context.Background(), userID)
			if err != nil {
				return fmt.Errorf("failed to get user: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(userView(user))
			}

			// Pretty output; sealed keys are never printed.
			fmt.Printf("User ID:        %s\n", user.UserID)
			fmt.Printf("Username:       %s\n", user.Username)
			fmt.Printf("EVM Address:    %s\n", user.EVMAddress)
			fmt.Printf("Solana Address: %s\n", user.SolanaAddress)
			fmt.Printf("Active:         %t\n", user.Active)
			fmt.Printf("Created:        %s\n", user.CreatedAt.Format(time.RFC3339))

			return nil
		},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List transactions for a user",
		Aliases: []string{"txs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "User ID to list transactions for",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Offset into the result set",
			},
		},
		Action: func(c *cli.Context) error {
			userID := c.String("user")
			if userID == "" {
				return fmt.Errorf("please specify --user flag to list transactions")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			params := db.ListTransactionsByUserParams{
				UserID: userID,
				Limit:  int32(c.Int("limit")),
				Offset: int32(c.Int("offset")),
			}
			transactions, err := store.ListTransactionsByUser(context.Background(), params)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(transactions)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tCHAIN\tAMOUNT\tTOKEN\tRECEIVER\tTX HASH\tCREATED")
			for _, tx := range transactions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					tx.Type,
					tx.Chain,
					tx.Amount,
					tx.TokenType,
					formatOptionalString(tx.ReceiverValue),
					tx.TxHash,
					tx.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(transactions))
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}

			fmt.Println("✓ Schema applied")
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	// Try to get from parent context first (for global flags)
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		// Try environment variable directly if flag not found
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool), pool.Close, nil
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptionalString(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "(none)"
}

// userView is the JSON shape for get-user output. Sealed private keys
// stay out of CLI output.
func userView(u *db.User) map[string]interface{} {
	return map[string]interface{}{
		"user_id":        u.UserID,
		"username":       u.Username,
		"evm_address":    u.EVMAddress,
		"solana_address": u.SolanaAddress,
		"active":         u.Active,
		"created_at":     u.CreatedAt,
	}
}
