package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/tiplinehq/tipline/client"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the tipline service",
		Subcommands: []*cli.Command{
			promptCommand(),
			transactionsCommand(),
		},
	}
}

func promptCommand() *cli.Command {
	return &cli.Command{
		Name:      "prompt",
		Usage:     "Submit a command on behalf of a user and print the bot reply",
		ArgsUsage: "USER_ID PROMPT",
		Description: `Send a prompt through the HTTP API exactly as if the user had posted it.

Example:
  tipline client prompt 1234567890 "send 0.5 sol to @bob"`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "Username to attribute the prompt to",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   60 * time.Second,
				Usage:   "Request timeout",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("user id and prompt are required")
			}

			userID := c.Args().Get(0)
			prompt := c.Args().Get(1)
			username := c.String("username")
			if username == "" {
				username = userID
			}

			cl := newAPIClient(c, c.Duration("timeout"))

			reply, err := cl.Prompt(context.Background(), userID, username, prompt)
			if err != nil {
				return fmt.Errorf("prompt failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{"reply": reply})
			}

			fmt.Println(reply)
			return nil
		},
	}
}

func transactionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "transactions",
		Aliases:   []string{"txns", "tx"},
		Usage:     "List transactions for a user via the HTTP API",
		ArgsUsage: "USER_ID",
		Flags: []cli.Flag{
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
			if c.NArg() < 1 {
				return fmt.Errorf("user id is required")
			}

			userID := c.Args().Get(0)
			cl := newAPIClient(c, 30*time.Second)

			txns, err := cl.ListTransactions(context.Background(), userID, c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(txns)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tCHAIN\tAMOUNT\tTOKEN\tRECEIVER\tTX HASH\tCREATED")
			for _, tx := range txns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					tx.Type,
					tx.Chain,
					tx.Amount,
					tx.TokenType,
					formatOptionalString(tx.Receiver),
					tx.TxHash,
					tx.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
			return nil
		},
	}
}

func newAPIClient(c *cli.Context, timeout time.Duration) *client.Client {
	httpClient := &http.Client{Timeout: timeout}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), httpClient, logger)
}
