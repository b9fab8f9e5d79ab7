package main

import (
	"fmt"

	"github.com/tiplinehq/tipline/service/intent"
	"github.com/urfave/cli/v2"
)

// parseCommand runs the command grammar offline, without touching any
// backend. Useful for checking how a post will be interpreted.
func parseCommand() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Parse a command string without executing it",
		ArgsUsage: "TEXT",
		Description: `Run the financial-command grammar against the given text and print the
extracted intent. Nothing is resolved or executed.

Example:
  tipline parse "send 0.5 sol to @bob" --default-chain solana`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "default-chain",
				Usage:   "Chain assumed when the text names none",
				EnvVars: []string{"DEFAULT_CHAIN"},
				Value:   "mantle",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("text to parse is required")
			}

			text := c.Args().Get(0)
			parser := intent.NewParser(c.String("default-chain"))

			it := parser.Parse(text)
			if it == nil {
				return fmt.Errorf("not a recognized command: %q", text)
			}

			if c.Bool("json") {
				return outputJSON(it)
			}

			fmt.Printf("Action:   %s\n", it.Action)
			fmt.Printf("Chain:    %s\n", it.Chain)
			fmt.Printf("Amount:   %s\n", it.Amount)
			fmt.Printf("Token:    %s (%s)\n", it.Token.Value, it.Token.Type)
			if it.Receiver != nil {
				fmt.Printf("Receiver: %s (%s)\n", it.Receiver.Value, it.Receiver.Type)
			}
			return nil
		},
	}
}
