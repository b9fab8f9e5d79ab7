package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	natspkg "github.com/tiplinehq/tipline/service/nats"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams transaction events for a user.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to transaction events for a user",
		ArgsUsage: "[user_id]",
		Description: `Subscribe to real-time transaction events published to NATS JetStream.

This command connects to NATS and streams transaction events for the specified user.
Events are published to the subject: txns.{user_id}

Example:
  tipline nats subscribe 1234567890 --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "tipline-cli",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("user id is required")
			}

			userID := c.Args().Get(0)
			natsURL := c.String("nats-url")
			durable := c.Bool("durable")
			consumerName := c.String("consumer-name")
			jsonOutput := c.Bool("json")

			return streamEvents(userID, natsURL, durable, consumerName, jsonOutput, nil, 0)
		},
	}
}

// awaitCommand blocks until an event matching the jq filters arrives.
func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a transaction event matching criteria arrives",
		ArgsUsage: "[user_id]",
		Description: `Wait for a transaction event whose JSON satisfies every --must-jq filter.

Filters run against the full event payload. Exits 0 on the first match,
non-zero on timeout.

Example:
  tipline nats await 1234567890 --must-jq '.type == "buy"' --must-jq '.chain == "solana"'`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for a matching event",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("user id is required")
			}

			userID := c.Args().Get(0)
			natsURL := c.String("nats-url")
			jqFilters := c.StringSlice("must-jq")
			timeout := c.Duration("timeout")
			jsonOutput := c.Bool("json")

			if len(jqFilters) == 0 {
				return fmt.Errorf("must specify at least one --must-jq filter")
			}

			// Compile jq filters
			compiled := make([]*gojq.Code, len(jqFilters))
			for i, filter := range jqFilters {
				query, err := gojq.Parse(filter)
				if err != nil {
					return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
				}
				compiled[i], err = gojq.Compile(query)
				if err != nil {
					return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
				}
			}

			return streamEvents(userID, natsURL, false, "", jsonOutput, compiled, timeout)
		},
	}
}

// streamEvents consumes txns.{userID} and prints events. When filters are
// set, it returns nil on the first event matching all of them and an error
// on timeout.
func streamEvents(userID, natsURL string, durable bool, consumerName string, jsonOutput bool, filters []*gojq.Code, timeout time.Duration) error {
	// Connect to NATS
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := fmt.Sprintf("txns.%s", userID)

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", subject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if durable {
			fmt.Printf("   Consumer: %s (durable)\n", consumerName)
		}
		if len(filters) > 0 {
			fmt.Printf("\nWaiting for a matching event... (Ctrl-C to exit)\n\n")
		} else {
			fmt.Printf("\nWaiting for events... (Ctrl-C to exit)\n\n")
		}
	}

	// Create consumer config
	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}

	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	// Create or update consumer
	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	// Receive messages
	msgChan := make(chan jetstream.Msg, 10)

	// Start consuming in background
	go func() {
		_, _ = cons.Consume(func(msg jetstream.Msg) {
			msgChan <- msg
		})
	}()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.TransactionEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				}
				msg.Ack()
				continue
			}

			if len(filters) > 0 && !matchesFilters(msg.Data(), filters) {
				msg.Ack()
				continue
			}

			count++
			printEvent(&event, count, jsonOutput)
			msg.Ack()

			if len(filters) > 0 {
				if !jsonOutput {
					fmt.Println("✓ Matched")
				}
				return nil
			}

		case <-timeoutCh:
			return fmt.Errorf("timed out after %s waiting for a matching event", timeout)

		case <-sigChan:
			if !jsonOutput {
				fmt.Printf("\n\n✅ Received %d events\n", count)
				fmt.Println("Shutting down...")
			}
			return nil
		}
	}
}

// matchesFilters reports whether every filter evaluates to a truthy value
// against the raw event JSON.
func matchesFilters(data []byte, filters []*gojq.Code) bool {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}

	for _, code := range filters {
		matched := false
		iter := code.Run(doc)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if _, isErr := v.(error); isErr {
				continue
			}
			if isTruthy(v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	// Everything else (numbers, strings, objects, arrays) is truthy
	return true
}

func printEvent(event *natspkg.TransactionEvent, count int, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.Marshal(event)
		fmt.Println(string(data))
		return
	}

	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Event #%d\n", count)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Event ID:   %s\n", event.EventID)
	fmt.Printf("User:       %s\n", event.UserID)
	fmt.Printf("Type:       %s\n", event.Type)
	fmt.Printf("Chain:      %s\n", event.Chain)
	fmt.Printf("Amount:     %s\n", event.Amount)
	if event.TokenType != "" {
		fmt.Printf("Token:      %s\n", event.TokenType)
	}
	if event.Receiver != nil && *event.Receiver != "" {
		fmt.Printf("Receiver:   %s\n", *event.Receiver)
	}
	fmt.Printf("Tx Hash:    %s\n", event.TxHash)
	fmt.Printf("Platform:   %s\n", event.Platform)
	fmt.Printf("Published:  %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}
