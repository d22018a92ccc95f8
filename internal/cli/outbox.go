package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gathersocial/gather/internal/outbox"
)

var outboxRetry string

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List pending writes, or retry a failed one",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if outboxRetry != "" {
			if err := a.connect(); err != nil {
				return err
			}
			if err := a.engine.Retry(outboxRetry); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			a.engine.RunPass(ctx)
			printItemOutcome(a, outboxRetry)
			return nil
		}

		// Listing needs no network; build the engine over the store only.
		engine := outbox.NewEngine(a.store, nil)
		items, err := engine.Items()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("outbox is empty")
			return nil
		}
		for _, item := range items {
			printOutboxItem(item)
		}
		return nil
	},
}

func printOutboxItem(item outbox.Item) {
	status := item.Status
	switch item.Status {
	case outbox.StatusPublished:
		status = color.GreenString(status)
	case outbox.StatusFailed:
		status = color.RedString(status)
	default:
		status = color.YellowString(status)
	}
	fmt.Printf("%-12s %s  kind=%s attempts=%d", status, item.ID, item.Kind, item.Attempts)
	if item.Status == outbox.StatusQueued {
		fmt.Printf(" next=%s", item.NextAttemptAt.Format(time.Kitchen))
	}
	if item.LastError != "" {
		fmt.Printf(" error=%q", item.LastError)
	}
	fmt.Println()
}

func init() {
	outboxCmd.Flags().StringVar(&outboxRetry, "retry", "", "requeue the failed item with this id and attempt it now")
}
