package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gathersocial/gather/internal/outbox"
)

var publishDraft outbox.GatheringDraft

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Queue a new gathering for publication",
	RunE: func(cmd *cobra.Command, args []string) error {
		if publishDraft.Name == "" {
			return fmt.Errorf("--name is required")
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.connect(); err != nil {
			return err
		}
		item, err := a.feed.CreateGathering(publishDraft)
		if err != nil {
			return err
		}
		color.Green("✓ queued %s", item.ID)

		// One worker pass so a reachable relay gets the event right away;
		// otherwise the item stays queued for the next daemon run.
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		a.engine.RunPass(ctx)
		printItemOutcome(a, item.ID)
		return nil
	},
}

var commentCmd = &cobra.Command{
	Use:   "comment <event-id> <text>",
	Short: "Queue a comment on a gathering",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.connect(); err != nil {
			return err
		}
		item, err := a.feed.PostComment(args[0], "", args[1])
		if err != nil {
			return err
		}
		color.Green("✓ queued %s", item.ID)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		a.engine.RunPass(ctx)
		printItemOutcome(a, item.ID)
		return nil
	},
}

func printItemOutcome(a *app, itemID string) {
	items, err := a.engine.Items()
	if err != nil {
		return
	}
	for _, item := range items {
		if item.ID != itemID {
			continue
		}
		switch item.Status {
		case outbox.StatusPublished:
			color.Green("✓ published as %s", item.PublishedID)
		case outbox.StatusFailed:
			color.Red("✗ failed: %s", item.LastError)
		default:
			color.Yellow("… %s (will retry at %s)", item.Status, item.NextAttemptAt.Format(time.Kitchen))
		}
	}
}

func init() {
	publishCmd.Flags().StringVar(&publishDraft.Name, "name", "", "gathering name")
	publishCmd.Flags().StringVar(&publishDraft.Location, "location", "", "where the gathering takes place")
	publishCmd.Flags().StringVar(&publishDraft.Description, "description", "", "longer description")
	publishCmd.Flags().Int64Var(&publishDraft.Start, "start", 0, "start time as unix seconds")
	publishCmd.Flags().StringVar(&publishDraft.ImageURL, "image", "", "image URL")
	publishCmd.Flags().StringVar(&publishDraft.LandingPageURL, "url", "", "landing page URL")
}
