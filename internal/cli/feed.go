package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gathersocial/gather/internal/feed"
)

var feedComments string

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Fetch and print the gathering feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.connect(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if feedComments != "" {
			comments, err := a.feed.Comments(ctx, feedComments)
			if err != nil {
				return err
			}
			for _, c := range comments {
				printComment(c)
			}
			return nil
		}

		if err := a.feed.Refresh(ctx); err != nil {
			return err
		}
		for _, entry := range a.feed.Entries() {
			printEntry(entry)
		}
		return nil
	},
}

func printEntry(e feed.Entry) {
	title := e.Content.Title
	if title == "" {
		title = "(untitled)"
	}
	when := "sometime"
	if e.Content.Start > 0 {
		when = time.Unix(e.Content.Start, 0).Format("Mon Jan 2 15:04")
	}
	marker := color.GreenString("●")
	if e.Local != feed.LocalNone {
		marker = color.YellowString("◌ %s", e.Local)
	}
	fmt.Printf("%s %s — %s @ %s\n", marker, color.New(color.Bold).Sprint(title), when, e.Content.Location)
	if e.Content.Description != "" {
		fmt.Printf("    %s\n", e.Content.Description)
	}
	if e.Local == feed.LocalError && e.LastErr != "" {
		color.Red("    error: %s", e.LastErr)
	}
	fmt.Printf("    id=%s\n", e.ID)
}

func printComment(c feed.Comment) {
	marker := color.GreenString("●")
	if c.Local != feed.LocalNone {
		marker = color.YellowString("◌ %s", c.Local)
	}
	fmt.Printf("%s %s: %s\n", marker, shorten(c.Author, 12), c.Text)
}

func shorten(s string, max int) string {
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}

func init() {
	feedCmd.Flags().StringVar(&feedComments, "comments", "", "show comments for the given event id instead")
}
