package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gathersocial/gather/internal/config"
	"github.com/gathersocial/gather/internal/outbox"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and local state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		path, _ := config.ConfigPath()
		fmt.Println("config:", path)
		fmt.Println("relays:")
		for _, url := range a.cfg.Relays.URLs {
			fmt.Println("  -", url)
		}

		if a.key != nil {
			npub, _ := a.key.Npub()
			color.Green("identity: %s", npub)
		} else {
			color.Yellow("identity: none (run 'gather key generate')")
		}

		items, err := (&statusCounter{store: a.store}).counts()
		if err != nil {
			return err
		}
		fmt.Printf("outbox: %d queued, %d failed, %d awaiting reconciliation\n",
			items[outbox.StatusQueued], items[outbox.StatusFailed], items[outbox.StatusPublished])

		if a.cfg.Archive.Enabled {
			fmt.Printf("archive: kafka %s topic %s\n", a.cfg.Archive.Brokers, a.cfg.Archive.Topic)
		}
		return nil
	},
}

type statusCounter struct {
	store *outbox.Store
}

func (c *statusCounter) counts() (map[string]int, error) {
	engine := outbox.NewEngine(c.store, nil)
	items, err := engine.Items()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, item := range items {
		counts[item.Status]++
	}
	return counts, nil
}
