package main

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/pkg/resource"
	"github.com/yairfalse/vahti/storage"
	"github.com/yairfalse/vahti/wal"
)

var inventoryDataDir string

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "List the persisted inventory",
	Long: `List the resources the agent has committed to its inventory store.

The store is opened read-only; while an agent holds it the command waits
briefly and then fails.`,
	Example: `  vahti inventory                          # Data dir from the config file
  vahti inventory --data-dir /tmp/vahti    # Explicit data dir`,
	Args: cobra.NoArgs,
	RunE: runInventory,
}

func init() {
	rootCmd.AddCommand(inventoryCmd)
	inventoryCmd.Flags().StringVar(&inventoryDataDir, "data-dir", "", "Agent data directory (defaults to the configured one)")
}

func runInventory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if inventoryDataDir != "" {
		cfg.Agent.DataDir = inventoryDataDir
	}

	store, err := storage.OpenReadOnly(cfg.InventoryDir(), 2*time.Second)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	resources, err := store.LoadResources()
	if err != nil {
		return err
	}
	slices.SortFunc(resources, func(a, b resource.Resource) int {
		return cmp.Or(
			cmp.Compare(a.ParentID, b.ParentID),
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.Key, b.Key),
		)
	})

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Type", "Name", "Version", "Status", "Parent"})
	for _, r := range resources {
		t.AppendRow(table.Row{r.ID, r.Type, r.Name, r.Version, r.Status, r.ParentID})
	}
	count, rev, size := store.Stats()
	t.AppendFooter(table.Row{fmt.Sprintf("%d resources", count), "", "", "", fmt.Sprintf("rev %d", rev), fmt.Sprintf("%d bytes", size)})
	t.Render()

	spool := wal.StatsFromDir(cfg.SpoolDir(), wal.Config{})
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Spool: %s\n", spool)
	return nil
}
