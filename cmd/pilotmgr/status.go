package main

import (
	"fmt"

	"github.com/opensci-hpc/pilotmgr/pkg/storage"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print pilot and unit counts from a unit manager's store",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("data-dir", ".", "data directory of the target unit manager's store")
}

func runStatus(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	pilots, err := store.ListPilots()
	if err != nil {
		return fmt.Errorf("failed to list pilots: %w", err)
	}
	units, err := store.ListUnits()
	if err != nil {
		return fmt.Errorf("failed to list units: %w", err)
	}

	pilotCounts := make(map[string]int)
	for _, p := range pilots {
		pilotCounts[p.State]++
	}
	unitCounts := make(map[string]int)
	for _, u := range units {
		unitCounts[u.State]++
	}

	fmt.Printf("pilots: %d\n", len(pilots))
	for s, n := range pilotCounts {
		fmt.Printf("  %-24s %d\n", s, n)
	}
	fmt.Printf("units: %d\n", len(units))
	for s, n := range unitCounts {
		fmt.Printf("  %-24s %d\n", s, n)
	}
	return nil
}
