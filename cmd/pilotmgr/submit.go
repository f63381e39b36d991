package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensci-hpc/pilotmgr/pkg/fabric"
	"github.com/opensci-hpc/pilotmgr/pkg/state"
	"github.com/opensci-hpc/pilotmgr/pkg/storage"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit one or more units into a unit manager's store",
	Long: `submit writes unit documents directly into the manager's
store with control=umgr_pending, the same external-producer path a
remote agent would use; a "pilotmgr serve" process on that store picks
them up on its next unit-pull cycle. The BoltDB file is opened
exclusively, so while a serve process holds the store open, submit
waits until it is released.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().String("data-dir", ".", "data directory of the target unit manager's store")
	submitCmd.Flags().String("umgr-uid", "", "uid of the owning unit manager (required)")
	submitCmd.Flags().Int("cores", 1, "cores requested per unit")
	submitCmd.Flags().Int("count", 1, "number of units to submit")
	_ = submitCmd.MarkFlagRequired("umgr-uid")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	umgrUID, _ := cmd.Flags().GetString("umgr-uid")
	cores, _ := cmd.Flags().GetInt("cores")
	count, _ := cmd.Flags().GetInt("count")

	if count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	now := time.Now()
	for i := 0; i < count; i++ {
		doc := &fabric.UnitDoc{
			Type:    "unit",
			UID:     uuid.New().String(),
			Umgr:    umgrUID,
			Control: fabric.ControlUmgrPending,
			State:   string(state.UnitNew),
			States:  []string{string(state.UnitNew)},
			StateHistory: []fabric.StateEntry{
				{State: string(state.UnitNew), Timestamp: now.UnixNano()},
			},
			Description: map[string]any{"cores": cores},
		}
		if err := store.UpsertUnit(doc); err != nil {
			return fmt.Errorf("failed to submit unit: %w", err)
		}
		fmt.Println(doc.UID)
	}
	return nil
}
