package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/project"
	"github.com/ppiankov/crewd/internal/reduce"
	"github.com/ppiankov/crewd/internal/state"
)

var replayWrite bool

func init() {
	replayCmd.Flags().BoolVar(&replayWrite, "write", false, "Publish the recomputed status.json and derived outputs")
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Recompute the status snapshot from the event log",
	Long: `Folds the full event log into a fresh snapshot, reporting any
corrupted lines. With --write the snapshot and the derived projections
(watchdog-verdicts.ndjson, locks-index.json) are published atomically.`,
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout := project.Layout{Base: cfg.BaseDir}
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	result, err := reduce.Replay(layout, reduce.Options{EmitDerived: replayWrite})
	if err != nil {
		return err
	}

	fmt.Printf("replayed %d events", len(result.Events))
	if len(result.Corrupted) > 0 {
		fmt.Printf(" (%d corrupted lines)", len(result.Corrupted))
	}
	fmt.Println()
	for _, c := range result.Corrupted {
		fmt.Printf("  line %d: %s\n", c.Line, c.Reason)
	}

	if replayWrite {
		sm := state.NewManager(state.Config{BaseDir: cfg.BaseDir, LockTimeout: cfg.LockTimeout()})
		if err := sm.WriteStatus(result.Status); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", layout.StatusPath())
	}

	fmt.Print(renderStatus(result.Status))
	return nil
}
