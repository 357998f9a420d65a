package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/project"
	"github.com/ppiankov/crewd/internal/reduce"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the event log",
	Long: `Re-scans every line of audit/events.ndjson, recomputing each event's
CRC over its canonical encoding. Exits non-zero when any line fails.`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout := project.Layout{Base: cfg.BaseDir}

	events, corrupted, err := reduce.ReadEvents(layout.EventsPath())
	if err != nil {
		return err
	}

	for _, c := range corrupted {
		fmt.Printf("line %d: %s\n", c.Line, c.Reason)
	}
	if len(corrupted) > 0 {
		return fmt.Errorf("%d of %d lines failed verification", len(corrupted), len(events)+len(corrupted))
	}
	fmt.Printf("ok: %d events verified\n", len(events))
	return nil
}
