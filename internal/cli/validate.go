package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/model"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <taskspec.json>",
	Short: "Validate a task spec file before publishing it",
	Long: `Checks a TASKSPEC_PUBLISHED payload: a single spec object or a batch
under a "tasks" array. Each spec needs a taskId, a goal, a known kind
and at least one acceptance criterion.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	specs := []map[string]any{payload}
	if batch, ok := payload["tasks"].([]any); ok {
		specs = specs[:0]
		for _, raw := range batch {
			m, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("tasks entries must be objects")
			}
			specs = append(specs, m)
		}
	}

	for _, m := range specs {
		spec := model.SpecFromPayload(m)
		if err := spec.Validate(); err != nil {
			return err
		}
		fmt.Printf("ok: %s (%s)\n", spec.TaskID, spec.Kind)
	}
	return nil
}
