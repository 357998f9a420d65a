package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/model"
	"github.com/ppiankov/crewd/internal/skill"
)

func init() {
	skillsCmd.AddCommand(skillsSuggestCmd)
	skillsCmd.AddCommand(skillsSetCmd)
	rootCmd.AddCommand(skillsCmd)
}

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Suggest and confirm task skills",
}

var skillsSuggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Print skill suggestions for tasks awaiting a decision",
	RunE:  runSkillsSuggest,
}

func runSkillsSuggest(cmd *cobra.Command, args []string) error {
	orch, err := newOrchestrator()
	if err != nil {
		return err
	}
	status, err := orch.Status()
	if err != nil {
		return err
	}

	prompts := orch.SuggestSkills(status)
	if len(prompts) == 0 {
		fmt.Println("no tasks awaiting a skill decision")
		return nil
	}
	for _, p := range prompts {
		fmt.Println(p)
		fmt.Println()
	}
	return nil
}

var skillsSetCmd = &cobra.Command{
	Use:   "set <taskId> <skill>",
	Short: "Confirm a skill for a task and clear its gate",
	Long: `Records TASK_SKILL_SET, which clears the awaiting_skill_decision gate
so the task becomes dispatchable, and remembers the choice for the
task's kind in team.json.`,
	Args: cobra.ExactArgs(2),
	RunE: runSkillsSet,
}

func runSkillsSet(cmd *cobra.Command, args []string) error {
	taskID, chosen := args[0], args[1]

	orch, err := newOrchestrator()
	if err != nil {
		return err
	}

	_, err = orch.Manager().AppendEvent(event.Event{
		Type:    event.TypeTaskSkillSet,
		Actor:   "pm",
		Project: orch.Project(),
		TaskID:  taskID,
		Payload: map[string]any{
			"chosenSkill": chosen,
			"decidedBy":   "human",
		},
		IdempotencyKey: fmt.Sprintf("%s:%s:TASK_SKILL_SET:%s", orch.Project(), taskID, chosen),
	})
	if err != nil {
		return err
	}

	// Remember the choice for the task's kind so the next suggestion
	// defaults to it.
	status, err := orch.Status()
	if err != nil {
		return err
	}
	if task := status.Task(taskID); task != nil {
		spec := model.SpecFromPayload(task.TaskSpec)
		if spec.Kind != "" {
			if err := skill.UpdateMemory(orch.Layout().TeamPath(), spec.Kind, chosen); err != nil {
				return err
			}
		}
	}

	fmt.Printf("skill %q set for %s\n", chosen, taskID)
	return nil
}
