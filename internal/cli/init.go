package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/config"
	"github.com/ppiankov/crewd/internal/event"
	"github.com/ppiankov/crewd/internal/project"
	"github.com/ppiankov/crewd/internal/state"
)

var (
	initProject string
	initPath    string
	initForce   bool
)

func init() {
	initCmd.Flags().StringVar(&initProject, "project", "", "Project name written to team.json (required)")
	initCmd.Flags().StringVar(&initPath, "path", "", "Repository root workers operate in (default: project directory)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing team.json and crewd.yaml")
	initCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a crewd project directory",
	Long: `Creates the project skeleton (audit/, derived/, evidence/), writes
team.json and a commented crewd.yaml, and records TEAM_CREATED plus
PROJECT_STARTED in the event log.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout := project.Layout{Base: cfg.BaseDir}
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	var created []string

	teamPath := layout.TeamPath()
	if _, err := os.Stat(teamPath); os.IsNotExist(err) || initForce {
		team := project.Team{
			Project: initProject,
			Path:    initPath,
			Labels: map[string]string{
				"orchestrator": "crew:" + initProject + ":orchestrator",
				"pm":           "crew:" + initProject + ":pm",
				"watchdog":     "crew:" + initProject + ":watchdog",
			},
		}
		if err := project.SaveTeam(teamPath, team); err != nil {
			return err
		}
		created = append(created, teamPath)
	}

	configPath := filepath.Join(cfg.BaseDir, "crewd.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) || initForce {
		if err := os.WriteFile(configPath, []byte(config.DefaultConfigYAML()), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", configPath, err)
		}
		created = append(created, configPath)
	}

	registryPath := layout.RegistryPath()
	if _, err := os.Stat(registryPath); os.IsNotExist(err) {
		if err := os.WriteFile(registryPath, []byte("{\n  \"skills\": []\n}\n"), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", registryPath, err)
		}
		created = append(created, registryPath)
	}

	sm := state.NewManager(state.Config{BaseDir: cfg.BaseDir, LockTimeout: cfg.LockTimeout()})
	seeds := []event.Event{
		{
			Type:           event.TypeTeamCreated,
			Actor:          "pm",
			Project:        initProject,
			Payload:        map[string]any{"path": initPath},
			IdempotencyKey: initProject + ":TEAM_CREATED",
		},
		{
			Type:           event.TypeProjectStarted,
			Actor:          "pm",
			Project:        initProject,
			Payload:        map[string]any{},
			IdempotencyKey: initProject + ":PROJECT_STARTED",
		},
	}
	for _, e := range seeds {
		if _, err := sm.AppendEvent(e); err != nil {
			return err
		}
	}

	for _, path := range created {
		fmt.Printf("created %s\n", path)
	}
	fmt.Printf("project %q initialized in %s\n", initProject, cfg.BaseDir)
	return nil
}
