package project

import (
	"encoding/json"
	"fmt"
	"os"
)

// Defaults carries per-project operator preferences.
type Defaults struct {
	SkillMemory map[string]string `json:"skillMemory,omitempty"`
}

// Team is the project metadata stored in team.json. Unknown fields written
// by other tools are not preserved on save; crewd owns this file.
type Team struct {
	Project  string            `json:"project"`
	Path     string            `json:"path,omitempty"`
	PlanPath string            `json:"planPath,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Defaults Defaults          `json:"defaults,omitempty"`
}

// LoadTeam reads team.json. A missing or unreadable file yields a zero
// Team — the project name then falls back to "unknown" downstream, which
// is the same behavior a fresh directory gets.
func LoadTeam(path string) Team {
	var t Team
	data, err := os.ReadFile(path)
	if err != nil {
		return t
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return Team{}
	}
	return t
}

// SaveTeam writes team.json with stable indentation.
func SaveTeam(path string, t Team) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("team: marshal: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("team: write %s: %w", path, err)
	}
	return nil
}

// OrchestratorLabel returns the configured orchestrator session label, or
// the conventional "crew:<project>:orchestrator" fallback.
func (t Team) OrchestratorLabel() string {
	if l := t.Labels["orchestrator"]; l != "" {
		return l
	}
	return "crew:" + t.ProjectName() + ":orchestrator"
}

// ProjectName returns the project name, "unknown" when unset.
func (t Team) ProjectName() string {
	if t.Project == "" {
		return "unknown"
	}
	return t.Project
}
