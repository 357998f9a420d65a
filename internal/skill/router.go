package skill

import (
	"fmt"
	"os"

	"github.com/ppiankov/crewd/internal/model"
	"github.com/ppiankov/crewd/internal/project"
)

// Suggestion is the router's proposal for one task.
type Suggestion struct {
	TaskID        string   `json:"taskId"`
	Kind          string   `json:"kind"`
	Candidates    []string `json:"candidates"`
	Preferred     string   `json:"preferred"`
	Remembered    string   `json:"remembered"`
	SuggestedByPM []string `json:"suggestedByPM"`
}

// Router combines PM suggestions, the registry and per-kind memory into a
// ranked candidate list.
type Router struct {
	registry Registry
	memory   map[string]string
}

// NewRouter builds a router. memory maps task kind to the skill last
// confirmed for that kind (team.json defaults.skillMemory).
func NewRouter(registry Registry, memory map[string]string) *Router {
	return &Router{registry: registry, memory: memory}
}

// Suggest proposes skills for spec. Candidate order: PM suggestions first,
// then registry matches by kind. Preferred resolution: the spec's
// preferredSkill, else the remembered skill for the kind, else the first
// candidate.
func (r *Router) Suggest(spec model.TaskSpec) Suggestion {
	var candidates []string
	seen := map[string]bool{}
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			candidates = append(candidates, name)
		}
	}
	for _, name := range spec.SuggestedSkills {
		add(name)
	}
	for _, s := range r.registry.ByKind(spec.Kind) {
		add(s.SkillName)
	}

	remembered := ""
	if spec.Kind != "" {
		remembered = r.memory[spec.Kind]
	}
	preferred := spec.PreferredSkill
	if preferred == "" {
		preferred = remembered
	}
	if preferred == "" && len(candidates) > 0 {
		preferred = candidates[0]
	}

	return Suggestion{
		TaskID:        spec.TaskID,
		Kind:          spec.Kind,
		Candidates:    candidates,
		Preferred:     preferred,
		Remembered:    remembered,
		SuggestedByPM: spec.SuggestedSkills,
	}
}

// Prompt renders the confirmation message sent to the PM session.
func (r *Router) Prompt(s Suggestion) string {
	if s.Remembered != "" {
		return fmt.Sprintf(
			"Last %s task used %s.\nKeep it? Confirm with: crewd skills set %s %s",
			s.Kind, s.Remembered, s.TaskID, s.Remembered)
	}
	if s.Preferred != "" {
		return fmt.Sprintf(
			"Suggested skill: %s.\nConfirm with: crewd skills set %s %s",
			s.Preferred, s.TaskID, s.Preferred)
	}
	return fmt.Sprintf("Pick a skill for task %s.", s.TaskID)
}

// UpdateMemory records the confirmed skill for a kind in team.json so the
// next task of that kind defaults to it. No-op when the file is missing.
func UpdateMemory(teamPath, kind, skillName string) error {
	if kind == "" || skillName == "" {
		return nil
	}
	if _, err := os.Stat(teamPath); err != nil {
		return nil
	}
	t := project.LoadTeam(teamPath)
	if t.Defaults.SkillMemory == nil {
		t.Defaults.SkillMemory = map[string]string{}
	}
	t.Defaults.SkillMemory[kind] = skillName
	return project.SaveTeam(teamPath, t)
}
