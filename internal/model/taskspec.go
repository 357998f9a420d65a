package model

import "fmt"

// Task kinds the PM may assign.
const (
	KindCoding    = "coding"
	KindBuildTest = "build_test"
	KindDocs      = "docs"
	KindResearch  = "research"
	KindOps       = "ops"
	KindDesign    = "design"
	KindComms     = "comms"
)

// TaskSpec is the PM's work specification carried in TASKSPEC_PUBLISHED
// payloads, either as a single spec or under a "tasks" array.
type TaskSpec struct {
	TaskID          string   `json:"taskId"`
	Goal            string   `json:"goal"`
	Kind            string   `json:"kind"`
	Acceptance      []string `json:"acceptance"`
	Dependencies    []string `json:"dependencies,omitempty"`
	ContextFiles    []string `json:"contextFiles,omitempty"`
	SuggestedSkills []string `json:"suggestedSkills,omitempty"`
	PreferredSkill  string   `json:"preferredSkill,omitempty"`
	FallbackSkills  []string `json:"fallbackSkills,omitempty"`
	RiskLevel       string   `json:"riskLevel,omitempty"`
}

var validKinds = map[string]bool{
	KindCoding:    true,
	KindBuildTest: true,
	KindDocs:      true,
	KindResearch:  true,
	KindOps:       true,
	KindDesign:    true,
	KindComms:     true,
}

// Validate checks the fields a spec must carry before publication.
func (s TaskSpec) Validate() error {
	if s.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if s.Goal == "" {
		return fmt.Errorf("task %s: goal is required", s.TaskID)
	}
	if !validKinds[s.Kind] {
		return fmt.Errorf("task %s: unknown kind %q", s.TaskID, s.Kind)
	}
	if len(s.Acceptance) == 0 {
		return fmt.Errorf("task %s: acceptance criteria are required", s.TaskID)
	}
	return nil
}

// SpecFromPayload extracts a TaskSpec from a schema-less payload map.
func SpecFromPayload(p map[string]any) TaskSpec {
	spec := TaskSpec{
		TaskID:         str(p, "taskId"),
		Goal:           str(p, "goal"),
		Kind:           str(p, "kind"),
		PreferredSkill: str(p, "preferredSkill"),
		RiskLevel:      str(p, "riskLevel"),
	}
	spec.Acceptance = strs(p, "acceptance")
	spec.Dependencies = strs(p, "dependencies")
	spec.ContextFiles = strs(p, "contextFiles")
	spec.SuggestedSkills = strs(p, "suggestedSkills")
	spec.FallbackSkills = strs(p, "fallbackSkills")
	return spec
}

func str(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func strs(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
