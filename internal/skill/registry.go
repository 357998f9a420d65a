// Package skill holds the skill registry and the router that proposes a
// skill for each published task. The router only suggests; the PM confirms
// with a TASK_SKILL_SET event.
package skill

import (
	"encoding/json"
	"os"
)

// EvidenceContract declares what a skill's runs must submit for audit.
type EvidenceContract struct {
	RequiresPatch            bool `json:"requiresPatch"`
	RequiresCommands         bool `json:"requiresCommands"`
	RequiresValidationScript bool `json:"requiresValidationScript"`
}

// RiskPolicy bounds what a skill's runs may touch.
type RiskPolicy struct {
	Tier         string   `json:"tier"` // safe | networked | privileged
	AllowedOps   []string `json:"allowedOps,omitempty"`
	DenyPaths    []string `json:"denyPaths,omitempty"`
	AllowNetwork bool     `json:"allowNetwork"`
}

// Spec describes one registered skill.
type Spec struct {
	SkillName        string            `json:"skillName"`
	SupportedKinds   []string          `json:"supportedKinds"`
	InvocationHints  string            `json:"invocationHints,omitempty"`
	EvidenceContract *EvidenceContract `json:"evidenceContract,omitempty"`
	RiskPolicy       *RiskPolicy       `json:"riskPolicy,omitempty"`
}

// Registry is the set of skills available to the project, in file order.
type Registry struct {
	Skills []Spec `json:"skills"`
}

// LoadRegistry reads registry.json. A missing or unparseable file yields an
// empty registry; the router then falls back to PM suggestions alone.
func LoadRegistry(path string) Registry {
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{}
	}
	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return Registry{}
	}
	kept := r.Skills[:0]
	for _, s := range r.Skills {
		if s.SkillName != "" {
			kept = append(kept, s)
		}
	}
	r.Skills = kept
	return r
}

// ByKind returns the skills supporting the given task kind, in registry
// order.
func (r Registry) ByKind(kind string) []Spec {
	if kind == "" {
		return nil
	}
	var out []Spec
	for _, s := range r.Skills {
		for _, k := range s.SupportedKinds {
			if k == kind {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Get returns the named skill, or nil.
func (r Registry) Get(name string) *Spec {
	for i := range r.Skills {
		if r.Skills[i].SkillName == name {
			return &r.Skills[i]
		}
	}
	return nil
}
