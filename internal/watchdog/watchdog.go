// Package watchdog audits submitted evidence and grades it PASS, WARN or
// BLOCK. It never mutates state; the orchestrator turns its verdicts into
// WATCHDOG_VERDICT events.
package watchdog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/crewd/internal/event"
)

// Config bounds what evidence the watchdog accepts.
type Config struct {
	ProjectRoot    string
	DenyCommands   []string
	RequiredFields []string
	Now            func() time.Time
}

// defaultRequiredFields are checked when Config.RequiredFields is empty.
var defaultRequiredFields = []string{
	"evidencePath", "patchPath", "evidenceDigest", "patchDigest", "pathSafety",
}

// Evidence is the submitted evidence payload, decoded from the
// EVIDENCE_SUBMITTED event.
type Evidence struct {
	EvidencePath   string
	PatchPath      string
	EvidenceDigest string
	PatchDigest    string
	PathSafety     map[string]any
	Commands       []map[string]any
}

// EvidenceFromPayload extracts Evidence from a schema-less payload map.
func EvidenceFromPayload(p map[string]any) Evidence {
	ev := Evidence{
		EvidencePath:   stringField(p, "evidencePath"),
		PatchPath:      stringField(p, "patchPath"),
		EvidenceDigest: stringField(p, "evidenceDigest"),
		PatchDigest:    stringField(p, "patchDigest"),
	}
	if ps, ok := p["pathSafety"].(map[string]any); ok {
		ev.PathSafety = ps
	}
	if cmds, ok := p["commands"].([]any); ok {
		for _, c := range cmds {
			if m, ok := c.(map[string]any); ok {
				ev.Commands = append(ev.Commands, m)
			}
		}
	}
	return ev
}

// Verdict is the audit outcome for one evidence submission.
type Verdict struct {
	Verdict          string         `json:"verdict"`
	Reasons          []string       `json:"reasons"`
	SuggestedActions []string       `json:"suggestedActions"`
	Details          map[string]any `json:"details"`
	CheckedAt        string         `json:"checkedAt"`
}

// Payload renders the verdict as a WATCHDOG_VERDICT event payload.
func (v Verdict) Payload() map[string]any {
	reasons := make([]any, len(v.Reasons))
	for i, r := range v.Reasons {
		reasons[i] = r
	}
	actions := make([]any, len(v.SuggestedActions))
	for i, a := range v.SuggestedActions {
		actions[i] = a
	}
	return map[string]any{
		"verdict":          v.Verdict,
		"reasons":          reasons,
		"suggestedActions": actions,
		"details":          v.Details,
		"checkedAt":        v.CheckedAt,
	}
}

// Watchdog audits evidence against digests, path safety and the command
// denylist.
type Watchdog struct {
	cfg      Config
	required []string
	now      func() time.Time
}

// New builds a watchdog for the given project root.
func New(cfg Config) *Watchdog {
	required := cfg.RequiredFields
	if len(required) == 0 {
		required = defaultRequiredFields
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Watchdog{cfg: cfg, required: required, now: now}
}

// Evaluate audits one evidence submission. Check order: required fields,
// evidence digest, patch digest, path safety, deny commands. BLOCK beats
// WARN; a clean pass requires zero findings.
func (w *Watchdog) Evaluate(ev Evidence) Verdict {
	var reasons, actions []string
	details := map[string]any{}

	if missing := w.missingFields(ev); len(missing) > 0 {
		reasons = append(reasons, fmt.Sprintf("missing required fields: %v", missing))
		actions = append(actions, "submit_complete_evidence")
		details["missingFields"] = missing
	}

	if ev.EvidencePath != "" {
		if ok, cause := w.verifyDigest(ev.EvidencePath, ev.EvidenceDigest); !ok {
			reasons = append(reasons, "evidence digest error: "+cause)
			actions = append(actions, "resubmit_evidence")
			details["evidenceDigestError"] = cause
		}
	}
	if ev.PatchPath != "" {
		if ok, cause := w.verifyDigest(ev.PatchPath, ev.PatchDigest); !ok {
			reasons = append(reasons, "patch digest error: "+cause)
			actions = append(actions, "resubmit_evidence")
			details["patchDigestError"] = cause
		}
	}

	if len(ev.PathSafety) > 0 {
		if issues := w.checkPathSafety(ev.PathSafety); len(issues) > 0 {
			for _, issue := range issues {
				reasons = append(reasons, "path_safety violation: "+issue)
			}
			actions = append(actions, "check_workspace")
			details["pathSafetyIssues"] = issues
		}
	}

	if issues := w.checkDenyCommands(ev.Commands); len(issues) > 0 {
		reasons = append(reasons, issues...)
		details["denyCommandIssues"] = issues
	}

	verdict := event.VerdictPass
	switch {
	case len(reasons) == 0:
		details["checkPassed"] = true
	case anyContains(reasons, "deny command"), anyContains(reasons, "outside repo"):
		verdict = event.VerdictBlock
		actions = append(actions, "halt_project")
	case anyContains(reasons, "digest"):
		verdict = event.VerdictWarn
		actions = append(actions, "resubmit_evidence")
	default:
		verdict = event.VerdictWarn
		actions = append(actions, "investigate")
	}

	if reasons == nil {
		reasons = []string{}
	}
	if actions == nil {
		actions = []string{}
	}
	return Verdict{
		Verdict:          verdict,
		Reasons:          reasons,
		SuggestedActions: actions,
		Details:          details,
		CheckedAt:        event.FormatTime(w.now()),
	}
}

func (w *Watchdog) missingFields(ev Evidence) []string {
	byName := map[string]bool{
		"evidencePath":   ev.EvidencePath != "",
		"patchPath":      ev.PatchPath != "",
		"evidenceDigest": ev.EvidenceDigest != "",
		"patchDigest":    ev.PatchDigest != "",
		"pathSafety":     len(ev.PathSafety) > 0,
	}
	var missing []string
	for _, name := range w.required {
		if present, known := byName[name]; known && !present {
			missing = append(missing, name)
		}
	}
	return missing
}

// verifyDigest compares the file's sha256 against the declared digest
// ("sha256:<hex>"). The path is resolved relative to the project root.
func (w *Watchdog) verifyDigest(relPath, expected string) (bool, string) {
	path := relPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.cfg.ProjectRoot, relPath)
	}
	f, err := os.Open(path)
	if err != nil {
		return false, "file_not_found"
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, "read_error"
	}
	actual := "sha256:" + hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return false, "digest_mismatch"
	}
	return true, "ok"
}

// checkPathSafety verifies the worker stayed inside its declared repo root.
func (w *Watchdog) checkPathSafety(ps map[string]any) []string {
	var issues []string
	pwd := stringField(ps, "pwd")
	repoRoot := stringField(ps, "repoRoot")

	realRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return []string{"repoRoot resolve error: " + repoRoot}
	}
	realPwd, err := filepath.Abs(pwd)
	if err != nil {
		issues = append(issues, "pwd resolve error: "+pwd)
	} else if !within(realRoot, realPwd) {
		issues = append(issues, "pwd outside repo: "+pwd)
	}

	if changed, ok := ps["changedFiles"].([]any); ok {
		for _, raw := range changed {
			rel, _ := raw.(string)
			full := rel
			if !filepath.IsAbs(full) {
				full = filepath.Join(realRoot, rel)
			}
			full, err := filepath.Abs(full)
			if err != nil || !within(realRoot, full) {
				issues = append(issues, "changed file outside repo: "+rel)
			}
		}
	}
	return issues
}

func (w *Watchdog) checkDenyCommands(commands []map[string]any) []string {
	var issues []string
	for _, cmd := range commands {
		cmdStr := stringField(cmd, "cmd")
		for _, deny := range w.cfg.DenyCommands {
			if deny != "" && strings.HasPrefix(cmdStr, deny) {
				issues = append(issues, "deny command: "+cmdStr)
			}
		}
	}
	return issues
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func anyContains(list []string, substr string) bool {
	for _, v := range list {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}
