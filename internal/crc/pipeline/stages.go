// Package pipeline implements C6: the drop processing engine — four
// per-source-type FIFO queues drained by three semaphore-bounded worker
// pools running the analyze/adapt/validate/assign-sandbox/move-to-ready
// stage chain.
//
// Grounded on original_source/crc/src/parallel.rs (queue/worker-pool/
// semaphore topology, merged into one engine rather than kept as the
// Rust source's separate confidence-simulating pass) and
// original_source/crc/src/processor.rs (the real per-stage algorithms —
// this package replaces every placeholder helper the Rust source left
// stubbed with a working implementation, per spec.md's requirement that
// C6 not be simulated).
package pipeline

import (
	"math"

	"github.com/noacore/crc-pipeline/internal/crc/dropregistry"
)

// Dependency is one detected external dependency.
type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// AnalysisResult is the output of the Analyze stage.
type AnalysisResult struct {
	FilesCount   int          `json:"files_count"`
	LinesCount   int          `json:"lines_count"`
	Languages    []string     `json:"languages"`
	Dependencies []Dependency `json:"dependencies"`
	Patterns     []string     `json:"patterns"`
	Issues       []string     `json:"issues"`
	Confidence   float64      `json:"confidence"`
	SymbolCount  int          `json:"symbol_count"`
}

// AdaptationResult is the output of the Adapt stage.
type AdaptationResult struct {
	ChangesMade    int     `json:"changes_made"`
	FilesModified  int     `json:"files_modified"`
	TestsGenerated int     `json:"tests_generated"`
	Confidence     float64 `json:"confidence"`
	AutoApproved   bool    `json:"auto_approved"`
	DiffSummary    string  `json:"diff_summary"`
}

// ValidationResult is the output of the Validate stage.
type ValidationResult struct {
	Confidence float64           `json:"confidence"`
	Errors     []string          `json:"errors"`
	Warnings   []string          `json:"warnings"`
	Metadata   map[string]string `json:"metadata"`
}

// analysisConfidence applies the base-1.0, ×0.7-if-Unknown-language,
// ×0.9-if-no-dependencies, ×max(0.5, 1−0.05·|issues|) formula.
func analysisConfidence(languages []string, dependencies []Dependency, issues []string) float64 {
	confidence := 1.0
	for _, lang := range languages {
		if lang == "Unknown" {
			confidence *= 0.7
			break
		}
	}
	if len(dependencies) == 0 {
		confidence *= 0.9
	}
	issuesPenalty := math.Max(0.5, 1.0-0.05*float64(len(issues)))
	confidence *= issuesPenalty
	return confidence
}

// adaptationConfidence applies 0.95/no-issues-and-changes, 0.85/≤3 issues,
// 0.70 otherwise.
func adaptationConfidence(issueCount, changesMade int) float64 {
	switch {
	case issueCount == 0 && changesMade > 0:
		return 0.95
	case issueCount <= 3:
		return 0.85
	default:
		return 0.70
	}
}

// validationConfidence degrades the adaptation confidence by 0.95 (floored
// at 0.80) when warnings are present, or drops to 0.60 outright when
// errors are present.
func validationConfidence(adaptationConfidence float64, hasErrors, hasWarnings bool) float64 {
	if hasErrors {
		return 0.60
	}
	if hasWarnings {
		degraded := adaptationConfidence * 0.95
		return math.Max(degraded, 0.80)
	}
	return adaptationConfidence
}

// Sandbox is the routing tag assigned to a drop for downstream execution.
type Sandbox string

const (
	SandboxModelA Sandbox = "ModelA"
	SandboxModelB Sandbox = "ModelB"
	SandboxModelC Sandbox = "ModelC"
	SandboxModelD Sandbox = "ModelD"
)

// QueueName returns the ready-queue directory name encoding this sandbox,
// the inverse of C8's queue-name-to-sandbox mapping.
func (s Sandbox) QueueName() string {
	switch s {
	case SandboxModelA:
		return "model-a-queue"
	case SandboxModelB:
		return "model-b-queue"
	case SandboxModelC:
		return "model-c-queue"
	case SandboxModelD:
		return "model-d-queue"
	default:
		return "model-c-queue"
	}
}

// AssignSandbox implements the §4.6 decision table: ExternalRepo and the
// Internal/default fallback route by a 0.75 confidence split; Fork routes
// by a 0.85 split falling back to the same rule; Mirror and StaleCodebase
// are fixed regardless of confidence.
func AssignSandbox(sourceType dropregistry.SourceType, confidence float64) Sandbox {
	switch sourceType {
	case dropregistry.SourceMirror:
		return SandboxModelA
	case dropregistry.SourceStaleCodebase:
		return SandboxModelC
	case dropregistry.SourceFork:
		if confidence >= 0.85 {
			return SandboxModelB
		}
		return fallbackByConfidence(confidence)
	default: // ExternalRepo, Internal
		return fallbackByConfidence(confidence)
	}
}

func fallbackByConfidence(confidence float64) Sandbox {
	if confidence >= 0.75 {
		return SandboxModelA
	}
	return SandboxModelC
}
