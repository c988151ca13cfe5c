// Package task defines the units of work that flow through an orchestration:
// decomposed tasks, their role assignments, execution results and the final report.
package task

import (
	"strings"
	"time"
)

// Type is the kind of work a task represents.
type Type string

const (
	TypeResearch  Type = "research"
	TypeImplement Type = "implement"
	TypeReview    Type = "review"
	TypeDesign    Type = "design"
	TypeDocument  Type = "document"
	TypeTest      Type = "test"
	TypeAnalyze   Type = "analyze"
)

// DefaultType is used for any type the decomposer does not recognize.
const DefaultType = TypeImplement

// ParseType normalizes s into a known Type. ok is false when s was not
// recognized and DefaultType was substituted.
func ParseType(s string) (t Type, ok bool) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeResearch:
		return TypeResearch, true
	case TypeImplement:
		return TypeImplement, true
	case TypeReview:
		return TypeReview, true
	case TypeDesign:
		return TypeDesign, true
	case TypeDocument:
		return TypeDocument, true
	case TypeTest:
		return TypeTest, true
	case TypeAnalyze:
		return TypeAnalyze, true
	default:
		return DefaultType, false
	}
}

// Complexity is the decomposer's effort estimate.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// ParseComplexity normalizes s, defaulting to medium.
func ParseComplexity(s string) Complexity {
	switch Complexity(strings.ToLower(strings.TrimSpace(s))) {
	case ComplexityLow:
		return ComplexityLow
	case ComplexityHigh:
		return ComplexityHigh
	default:
		return ComplexityMedium
	}
}

// Task is one node of work produced by decomposition.
type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Type         Type       `json:"type"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Complexity   Complexity `json:"estimated_complexity,omitempty"`
	Priority     int        `json:"priority,omitempty"`
	Context      string     `json:"context,omitempty"`
}

// Role is a capability role that maps to a provider route.
type Role string

const (
	RoleGeneral    Role = "general"
	RoleUI         Role = "ui"
	RoleWriter     Role = "writer"
	RoleMultimodal Role = "multimodal"
	RoleResearch   Role = "research"
)

// Roles lists every role in a stable order.
func Roles() []Role {
	return []Role{RoleGeneral, RoleUI, RoleWriter, RoleMultimodal, RoleResearch}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}

// Assignment binds a task to the role chosen to execute it.
type Assignment struct {
	Task       Task    `json:"task"`
	Role       Role    `json:"role"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Status is the lifecycle state of a node or result.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// ExecutionResult is the outcome of one task. Skips caused by a failed
// dependency and skips caused by fail-fast share StatusSkipped and differ in
// SkipReason.
type ExecutionResult struct {
	TaskID      string        `json:"task_id"`
	Description string        `json:"description"`
	Role        Role          `json:"role"`
	Status      Status        `json:"status"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Duration    time.Duration `json:"duration"`
	Retries     int           `json:"retries"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Artifacts   []string      `json:"artifacts,omitempty"`
}

// Impact grades a failed task.
type Impact string

const (
	ImpactCritical Impact = "critical"
	ImpactMinor    Impact = "minor"
)

// FailedTask summarizes one failure for the report.
type FailedTask struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Error       string `json:"error"`
	Impact      Impact `json:"impact"`
}

// Statistics are counts over all results.
type Statistics struct {
	Total         int           `json:"total"`
	Success       int           `json:"success"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	TotalDuration time.Duration `json:"total_duration"`
}

// AggregatedResult is the final report of an orchestration.
type AggregatedResult struct {
	SessionID   string            `json:"session_id,omitempty"`
	Goal        string            `json:"goal,omitempty"`
	Summary     string            `json:"summary"`
	Results     []ExecutionResult `json:"results"`
	FailedTasks []FailedTask      `json:"failed_tasks"`
	Statistics  Statistics        `json:"statistics"`
	NextSteps   []string          `json:"next_steps,omitempty"`
}
