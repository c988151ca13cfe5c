// Package capability assigns each task to the capability role best suited to
// execute it, using ordered keyword and task-type rules.
package capability

import (
	"fmt"
	"strings"
	"unicode"

	"taskmesh/pkg/task"
)

// rule is one entry of the ordered selection table. The first matching rule
// wins.
type rule struct {
	name       string
	role       task.Role
	confidence float64
	types      []task.Type // empty matches every type
	exclude    []task.Type
	keywords   func(Keywords) []string // nil means no keyword condition
}

func (r rule) matches(t task.Type, words map[string]bool, kw Keywords) (bool, string) {
	if len(r.types) > 0 && !hasType(r.types, t) {
		return false, ""
	}
	if hasType(r.exclude, t) {
		return false, ""
	}
	if r.keywords == nil {
		return true, ""
	}
	for _, k := range r.keywords(kw) {
		if words[k] {
			return true, k
		}
	}
	return false, ""
}

func hasType(types []task.Type, t task.Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func visual(k Keywords) []string        { return k.Visual }
func ui(k Keywords) []string            { return k.UI }
func architecture(k Keywords) []string  { return k.Architecture }
func documentation(k Keywords) []string { return k.Documentation }

//nolint:gochecknoglobals // read-only table
var rules = []rule{
	{name: "document task", role: task.RoleWriter, confidence: 0.95, types: []task.Type{task.TypeDocument}},
	{name: "visual analysis", role: task.RoleMultimodal, confidence: 0.9, types: []task.Type{task.TypeAnalyze}, keywords: visual},
	{name: "interface design", role: task.RoleUI, confidence: 0.9, types: []task.Type{task.TypeDesign}, keywords: ui},
	{name: "interface work", role: task.RoleUI, confidence: 0.85, types: []task.Type{task.TypeImplement, task.TypeReview}, keywords: ui},
	{name: "architecture work", role: task.RoleGeneral, confidence: 0.9, keywords: architecture},
	{name: "research task", role: task.RoleResearch, confidence: 0.85, types: []task.Type{task.TypeResearch}},
	{name: "documentation work", role: task.RoleWriter, confidence: 0.8, exclude: []task.Type{task.TypeDocument}, keywords: documentation},
	{name: "test task", role: task.RoleGeneral, confidence: 0.8, types: []task.Type{task.TypeTest}},
	{name: "general engineering", role: task.RoleGeneral, confidence: 0.7, types: []task.Type{task.TypeImplement, task.TypeReview, task.TypeDesign}},
}

// DefaultConfidence is the confidence of a fallback assignment.
const DefaultConfidence = 0.5

// Selector maps tasks to roles. It holds no mutable state and is safe for
// concurrent use.
type Selector struct {
	keywords    Keywords
	defaultRole task.Role
}

// Option configures a Selector.
type Option func(*Selector)

// WithKeywords replaces the keyword table.
func WithKeywords(k Keywords) Option {
	return func(s *Selector) { s.keywords = k }
}

// WithDefaultRole sets the role used when no rule matches.
func WithDefaultRole(role task.Role) Option {
	return func(s *Selector) { s.defaultRole = role }
}

// NewSelector returns a selector with the built-in rules.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{keywords: DefaultKeywords, defaultRole: task.RoleGeneral}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultRole returns the fallback role.
func (s *Selector) DefaultRole() task.Role {
	return s.defaultRole
}

// Select assigns t to a role. It never fails.
func (s *Selector) Select(t task.Task) task.Assignment {
	words := tokenize(t.Description + " " + t.Context)
	for _, r := range rules {
		ok, matched := r.matches(t.Type, words, s.keywords)
		if !ok {
			continue
		}
		reasoning := fmt.Sprintf("%s: %s task", r.name, t.Type)
		if matched != "" {
			reasoning = fmt.Sprintf("%s: %s task mentions %q", r.name, t.Type, matched)
		}
		return task.Assignment{Task: t, Role: r.role, Confidence: r.confidence, Reasoning: reasoning}
	}
	return task.Assignment{
		Task:       t,
		Role:       s.defaultRole,
		Confidence: DefaultConfidence,
		Reasoning:  fmt.Sprintf("no rule matched %s task, defaulting to %s", t.Type, s.defaultRole),
	}
}

// SelectAll assigns every task, preserving order.
func (s *Selector) SelectAll(tasks []task.Task, minConfidence float64) []task.Assignment {
	out := make([]task.Assignment, len(tasks))
	for i := range tasks {
		out[i] = s.ApplyMinConfidence(s.Select(tasks[i]), minConfidence)
	}
	return out
}

// ApplyMinConfidence forces the default role when a's confidence is below
// minConfidence.
func (s *Selector) ApplyMinConfidence(a task.Assignment, minConfidence float64) task.Assignment {
	if a.Confidence >= minConfidence || a.Role == s.defaultRole {
		return a
	}
	a.Reasoning = fmt.Sprintf("%s (confidence %.2f below minimum %.2f, overridden from %s to %s)",
		a.Reasoning, a.Confidence, minConfidence, a.Role, s.defaultRole)
	a.Role = s.defaultRole
	return a
}

func tokenize(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := make(map[string]bool, len(fields))
	for _, f := range fields {
		words[f] = true
	}
	return words
}
