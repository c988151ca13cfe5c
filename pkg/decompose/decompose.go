// Package decompose turns a free-text goal into a validated list of tasks by
// asking a reasoning provider for a JSON task graph and repairing its output.
package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"taskmesh/pkg/dispatch"
	"taskmesh/pkg/llm"
	"taskmesh/pkg/logx"
	"taskmesh/pkg/task"
)

// Error is a decomposition failure: the provider call failed, nothing
// recoverable was found in its reply, or the task graph was unusable.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decomposition failed: %s: %v", e.Reason, e.Err)
	}
	return "decomposition failed: " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the outcome of a decomposition. It never partially succeeds:
// either Tasks is a usable graph or Success is false and Error says why.
type Result struct {
	Success  bool        `json:"success"`
	Tasks    []task.Task `json:"tasks,omitempty"`
	Error    string      `json:"error,omitempty"`
	Provider string      `json:"provider,omitempty"`
	Model    string      `json:"model,omitempty"`
}

// Err converts a failed result into an *Error, or returns nil.
func (r *Result) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return &Error{Reason: r.Error}
}

// Reasoner is the provider call the decomposer needs; *dispatch.Dispatcher
// satisfies it.
type Reasoner interface {
	Dispatch(ctx context.Context, role task.Role, req llm.CompletionRequest) (*dispatch.Response, error)
}

// Decomposer asks a reasoning provider for a task graph.
type Decomposer struct {
	reasoner Reasoner
	role     task.Role
	logger   *logx.Logger
}

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithRole selects the role used for the reasoning call.
func WithRole(role task.Role) Option {
	return func(d *Decomposer) { d.role = role }
}

// New creates a decomposer.
func New(reasoner Reasoner, opts ...Option) *Decomposer {
	d := &Decomposer{
		reasoner: reasoner,
		role:     task.RoleGeneral,
		logger:   logx.NewLogger("decompose"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decompose asks the provider to break goal into tasks. Provider and parse
// failures return *Error; an unusable graph (empty, duplicate ids, empty
// descriptions, cycles) returns a failed Result.
func (d *Decomposer) Decompose(ctx context.Context, goal string) (*Result, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, &Error{Reason: "goal is empty"}
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(decompositionPrompt),
		llm.NewUserMessage(fmt.Sprintf(goalTemplate, goal)),
	})
	req.Temperature = llm.TemperatureDeterministic

	resp, err := d.reasoner.Dispatch(ctx, d.role, req)
	if err != nil {
		return nil, &Error{Reason: "reasoning provider call failed", Err: err}
	}
	logx.Debug(ctx, "decompose", "reply from %s/%s: %d chars", resp.Provider, resp.Model, len(resp.Content))

	tasks, err := ParseTasks(resp.Content)
	if err != nil {
		return nil, err
	}

	result := &Result{Provider: resp.Provider, Model: resp.Model}
	if verr := Validate(tasks); verr != nil {
		result.Error = verr.Error()
		d.logger.Warn("decomposition rejected: %s", result.Error)
		return result, nil
	}
	result.Success = true
	result.Tasks = tasks
	d.logger.Info("decomposed goal into %d tasks via %s/%s", len(tasks), resp.Provider, resp.Model)
	return result, nil
}

// rawTask accepts the field spellings providers actually produce.
type rawTask struct {
	ID           json.RawMessage `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Type         string          `json:"type"`
	TaskType     string          `json:"task_type"`
	Dependencies []any           `json:"dependencies"`
	DependsOn    []any           `json:"depends_on"`
	Complexity   string          `json:"estimated_complexity"`
	ComplexityS  string          `json:"complexity"`
	Priority     json.Number     `json:"priority"`
	Context      string          `json:"context"`
}

type envelope struct {
	Tasks []rawTask `json:"tasks"`
}

func preview(s string) string {
	const limit = 300
	if len(s) > limit {
		return s[:limit] + "... (truncated)"
	}
	return s
}

// ParseTasks extracts and normalizes the task list in reply. Missing ids
// become task-N, unknown types become implement, unknown complexity becomes
// medium, duplicate dependency entries collapse and dangling dependency
// references are dropped.
func ParseTasks(reply string) ([]task.Task, error) {
	payload, ok := llm.ExtractJSON(reply)
	if !ok {
		return nil, &Error{Reason: fmt.Sprintf("no JSON found in reply (got %d chars): %q", len(reply), preview(reply))}
	}

	var raws []rawTask
	if strings.HasPrefix(payload, "[") {
		if err := json.Unmarshal([]byte(payload), &raws); err != nil {
			return nil, &Error{Reason: "task list is not valid JSON", Err: err}
		}
	} else {
		var env envelope
		dec := json.NewDecoder(strings.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&env); err != nil {
			return nil, &Error{Reason: "task object is not valid JSON", Err: err}
		}
		if env.Tasks == nil {
			return nil, &Error{Reason: `reply object has no "tasks" field`}
		}
		raws = env.Tasks
	}

	tasks := make([]task.Task, len(raws))
	used := make(map[string]bool, len(raws))
	for i := range raws {
		tasks[i] = normalize(&raws[i])
		if tasks[i].ID != "" {
			used[tasks[i].ID] = true
		}
	}
	next := 1
	for i := range tasks {
		if tasks[i].ID != "" {
			continue
		}
		for used["task-"+strconv.Itoa(next)] {
			next++
		}
		tasks[i].ID = "task-" + strconv.Itoa(next)
		used[tasks[i].ID] = true
	}

	for i := range tasks {
		var kept []string
		seen := make(map[string]bool)
		for _, dep := range tasks[i].Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if !used[dep] {
				logx.Debugf("decompose: dropping dangling dependency %q of %s", dep, tasks[i].ID)
				continue
			}
			kept = append(kept, dep)
		}
		tasks[i].Dependencies = kept
	}
	return tasks, nil
}

func normalize(r *rawTask) task.Task {
	desc := strings.TrimSpace(r.Description)
	if desc == "" {
		desc = strings.TrimSpace(r.Title)
	}
	typ := r.Type
	if typ == "" {
		typ = r.TaskType
	}
	t, ok := task.ParseType(typ)
	if !ok && typ != "" {
		logx.Debugf("decompose: unknown task type %q, using %s", typ, t)
	}
	complexity := r.Complexity
	if complexity == "" {
		complexity = r.ComplexityS
	}
	priority, _ := r.Priority.Int64()

	deps := r.Dependencies
	if len(deps) == 0 {
		deps = r.DependsOn
	}
	return task.Task{
		ID:           rawID(r.ID),
		Description:  desc,
		Type:         t,
		Dependencies: idList(deps),
		Complexity:   task.ParseComplexity(complexity),
		Priority:     int(priority),
		Context:      strings.TrimSpace(r.Context),
	}
}

// rawID accepts string or numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func idList(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		switch id := v.(type) {
		case string:
			if s := strings.TrimSpace(id); s != "" {
				out = append(out, s)
			}
		case json.Number:
			out = append(out, id.String())
		case float64:
			out = append(out, strconv.FormatFloat(id, 'f', -1, 64))
		}
	}
	return out
}

// Validate rejects task lists that cannot form an execution graph.
func Validate(tasks []task.Task) error {
	if len(tasks) == 0 {
		return errors.New("empty task list returned")
	}
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Description == "" {
			return fmt.Errorf("task %q has an empty description", t.ID)
		}
	}
	return ValidateNoCycles(tasks)
}

// ValidateNoCycles runs a depth-first search with an in-progress set and
// reports the first cycle found as "a -> b -> a".
func ValidateNoCycles(tasks []task.Task) error {
	byID := make(map[string]*task.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(tasks))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case visited:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), id)
			return fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
		}

		state[id] = visiting
		if t := byID[id]; t != nil {
			for _, dep := range t.Dependencies {
				if err := visit(dep, append(path, id)); err != nil {
					return err
				}
			}
		}
		state[id] = visited
		return nil
	}

	for i := range tasks {
		if state[tasks[i].ID] == unvisited {
			if err := visit(tasks[i].ID, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
