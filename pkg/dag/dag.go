// Package dag builds the execution graph for a set of task assignments and
// groups its nodes into dependency levels.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"taskmesh/pkg/task"
)

// Node is one task in the graph.
type Node struct {
	Task         task.Task
	Assignment   task.Assignment
	Dependencies []string
	Dependents   []string
	Level        int
	Status       task.Status
}

// DAG is the built graph. When Valid is false, Error explains why and the
// graph must not be executed.
type DAG struct {
	Nodes      map[string]*Node
	Levels     [][]string
	LevelCount int
	Valid      bool
	Error      string

	order []string
}

// ValidationError reports an unusable graph.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid task graph: " + e.Reason
}

// Err returns a *ValidationError when the graph is invalid.
func (d *DAG) Err() error {
	if d.Valid {
		return nil
	}
	return &ValidationError{Reason: d.Error}
}

// Order returns node ids in input order.
func (d *DAG) Order() []string {
	return append([]string(nil), d.order...)
}

// Node returns the node with id, or nil.
func (d *DAG) Node(id string) *Node {
	return d.Nodes[id]
}

// Build constructs the graph. Unknown dependency ids are dropped, duplicate
// edges collapse and every node starts pending. Levels are assigned in rounds:
// a node joins the first round in which all of its dependencies already have
// a level, so level(n) is 0 without dependencies and 1 + the deepest
// dependency otherwise.
func Build(assignments []task.Assignment) *DAG {
	d := &DAG{
		Nodes: make(map[string]*Node, len(assignments)),
		Valid: true,
	}

	var duplicates []string
	for i := range assignments {
		a := assignments[i]
		id := a.Task.ID
		if _, exists := d.Nodes[id]; exists {
			duplicates = append(duplicates, id)
			continue
		}
		d.Nodes[id] = &Node{
			Task:       a.Task,
			Assignment: a,
			Level:      -1,
			Status:     task.StatusPending,
		}
		d.order = append(d.order, id)
	}
	if len(duplicates) > 0 {
		d.invalidate(fmt.Sprintf("duplicate task ids: %s", strings.Join(duplicates, ", ")))
		return d
	}

	for _, id := range d.order {
		n := d.Nodes[id]
		seen := make(map[string]bool, len(n.Task.Dependencies))
		for _, dep := range n.Task.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			parent, ok := d.Nodes[dep]
			if !ok {
				continue
			}
			n.Dependencies = append(n.Dependencies, dep)
			parent.Dependents = append(parent.Dependents, id)
		}
	}

	d.level()
	return d
}

func (d *DAG) level() {
	remaining := len(d.order)
	for remaining > 0 {
		var round []string
		for _, id := range d.order {
			n := d.Nodes[id]
			if n.Level >= 0 || !d.ready(n) {
				continue
			}
			round = append(round, id)
		}
		if len(round) == 0 {
			var stuck []string
			for _, id := range d.order {
				if d.Nodes[id].Level < 0 {
					stuck = append(stuck, id)
				}
			}
			sort.Strings(stuck)
			d.invalidate("circular dependency among tasks: " + strings.Join(stuck, ", "))
			return
		}
		// Assign after collecting so a node never lands in the same round as
		// one of its dependencies.
		for _, id := range round {
			d.Nodes[id].Level = len(d.Levels)
		}
		d.Levels = append(d.Levels, round)
		remaining -= len(round)
	}
	d.LevelCount = len(d.Levels)
}

func (d *DAG) ready(n *Node) bool {
	for _, dep := range n.Dependencies {
		if d.Nodes[dep].Level < 0 {
			return false
		}
	}
	return true
}

func (d *DAG) invalidate(reason string) {
	d.Valid = false
	d.Error = reason
	d.Levels = nil
	d.LevelCount = 0
}
