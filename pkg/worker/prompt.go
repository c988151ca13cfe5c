package worker

import (
	"fmt"
	"sort"
	"strings"

	"taskmesh/pkg/llm"
	"taskmesh/pkg/task"
	"taskmesh/pkg/tokens"
)

// maxDependencyTokens bounds each dependency result passed as context.
const maxDependencyTokens = 1500

//nolint:gochecknoglobals // read-only table
var rolePrompts = map[task.Role]string{
	task.RoleGeneral:    "You are a senior software engineer. Complete the task precisely and report the result.",
	task.RoleUI:         "You are a frontend engineer focused on user interfaces, layout and accessibility. Complete the task and report the result.",
	task.RoleWriter:     "You are a technical writer. Produce clear, well-structured prose for the task.",
	task.RoleMultimodal: "You analyze visual and document inputs such as images, screenshots, diagrams and PDFs. Complete the task and report your findings.",
	task.RoleResearch:   "You are a research analyst. Investigate the question, compare options and cite the evidence behind your conclusions.",
}

// BuildRequest renders the completion request for a task. Dependency results
// appear in id order, each truncated to a bounded number of tokens.
func BuildRequest(role task.Role, description string, deps map[string]string) llm.CompletionRequest {
	system, ok := rolePrompts[role]
	if !ok {
		system = rolePrompts[task.RoleGeneral]
	}

	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(description)

	if len(deps) > 0 {
		ids := make([]string, 0, len(deps))
		for id := range deps {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		b.WriteString("\n\nResults of the tasks this one depends on:\n")
		for _, id := range ids {
			fmt.Fprintf(&b, "\n[%s]\n%s\n", id, tokens.Truncate(deps[id], maxDependencyTokens))
		}
	}

	return llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage(b.String()),
	})
}
