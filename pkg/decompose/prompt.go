package decompose

// decompositionPrompt is the system prompt for task decomposition.
const decompositionPrompt = `You break a high-level goal into a small graph of concrete tasks that separate workers can execute.

Return ONLY a JSON object with this exact structure (no other text):
{
  "tasks": [
    {
      "id": "task-1",
      "description": "What to do, specific enough to act on without further context",
      "type": "research|implement|review|design|document|test|analyze",
      "dependencies": ["ids of tasks that must finish first"],
      "estimated_complexity": "low|medium|high",
      "priority": 1,
      "context": "optional notes the worker needs"
    }
  ]
}

Guidelines:
- Prefer 3 to 8 tasks. Each task must be completable by one worker in one pass.
- Only add a dependency when a task truly needs another task's output.
- Tasks without dependencies run in parallel, so keep independent work independent.
- Never create circular dependencies.
- Use an empty array for dependencies when there are none.
- Use "analyze" for work on images, screenshots, diagrams or documents.`

// goalTemplate wraps the user's goal.
const goalTemplate = "Goal:\n%s"
