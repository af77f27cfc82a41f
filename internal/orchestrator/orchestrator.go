// Package orchestrator defines the contract with the AI planning service.
// The pipeline only depends on the contract: a summary plus idempotency key
// in, four untyped artifacts out. Output is validated by internal/schema
// before it is trusted.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
)

type Request struct {
	Summary        string
	IdempotencyKey string
	Context        map[string]any
}

// Result carries the raw artifacts. They stay json.RawMessage on purpose:
// nothing downstream may consume them without running the schema parsers.
type Result struct {
	Brief       json.RawMessage
	Plan        json.RawMessage
	Checkpoints json.RawMessage
	Tasks       json.RawMessage
}

type Client interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Static is a deterministic in-process client used for local runs and
// tests. It produces a five-phase plan with one named checkpoint per phase
// and three phase-1 tasks, always passing schema validation.
type Static struct{}

func (Static) Generate(_ context.Context, req Request) (Result, error) {
	if req.Summary == "" {
		return Result{}, fmt.Errorf("orchestrator: summary required")
	}
	brief := map[string]any{
		"overview":    "Generated overview for: " + req.Summary,
		"objectives":  []string{"Define project scope", "Assemble team", "Create timeline"},
		"audience":    "Project stakeholders and team members",
		"constraints": []string{"Budget considerations", "Timeline requirements"},
	}
	plan := map[string]any{
		"phases": []map[string]any{
			{"phase": 1, "goals": []string{"Project setup and planning"}},
			{"phase": 2, "goals": []string{"Design and architecture"}},
			{"phase": 3, "goals": []string{"Development and implementation"}},
			{"phase": 4, "goals": []string{"Testing and quality assurance"}},
			{"phase": 5, "goals": []string{"Deployment and launch"}},
		},
	}
	checkpoints := map[string]any{
		"checkpoints": []map[string]any{
			{"phase": 1, "name": "Project Setup Complete"},
			{"phase": 2, "name": "Design Review"},
			{"phase": 3, "name": "MVP Ready"},
			{"phase": 4, "name": "QA Complete"},
			{"phase": 5, "name": "Production Deploy"},
		},
	}
	tasks := map[string]any{
		"tasks": []map[string]any{
			{"checkpointName": "Project Setup Complete", "title": "Setup repository", "priority": 1},
			{"checkpointName": "Project Setup Complete", "title": "Configure CI/CD", "priority": 2},
			{"checkpointName": "Project Setup Complete", "title": "Team onboarding", "priority": 2},
		},
	}
	return Result{
		Brief:       mustJSON(brief),
		Plan:        mustJSON(plan),
		Checkpoints: mustJSON(checkpoints),
		Tasks:       mustJSON(tasks),
	}, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
