package main

import (
	"testing"

	"crtvstudio/internal/schema"
)

func TestPlanSummaryJoinsGoals(t *testing.T) {
	plan := schema.PhasePlan{Phases: []schema.PhaseEntry{
		{Phase: 1, Goals: []string{"Project setup", "Team onboarding"}},
		{Phase: 2, Goals: []string{"Design review"}},
	}}
	lines := planSummary(plan)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0] != "  phase 1: Project setup; Team onboarding" {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if lines[1] != "  phase 2: Design review" {
		t.Fatalf("unexpected second line %q", lines[1])
	}
}

func TestPlanSummaryEmptyPlan(t *testing.T) {
	if lines := planSummary(schema.PhasePlan{}); len(lines) != 0 {
		t.Fatalf("expected no lines, got %v", lines)
	}
}
