package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseBrief(t *testing.T) {
	b, err := ParseBrief(json.RawMessage(`{"overview":"Podcast app","objectives":["Define MVP"]}`))
	if err != nil {
		t.Fatalf("valid brief: %v", err)
	}
	if b.Overview != "Podcast app" {
		t.Fatalf("unexpected overview %q", b.Overview)
	}

	_, err = ParseBrief(json.RawMessage(`{"overview":"x"}`))
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if se.Path != "objectives" {
		t.Fatalf("expected failure at objectives, got %s", se.Path)
	}
	if se.Artifact != ArtifactBrief {
		t.Fatalf("expected brief artifact, got %s", se.Artifact)
	}
}

func TestParsePhasePlanCardinality(t *testing.T) {
	mk := func(n int) json.RawMessage {
		var entries []string
		for i := 1; i <= n; i++ {
			entries = append(entries, fmt.Sprintf(`{"phase":%d,"goals":["g"]}`, i))
		}
		return json.RawMessage(`{"phases":[` + strings.Join(entries, ",") + `]}`)
	}

	if _, err := ParsePhasePlan(mk(5)); err != nil {
		t.Fatalf("5 phases should validate: %v", err)
	}
	for _, n := range []int{4, 6} {
		if _, err := ParsePhasePlan(mk(n)); err == nil {
			t.Fatalf("%d phases should fail validation", n)
		}
	}
}

func TestParsePhasePlanRange(t *testing.T) {
	_, err := ParsePhasePlan(json.RawMessage(`{"phases":[
		{"phase":1,"goals":["g"]},{"phase":2,"goals":["g"]},{"phase":3,"goals":["g"]},
		{"phase":4,"goals":["g"]},{"phase":9,"goals":["g"]}]}`))
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if se.Path != "phases[4].phase" {
		t.Fatalf("unexpected path %s", se.Path)
	}
}

func TestParseCheckpointList(t *testing.T) {
	c, err := ParseCheckpointList(json.RawMessage(`{"checkpoints":[{"phase":1,"name":"Kickoff"}]}`))
	if err != nil {
		t.Fatalf("valid list: %v", err)
	}
	if len(c.Checkpoints) != 1 {
		t.Fatalf("expected one checkpoint")
	}
	// zero checkpoints is allowed
	if _, err := ParseCheckpointList(json.RawMessage(`{"checkpoints":[]}`)); err != nil {
		t.Fatalf("empty list should validate: %v", err)
	}
	if _, err := ParseCheckpointList(json.RawMessage(`{"checkpoints":[{"phase":0,"name":"x"}]}`)); err == nil {
		t.Fatalf("phase 0 should fail")
	}
}

func TestParseTaskListPriority(t *testing.T) {
	tl, err := ParseTaskList(json.RawMessage(`{"tasks":[{"checkpointName":"Kickoff","title":"Setup"}]}`))
	if err != nil {
		t.Fatalf("valid list: %v", err)
	}
	if got := tl.Tasks[0].EffectivePriority(); got != 2 {
		t.Fatalf("expected default priority 2, got %d", got)
	}

	_, err = ParseTaskList(json.RawMessage(`{"tasks":[{"checkpointName":"Kickoff","title":"Setup","priority":5}]}`))
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if se.Path != "tasks[0].priority" {
		t.Fatalf("unexpected path %s", se.Path)
	}
}

func TestMalformedJSON(t *testing.T) {
	for _, tc := range []struct {
		name  string
		parse func(json.RawMessage) error
	}{
		{ArtifactBrief, func(r json.RawMessage) error { _, err := ParseBrief(r); return err }},
		{ArtifactPhasePlan, func(r json.RawMessage) error { _, err := ParsePhasePlan(r); return err }},
		{ArtifactCheckpointList, func(r json.RawMessage) error { _, err := ParseCheckpointList(r); return err }},
		{ArtifactTaskList, func(r json.RawMessage) error { _, err := ParseTaskList(r); return err }},
	} {
		err := tc.parse(json.RawMessage(`{not json`))
		var se *Error
		if !errors.As(err, &se) || se.Artifact != tc.name {
			t.Fatalf("%s: expected tagged schema error, got %v", tc.name, err)
		}
	}
}
