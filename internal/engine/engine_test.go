package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"crtvstudio/internal/config"
	"crtvstudio/internal/db"
	"crtvstudio/internal/domain"
	"crtvstudio/internal/engine"
	"crtvstudio/internal/migrate"
	"crtvstudio/internal/notify"
	"crtvstudio/internal/orchestrator"
	"crtvstudio/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Sink   *captureSink
	Ctx    context.Context
}

type captureSink struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (s *captureSink) Broadcast(topic string, msg notify.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *captureSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Kind
	}
	return out
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	sink := &captureSink{}
	eng.Sink = sink
	return testEnv{Engine: eng, Sink: sink, Ctx: context.Background()}
}

type stubOrchestrator struct {
	res orchestrator.Result
}

func (s stubOrchestrator) Generate(context.Context, orchestrator.Request) (orchestrator.Result, error) {
	return s.res, nil
}

func TestIntakeThenApprove(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.GenerateBriefAndPlan(env.Ctx, 1, "Build a podcast app")
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if res.Idea.Status != "in_review" {
		t.Fatalf("expected in_review idea, got %s", res.Idea.Status)
	}
	if len(res.Plan.Phases) != 5 {
		t.Fatalf("expected 5 phases, got %d", len(res.Plan.Phases))
	}
	if res.Brief.AIMeta == nil || res.Brief.AIMeta.IdempotencyKey == "" {
		t.Fatal("expected brief to carry idempotency key")
	}

	out, err := env.Engine.ApproveBrief(env.Ctx, res.Idea.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if out.AlreadyApproved {
		t.Fatal("first approval must not report alreadyApproved")
	}
	if out.ProjectsCreated != 5 {
		t.Fatalf("expected 5 projects, got %d", out.ProjectsCreated)
	}
	if out.CheckpointsCreated < 5 || out.TasksCreated < 1 {
		t.Fatalf("expected >=5 checkpoints and >=1 tasks, got %d/%d", out.CheckpointsCreated, out.TasksCreated)
	}

	idea, err := env.Engine.Repo.GetIdea(env.Ctx, res.Idea.ID)
	if err != nil {
		t.Fatal(err)
	}
	if idea.Status != "active" {
		t.Fatalf("expected active idea, got %s", idea.Status)
	}

	evts, err := env.Engine.Repo.EventsByEntity(env.Ctx, "idea", res.Idea.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"idea.created", "brief.generated", "brief.approved", "projects.created", "checkpoints.created", "tasks.created"}
	if len(evts) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(evts))
	}
	for i, kind := range want {
		if evts[i].Kind != kind {
			t.Fatalf("event %d: expected %s, got %s", i, kind, evts[i].Kind)
		}
	}
	got := env.Sink.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %d broadcasts, got %d", len(want), len(got))
	}
	for i, kind := range want {
		if got[i] != kind {
			t.Fatalf("broadcast %d: expected %s, got %s", i, kind, got[i])
		}
	}
}

func TestDoubleApprovalIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.GenerateBriefAndPlan(env.Ctx, 1, "Build a podcast app")
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.ApproveBrief(env.Ctx, res.Idea.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.ApproveBrief(env.Ctx, res.Idea.ID)
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if !second.AlreadyApproved {
		t.Fatal("expected alreadyApproved on repeat")
	}
	if !strings.Contains(second.Message, "already approved") {
		t.Fatalf("expected already approved message, got %q", second.Message)
	}
	if second.ProjectsCreated != 0 || second.CheckpointsCreated != 0 || second.TasksCreated != 0 {
		t.Fatal("repeat approval must create nothing")
	}

	projects, err := env.Engine.Repo.ProjectsByIdea(env.Ctx, res.Idea.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != first.ProjectsCreated {
		t.Fatalf("persisted project count changed: %d != %d", len(projects), first.ProjectsCreated)
	}
	total := 0
	for _, p := range projects {
		cps, err := env.Engine.Repo.CheckpointsByProject(env.Ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		for _, cp := range cps {
			tasks, err := env.Engine.Repo.TasksByCheckpoint(env.Ctx, cp.ID)
			if err != nil {
				t.Fatal(err)
			}
			total += len(tasks)
		}
	}
	if total != first.TasksCreated {
		t.Fatalf("persisted task count changed: %d != %d", total, first.TasksCreated)
	}
}

func TestCheckpointProjectLinkage(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.GenerateBriefAndPlan(env.Ctx, 1, "Linkage check")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveBrief(env.Ctx, res.Idea.ID); err != nil {
		t.Fatal(err)
	}
	projects, err := env.Engine.Repo.ProjectsByIdea(env.Ctx, res.Idea.ID)
	if err != nil {
		t.Fatal(err)
	}
	byPhase := map[int]int64{}
	for _, p := range projects {
		byPhase[p.Phase] = p.ID
	}
	for _, cp := range res.Checkpoints.Checkpoints {
		projectID, ok := byPhase[cp.Phase]
		if !ok {
			t.Fatalf("checkpoint %q has no project for phase %d", cp.Name, cp.Phase)
		}
		cps, err := env.Engine.Repo.CheckpointsByProject(env.Ctx, projectID)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, got := range cps {
			if got.Name == cp.Name {
				found = true
			}
		}
		if !found {
			t.Fatalf("checkpoint %q not attached to phase %d project", cp.Name, cp.Phase)
		}
	}
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestTaskSeedFallback(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Orchestrator = stubOrchestrator{res: orchestrator.Result{
		Brief: mustRaw(t, map[string]any{"overview": "o", "objectives": []string{"a"}}),
		Plan: mustRaw(t, map[string]any{"phases": []map[string]any{
			{"phase": 1, "goals": []string{"g"}},
			{"phase": 2, "goals": []string{"g"}},
			{"phase": 3, "goals": []string{"g"}},
			{"phase": 4, "goals": []string{"g"}},
			{"phase": 5, "goals": []string{"g"}},
		}}),
		Checkpoints: mustRaw(t, map[string]any{"checkpoints": []map[string]any{
			{"phase": 1, "name": "Alpha"},
			{"phase": 2, "name": "Beta"},
		}}),
		Tasks: mustRaw(t, map[string]any{"tasks": []map[string]any{
			{"checkpointName": "No Such Checkpoint", "title": "orphan one"},
			{"checkpointName": "Still Missing", "title": "orphan two", "priority": 1},
		}}),
	}}
	res, err := env.Engine.GenerateBriefAndPlan(env.Ctx, 1, "Fallback check")
	if err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.ApproveBrief(env.Ctx, res.Idea.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.TasksCreated != 3 {
		t.Fatalf("expected exactly 3 seed tasks, got %d", out.TasksCreated)
	}
	projects, err := env.Engine.Repo.ProjectsByIdea(env.Ctx, res.Idea.ID)
	if err != nil {
		t.Fatal(err)
	}
	cps, err := env.Engine.Repo.CheckpointsByProject(env.Ctx, projects[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) == 0 || cps[0].Name != "Alpha" {
		t.Fatalf("expected first checkpoint Alpha, got %+v", cps)
	}
	tasks, err := env.Engine.Repo.TasksByCheckpoint(env.Ctx, cps[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected all 3 seed tasks on first checkpoint, got %d", len(tasks))
	}
	wantTitles := map[string]int{
		"Scaffold repository":  1,
		"Define design tokens": 2,
		"Board MVP":            2,
	}
	for _, task := range tasks {
		prio, ok := wantTitles[task.Title]
		if !ok {
			t.Fatalf("unexpected seed task %q", task.Title)
		}
		if task.Priority != prio {
			t.Fatalf("task %q: expected priority %d, got %d", task.Title, prio, task.Priority)
		}
		if task.Status != "todo" {
			t.Fatalf("seed task %q not todo", task.Title)
		}
	}
}

func TestSkeletonPlanForBrieflessIdea(t *testing.T) {
	env := newTestEnv(t)
	idea, err := env.Engine.Repo.InsertIdea(env.Ctx, domain.Idea{
		StakeholderID: 1,
		Status:        "in_review",
		Summary:       "legacy idea",
		CreatedAt:     "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.ApproveBrief(env.Ctx, idea.ID)
	if err != nil {
		t.Fatalf("approve briefless idea: %v", err)
	}
	if out.ProjectsCreated != 5 || out.CheckpointsCreated != 5 {
		t.Fatalf("expected 5/5 skeleton rows, got %d/%d", out.ProjectsCreated, out.CheckpointsCreated)
	}
	if out.TasksCreated != 3 {
		t.Fatalf("expected seed tasks on skeleton, got %d", out.TasksCreated)
	}
	projects, err := env.Engine.Repo.ProjectsByIdea(env.Ctx, idea.ID)
	if err != nil {
		t.Fatal(err)
	}
	cps, err := env.Engine.Repo.CheckpointsByProject(env.Ctx, projects[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 1 || cps[0].Name != "1.1 Kickoff" {
		t.Fatalf("expected skeleton checkpoint 1.1 Kickoff, got %+v", cps)
	}
}

func TestMappingErrorAbortsExpansion(t *testing.T) {
	env := newTestEnv(t)
	// Duplicate phase 1 keeps the plan at 5 entries while leaving phase 5
	// without a project.
	env.Engine.Orchestrator = stubOrchestrator{res: orchestrator.Result{
		Brief: mustRaw(t, map[string]any{"overview": "o", "objectives": []string{"a"}}),
		Plan: mustRaw(t, map[string]any{"phases": []map[string]any{
			{"phase": 1, "goals": []string{"g"}},
			{"phase": 1, "goals": []string{"g"}},
			{"phase": 2, "goals": []string{"g"}},
			{"phase": 3, "goals": []string{"g"}},
			{"phase": 4, "goals": []string{"g"}},
		}}),
		Checkpoints: mustRaw(t, map[string]any{"checkpoints": []map[string]any{
			{"phase": 5, "name": "Orphan"},
		}}),
		Tasks: mustRaw(t, map[string]any{"tasks": []map[string]any{}}),
	}}
	res, err := env.Engine.GenerateBriefAndPlan(env.Ctx, 1, "Mapping check")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ApproveBrief(env.Ctx, res.Idea.ID)
	var mapErr *engine.MappingError
	if !errors.As(err, &mapErr) {
		t.Fatalf("expected MappingError, got %v", err)
	}
	// Nothing may persist from the failed expansion.
	projects, err := env.Engine.Repo.ProjectsByIdea(env.Ctx, res.Idea.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Fatalf("failed expansion leaked %d projects", len(projects))
	}
	idea, err := env.Engine.Repo.GetIdea(env.Ctx, res.Idea.ID)
	if err != nil {
		t.Fatal(err)
	}
	if idea.Status != "in_review" {
		t.Fatalf("failed expansion changed idea status to %s", idea.Status)
	}
}

func TestApproveMissingIdea(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ApproveBrief(env.Ctx, 999)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIntakeRejectsEmptySummary(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GenerateBriefAndPlan(env.Ctx, 1, "   "); err == nil {
		t.Fatal("expected error for blank summary")
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.GenerateBriefAndPlan(env.Ctx, 1, "Transitions")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveBrief(env.Ctx, res.Idea.ID); err != nil {
		t.Fatal(err)
	}
	projects, _ := env.Engine.Repo.ProjectsByIdea(env.Ctx, res.Idea.ID)
	cps, _ := env.Engine.Repo.CheckpointsByProject(env.Ctx, projects[0].ID)
	tasks, _ := env.Engine.Repo.TasksByCheckpoint(env.Ctx, cps[0].ID)
	if len(tasks) == 0 {
		t.Fatal("expected tasks to exercise")
	}
	task := tasks[0]

	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "in_progress"})
	if err != nil || task.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "review"})
	if err != nil || task.Status != "review" {
		t.Fatalf("to review: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "done"})
	if err != nil || task.Status != "done" {
		t.Fatalf("to done: %v", err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "todo"}); err == nil {
		t.Fatal("expected transition error for done -> todo")
	}

	evts, err := env.Engine.Repo.EventsByEntity(env.Ctx, "task", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 3 {
		t.Fatalf("expected 3 task.updated events, got %d", len(evts))
	}
}

func TestCheckpointReviewGate(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.GenerateBriefAndPlan(env.Ctx, 1, "Review gate")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveBrief(env.Ctx, res.Idea.ID); err != nil {
		t.Fatal(err)
	}
	projects, _ := env.Engine.Repo.ProjectsByIdea(env.Ctx, res.Idea.ID)
	cps, _ := env.Engine.Repo.CheckpointsByProject(env.Ctx, projects[0].ID)
	cp := cps[0]

	if err := env.Engine.SubmitCheckpointReview(env.Ctx, cp.ID, "director", "lgtm"); err != nil {
		t.Fatalf("director review: %v", err)
	}
	if err := env.Engine.SubmitCheckpointReview(env.Ctx, cp.ID, "pm", ""); err != nil {
		t.Fatalf("pm review: %v", err)
	}
	_, err = env.Engine.CloseCheckpoint(env.Ctx, cp.ID)
	var missing *engine.ReviewsMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected ReviewsMissingError, got %v", err)
	}
	if len(missing.Missing) != 1 || missing.Missing[0] != "producer" {
		t.Fatalf("expected producer missing, got %v", missing.Missing)
	}

	if err := env.Engine.SubmitCheckpointReview(env.Ctx, cp.ID, "producer", ""); err != nil {
		t.Fatalf("producer review: %v", err)
	}
	closed, err := env.Engine.CloseCheckpoint(env.Ctx, cp.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != "closed" {
		t.Fatalf("expected closed status, got %s", closed.Status)
	}
	if _, err := env.Engine.CloseCheckpoint(env.Ctx, cp.ID); err == nil {
		t.Fatal("expected error closing twice")
	}
	if err := env.Engine.SubmitCheckpointReview(env.Ctx, cp.ID, "stakeholder", ""); err == nil {
		t.Fatal("expected error for non-reviewer role")
	}
}
