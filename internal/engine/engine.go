package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"crtvstudio/internal/config"
	"crtvstudio/internal/domain"
	"crtvstudio/internal/events"
	"crtvstudio/internal/notify"
	"crtvstudio/internal/orchestrator"
	"crtvstudio/internal/repo"
	"crtvstudio/internal/schema"
)

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Sink         notify.Sink
	Orchestrator orchestrator.Client
	Config       *config.Config
	Now          func() time.Time
	Logger       *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Events:       events.Writer{DB: db},
		Sink:         notify.Discard{},
		Orchestrator: orchestrator.Static{},
		Config:       cfg,
		Now:          time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	l := e.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

func ideaTopic(ideaID int64) string {
	return fmt.Sprintf("idea-%d", ideaID)
}

func (e Engine) broadcast(topic, kind string, data map[string]any) {
	if e.Sink == nil {
		return
	}
	e.Sink.Broadcast(topic, notify.Message{Kind: kind, Data: data})
}

// MappingError reports orchestrator output that references an entity the
// expansion did not create. It fails the whole approval rather than
// persisting an orphan.
type MappingError struct {
	Checkpoint string
	Phase      int
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("checkpoint %q references phase %d with no matching project", e.Checkpoint, e.Phase)
}

// ReviewsMissingError blocks a checkpoint close until every required role
// has submitted a review.
type ReviewsMissingError struct {
	Missing []string
}

func (e *ReviewsMissingError) Error() string {
	return "reviews missing: " + strings.Join(e.Missing, ", ")
}

// IntakeResult is what GenerateBriefAndPlan hands back for immediate
// display: the persisted rows plus the validated artifacts.
type IntakeResult struct {
	Idea        domain.Idea
	Brief       domain.Brief
	Plan        schema.PhasePlan
	Checkpoints schema.CheckpointList
	Tasks       schema.TaskList
}

// GenerateBriefAndPlan creates an idea from the summary, asks the
// orchestrator for a brief and plan, validates all four artifacts and
// persists a brief carrying them. The idea row is committed before the
// orchestrator call so a generation failure leaves a retryable idea behind.
func (e Engine) GenerateBriefAndPlan(ctx context.Context, stakeholderID int64, summary string) (IntakeResult, error) {
	if strings.TrimSpace(summary) == "" {
		return IntakeResult{}, errors.New("summary is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	idea, err := e.Repo.InsertIdea(ctx, domain.Idea{
		StakeholderID: stakeholderID,
		Status:        "in_review",
		Summary:       summary,
		CreatedAt:     now,
	})
	if err != nil {
		return IntakeResult{}, fmt.Errorf("insert idea: %w", err)
	}

	key := uuid.New().String()
	out, err := e.Orchestrator.Generate(ctx, orchestrator.Request{Summary: summary, IdempotencyKey: key})
	if err != nil {
		return IntakeResult{}, fmt.Errorf("orchestrator: %w", err)
	}
	brief, err := schema.ParseBrief(out.Brief)
	if err != nil {
		return IntakeResult{}, err
	}
	plan, err := schema.ParsePhasePlan(out.Plan)
	if err != nil {
		return IntakeResult{}, err
	}
	checkpoints, err := schema.ParseCheckpointList(out.Checkpoints)
	if err != nil {
		return IntakeResult{}, err
	}
	tasks, err := schema.ParseTaskList(out.Tasks)
	if err != nil {
		return IntakeResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return IntakeResult{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.InsertBrief(ctx, tx, domain.Brief{
		IdeaID: idea.ID,
		Content: domain.BriefContent{
			Overview:    brief.Overview,
			Objectives:  brief.Objectives,
			Audience:    brief.Audience,
			Constraints: brief.Constraints,
		},
		AIMeta: &domain.AIMeta{
			IdempotencyKey: key,
			Plan:           out.Plan,
			Checkpoints:    out.Checkpoints,
			Tasks:          out.Tasks,
		},
		CreatedAt: now,
	})
	if err != nil {
		return IntakeResult{}, fmt.Errorf("insert brief: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "idea", idea.ID, "idea.created", events.EventPayload{"summary": summary}); err != nil {
		return IntakeResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "idea", idea.ID, "brief.generated", events.EventPayload{"idempotencyKey": key}); err != nil {
		return IntakeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return IntakeResult{}, err
	}

	topic := ideaTopic(idea.ID)
	e.broadcast(topic, "idea.created", map[string]any{"summary": summary})
	e.broadcast(topic, "brief.generated", map[string]any{"idempotencyKey": key})

	return IntakeResult{Idea: idea, Brief: b, Plan: plan, Checkpoints: checkpoints, Tasks: tasks}, nil
}

// ApprovalResult reports what an approval created. AlreadyApproved means
// the call was a no-op repeat and should be shown as success.
type ApprovalResult struct {
	ProjectsCreated    int
	CheckpointsCreated int
	TasksCreated       int
	AlreadyApproved    bool
	Message            string
}

// seedTasks is the fallback inserted when no orchestrator task maps to a
// created checkpoint.
var seedTasks = []struct {
	Title    string
	Priority int
}{
	{"Scaffold repository", 1},
	{"Define design tokens", 2},
	{"Board MVP", 2},
}

// ApproveBrief expands the idea's latest brief into projects, checkpoints
// and tasks. It is idempotent: project existence is the guard, and the
// whole expansion commits in one transaction so the guard can never observe
// a half-finished batch.
func (e Engine) ApproveBrief(ctx context.Context, ideaID int64) (ApprovalResult, error) {
	if _, err := e.Repo.GetIdea(ctx, ideaID); err != nil {
		return ApprovalResult{}, err
	}
	existing, err := e.Repo.ProjectsByIdea(ctx, ideaID)
	if err != nil {
		return ApprovalResult{}, err
	}
	if len(existing) > 0 {
		// Re-assert active in case a prior call died between commit and
		// response.
		if err := e.Repo.UpdateIdeaStatus(ctx, ideaID, "active"); err != nil {
			return ApprovalResult{}, err
		}
		return ApprovalResult{AlreadyApproved: true, Message: "already approved"}, nil
	}

	plan, checkpointList, taskList := e.expansionSource(ctx, ideaID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApprovalResult{}, err
	}
	defer tx.Rollback()

	// One project per distinct phase, in plan order.
	seen := map[int]bool{}
	var projectBatch []domain.Project
	for _, ph := range plan.Phases {
		if seen[ph.Phase] {
			continue
		}
		seen[ph.Phase] = true
		projectBatch = append(projectBatch, domain.Project{
			IdeaID:   ideaID,
			Phase:    ph.Phase,
			Status:   "in_progress",
			Progress: 0,
		})
	}
	projects, err := e.Repo.InsertProjects(ctx, tx, projectBatch)
	if err != nil {
		return ApprovalResult{}, err
	}
	phaseToProject := make(map[int]int64, len(projects))
	for _, p := range projects {
		phaseToProject[p.Phase] = p.ID
	}

	var checkpointBatch []domain.Checkpoint
	for _, cp := range checkpointList.Checkpoints {
		projectID, ok := phaseToProject[cp.Phase]
		if !ok {
			return ApprovalResult{}, &MappingError{Checkpoint: cp.Name, Phase: cp.Phase}
		}
		checkpointBatch = append(checkpointBatch, domain.Checkpoint{
			ProjectID: projectID,
			Name:      cp.Name,
			Status:    "pending",
		})
	}
	checkpoints, err := e.Repo.InsertCheckpoints(ctx, tx, checkpointBatch)
	if err != nil {
		return ApprovalResult{}, err
	}
	nameToCheckpoint := make(map[string]int64, len(checkpoints))
	for _, cp := range checkpoints {
		if _, dup := nameToCheckpoint[cp.Name]; dup {
			e.logf("approve idea %d: duplicate checkpoint name %q, tasks join to the first", ideaID, cp.Name)
			continue
		}
		nameToCheckpoint[cp.Name] = cp.ID
	}

	var taskBatch []domain.Task
	for _, t := range taskList.Tasks {
		checkpointID, ok := nameToCheckpoint[t.CheckpointName]
		if !ok {
			e.logf("approve idea %d: task %q references unknown checkpoint %q, dropped", ideaID, t.Title, t.CheckpointName)
			continue
		}
		taskBatch = append(taskBatch, domain.Task{
			CheckpointID: checkpointID,
			Title:        t.Title,
			Status:       "todo",
			Priority:     t.EffectivePriority(),
		})
	}
	if len(taskBatch) == 0 && len(checkpoints) > 0 {
		first := checkpoints[0].ID
		for _, s := range seedTasks {
			taskBatch = append(taskBatch, domain.Task{
				CheckpointID: first,
				Title:        s.Title,
				Status:       "todo",
				Priority:     s.Priority,
			})
		}
	}
	tasks, err := e.Repo.InsertTasks(ctx, tx, taskBatch)
	if err != nil {
		return ApprovalResult{}, err
	}

	if err := e.Repo.UpdateIdeaStatusTx(ctx, tx, ideaID, "active"); err != nil {
		return ApprovalResult{}, err
	}
	counts := ApprovalResult{
		ProjectsCreated:    len(projects),
		CheckpointsCreated: len(checkpoints),
		TasksCreated:       len(tasks),
	}
	if err := e.Events.Append(ctx, tx, "idea", ideaID, "brief.approved", events.EventPayload{"ideaId": ideaID}); err != nil {
		return ApprovalResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "idea", ideaID, "projects.created", events.EventPayload{"count": counts.ProjectsCreated}); err != nil {
		return ApprovalResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "idea", ideaID, "checkpoints.created", events.EventPayload{"count": counts.CheckpointsCreated}); err != nil {
		return ApprovalResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "idea", ideaID, "tasks.created", events.EventPayload{"count": counts.TasksCreated}); err != nil {
		return ApprovalResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApprovalResult{}, err
	}

	topic := ideaTopic(ideaID)
	e.broadcast(topic, "brief.approved", map[string]any{"ideaId": ideaID})
	e.broadcast(topic, "projects.created", map[string]any{"count": counts.ProjectsCreated})
	e.broadcast(topic, "checkpoints.created", map[string]any{"count": counts.CheckpointsCreated})
	e.broadcast(topic, "tasks.created", map[string]any{"count": counts.TasksCreated})

	return counts, nil
}

// expansionSource loads the latest brief's artifacts, falling back to the
// canonical skeleton for ideas whose brief is missing or predates plan
// metadata. The skeleton carries one checkpoint per phase and no tasks,
// which lets the seed fallback populate phase 1.
func (e Engine) expansionSource(ctx context.Context, ideaID int64) (schema.PhasePlan, schema.CheckpointList, schema.TaskList) {
	b, err := e.Repo.LatestBriefForIdea(ctx, ideaID)
	if err != nil || b.AIMeta == nil {
		return skeletonPlan()
	}
	plan, err := schema.ParsePhasePlan(b.AIMeta.Plan)
	if err != nil {
		e.logf("approve idea %d: stored plan invalid (%v), using skeleton", ideaID, err)
		return skeletonPlan()
	}
	checkpoints, err := schema.ParseCheckpointList(b.AIMeta.Checkpoints)
	if err != nil {
		e.logf("approve idea %d: stored checkpoints invalid (%v), using skeleton checkpoints", ideaID, err)
		checkpoints = schema.CheckpointList{}
		for _, ph := range plan.Phases {
			checkpoints.Checkpoints = append(checkpoints.Checkpoints, schema.CheckpointEntry{
				Phase: ph.Phase,
				Name:  fmt.Sprintf("%d.1 Kickoff", ph.Phase),
			})
		}
	}
	tasks, err := schema.ParseTaskList(b.AIMeta.Tasks)
	if err != nil {
		e.logf("approve idea %d: stored tasks invalid (%v), seed fallback applies", ideaID, err)
		tasks = schema.TaskList{}
	}
	return plan, checkpoints, tasks
}

func skeletonPlan() (schema.PhasePlan, schema.CheckpointList, schema.TaskList) {
	var plan schema.PhasePlan
	var checkpoints schema.CheckpointList
	for phase := 1; phase <= schema.PhaseCount; phase++ {
		plan.Phases = append(plan.Phases, schema.PhaseEntry{
			Phase: phase,
			Goals: []string{fmt.Sprintf("Phase %d delivery", phase)},
		})
		checkpoints.Checkpoints = append(checkpoints.Checkpoints, schema.CheckpointEntry{
			Phase: phase,
			Name:  fmt.Sprintf("%d.1 Kickoff", phase),
		})
	}
	return plan, checkpoints, schema.TaskList{}
}

// TaskUpdateOptions are the mutable task fields. Zero values leave a field
// untouched; Assign pointing at 0 clears the assignee.
type TaskUpdateOptions struct {
	ID       int64
	Status   string
	Assign   *int64
	Priority int
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	from := t.Status
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTaskTransition(t.Status, opts.Status); err != nil {
			return t, err
		}
		t.Status = opts.Status
	}
	if opts.Assign != nil {
		if *opts.Assign == 0 {
			t.AssigneeID = nil
		} else {
			t.AssigneeID = opts.Assign
		}
	}
	if opts.Priority != 0 {
		if opts.Priority < 1 || opts.Priority > 3 {
			return t, fmt.Errorf("priority %d out of range 1..3", opts.Priority)
		}
		t.Priority = opts.Priority
	}

	ideaID, err := e.ideaForCheckpoint(ctx, t.CheckpointID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task", t.ID, "task.updated", events.EventPayload{
		"from_status": from,
		"to_status":   t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.broadcast(ideaTopic(ideaID), "task.updated", map[string]any{
		"taskId":     t.ID,
		"fromStatus": from,
		"toStatus":   t.Status,
	})
	return t, nil
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "todo":
		if newStatus == "in_progress" || newStatus == "blocked" {
			return nil
		}
	case "in_progress":
		if newStatus == "review" || newStatus == "done" || newStatus == "blocked" || newStatus == "todo" {
			return nil
		}
	case "review":
		if newStatus == "done" || newStatus == "in_progress" {
			return nil
		}
	case "blocked":
		if newStatus == "todo" || newStatus == "in_progress" {
			return nil
		}
	case "done":
		if newStatus == "review" {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

// SubmitCheckpointReview records a role's sign-off on a checkpoint. Every
// role in reviews.required_roles must submit before the checkpoint can
// close.
func (e Engine) SubmitCheckpointReview(ctx context.Context, checkpointID int64, reviewerRole, note string) error {
	cfg := e.Config
	if cfg == nil {
		return errors.New("config not loaded")
	}
	allowed := false
	for _, r := range cfg.Reviews.RequiredRoles {
		if r == reviewerRole {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("role %s is not a checkpoint reviewer", reviewerRole)
	}
	cp, err := e.Repo.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	if cp.Status == "closed" {
		return errors.New("checkpoint already closed")
	}
	ideaID, err := e.ideaForCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "checkpoint", checkpointID, "checkpoint.review.submitted", events.EventPayload{
		"reviewerRole": reviewerRole,
		"note":         note,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.broadcast(ideaTopic(ideaID), "checkpoint.review.submitted", map[string]any{
		"checkpointId": checkpointID,
		"reviewerRole": reviewerRole,
	})
	return nil
}

// CloseCheckpoint closes a checkpoint once every required role has
// reviewed it; otherwise it returns ReviewsMissingError naming the roles
// still outstanding.
func (e Engine) CloseCheckpoint(ctx context.Context, checkpointID int64) (domain.Checkpoint, error) {
	cfg := e.Config
	if cfg == nil {
		return domain.Checkpoint{}, errors.New("config not loaded")
	}
	cp, err := e.Repo.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return cp, err
	}
	if cp.Status == "closed" {
		return cp, errors.New("checkpoint already closed")
	}
	evts, err := e.Repo.EventsByEntity(ctx, "checkpoint", checkpointID)
	if err != nil {
		return cp, err
	}
	reviewed := map[string]bool{}
	for _, ev := range evts {
		if ev.Kind != "checkpoint.review.submitted" {
			continue
		}
		if role := payloadString(ev.Data, "reviewerRole"); role != "" {
			reviewed[role] = true
		}
	}
	var missing []string
	for _, role := range cfg.Reviews.RequiredRoles {
		if !reviewed[role] {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		return cp, &ReviewsMissingError{Missing: missing}
	}

	ideaID, err := e.ideaForCheckpoint(ctx, checkpointID)
	if err != nil {
		return cp, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return cp, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCheckpointStatus(ctx, tx, checkpointID, "closed"); err != nil {
		return cp, err
	}
	if err := e.Events.Append(ctx, tx, "checkpoint", checkpointID, "checkpoint.closed", events.EventPayload{}); err != nil {
		return cp, err
	}
	if err := tx.Commit(); err != nil {
		return cp, err
	}
	cp.Status = "closed"
	e.broadcast(ideaTopic(ideaID), "checkpoint.closed", map[string]any{"checkpointId": checkpointID})
	return cp, nil
}

func (e Engine) ideaForCheckpoint(ctx context.Context, checkpointID int64) (int64, error) {
	cp, err := e.Repo.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return 0, err
	}
	p, err := e.Repo.GetProject(ctx, cp.ProjectID)
	if err != nil {
		return 0, err
	}
	return p.IdeaID, nil
}

func payloadString(data, key string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
