package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"crtvstudio/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertIdea(ctx context.Context, idea domain.Idea) (domain.Idea, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO ideas(stakeholder_id,status,summary,created_at) VALUES (?,?,?,?)`,
		idea.StakeholderID, idea.Status, idea.Summary, idea.CreatedAt)
	if err != nil {
		return idea, err
	}
	idea.ID, err = res.LastInsertId()
	return idea, err
}

func (r Repo) GetIdea(ctx context.Context, id int64) (domain.Idea, error) {
	var i domain.Idea
	err := r.DB.QueryRowContext(ctx, `SELECT id,stakeholder_id,status,summary,created_at FROM ideas WHERE id=?`, id).
		Scan(&i.ID, &i.StakeholderID, &i.Status, &i.Summary, &i.CreatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	return i, err
}

func (r Repo) ListIdeas(ctx context.Context) ([]domain.Idea, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,stakeholder_id,status,summary,created_at FROM ideas ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Idea
	for rows.Next() {
		var i domain.Idea
		if err := rows.Scan(&i.ID, &i.StakeholderID, &i.Status, &i.Summary, &i.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

func (r Repo) UpdateIdeaStatus(ctx context.Context, id int64, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE ideas SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateIdeaStatusTx(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE ideas SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertBrief(ctx context.Context, tx *sql.Tx, b domain.Brief) (domain.Brief, error) {
	content, err := json.Marshal(b.Content)
	if err != nil {
		return b, fmt.Errorf("marshal brief content: %w", err)
	}
	var aiMeta any
	if b.AIMeta != nil {
		data, err := json.Marshal(b.AIMeta)
		if err != nil {
			return b, fmt.Errorf("marshal brief ai meta: %w", err)
		}
		aiMeta = string(data)
	}
	if b.Version == 0 {
		b.Version = 1
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO briefs(idea_id,content_json,version,ai_meta_json,created_at) VALUES (?,?,?,?,?)`,
		b.IdeaID, string(content), b.Version, aiMeta, b.CreatedAt)
	if err != nil {
		return b, err
	}
	b.ID, err = res.LastInsertId()
	return b, err
}

// LatestBriefForIdea returns the newest brief; its ai_meta is the source
// of truth for plan expansion.
func (r Repo) LatestBriefForIdea(ctx context.Context, ideaID int64) (domain.Brief, error) {
	var b domain.Brief
	var content string
	var aiMeta sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,idea_id,content_json,version,ai_meta_json,created_at FROM briefs WHERE idea_id=? ORDER BY id DESC LIMIT 1`, ideaID).
		Scan(&b.ID, &b.IdeaID, &content, &b.Version, &aiMeta, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(content), &b.Content); err != nil {
		return b, fmt.Errorf("unmarshal brief content: %w", err)
	}
	if aiMeta.Valid && aiMeta.String != "" {
		var meta domain.AIMeta
		if err := json.Unmarshal([]byte(aiMeta.String), &meta); err != nil {
			return b, fmt.Errorf("unmarshal brief ai meta: %w", err)
		}
		b.AIMeta = &meta
	}
	return b, nil
}

// InsertProjects batch-inserts inside tx and returns the rows with their
// generated ids; the whole batch fails on the first error. The unique
// index on (idea_id, phase) makes a racing second expansion fail here.
func (r Repo) InsertProjects(ctx context.Context, tx *sql.Tx, batch []domain.Project) ([]domain.Project, error) {
	out := make([]domain.Project, 0, len(batch))
	for _, p := range batch {
		res, err := tx.ExecContext(ctx, `INSERT INTO projects(idea_id,phase,status,progress) VALUES (?,?,?,?)`,
			p.IdeaID, p.Phase, p.Status, p.Progress)
		if err != nil {
			return nil, fmt.Errorf("insert project phase %d: %w", p.Phase, err)
		}
		p.ID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,idea_id,phase,status,progress FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.IdeaID, &p.Phase, &p.Status, &p.Progress)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ProjectsByIdea(ctx context.Context, ideaID int64) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,idea_id,phase,status,progress FROM projects WHERE idea_id=? ORDER BY phase ASC`, ideaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.IdeaID, &p.Phase, &p.Status, &p.Progress); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,idea_id,phase,status,progress FROM projects ORDER BY idea_id ASC, phase ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.IdeaID, &p.Phase, &p.Status, &p.Progress); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectProgress(ctx context.Context, id int64, progress int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET progress=? WHERE id=?`, progress, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertCheckpoints(ctx context.Context, tx *sql.Tx, batch []domain.Checkpoint) ([]domain.Checkpoint, error) {
	out := make([]domain.Checkpoint, 0, len(batch))
	for _, c := range batch {
		res, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(project_id,name,due,status) VALUES (?,?,?,?)`,
			c.ProjectID, c.Name, nullableStringPtr(c.Due), c.Status)
		if err != nil {
			return nil, fmt.Errorf("insert checkpoint %q: %w", c.Name, err)
		}
		c.ID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r Repo) GetCheckpoint(ctx context.Context, id int64) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	var due sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,due,status FROM checkpoints WHERE id=?`, id).
		Scan(&c.ID, &c.ProjectID, &c.Name, &due, &c.Status)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if due.Valid {
		c.Due = &due.String
	}
	return c, err
}

func (r Repo) CheckpointsByProject(ctx context.Context, projectID int64) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,due,status FROM checkpoints WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		var c domain.Checkpoint
		var due sql.NullString
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Name, &due, &c.Status); err != nil {
			return nil, err
		}
		if due.Valid {
			c.Due = &due.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCheckpointStatus(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE checkpoints SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTasks(ctx context.Context, tx *sql.Tx, batch []domain.Task) ([]domain.Task, error) {
	out := make([]domain.Task, 0, len(batch))
	for _, t := range batch {
		res, err := tx.ExecContext(ctx, `INSERT INTO tasks(checkpoint_id,assignee_id,title,status,priority) VALUES (?,?,?,?,?)`,
			t.CheckpointID, nullableInt64Ptr(t.AssigneeID), t.Title, t.Status, t.Priority)
		if err != nil {
			return nil, fmt.Errorf("insert task %q: %w", t.Title, err)
		}
		t.ID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	var assignee sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id,checkpoint_id,assignee_id,title,status,priority FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.CheckpointID, &assignee, &t.Title, &t.Status, &t.Priority)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.Int64
	}
	return t, err
}

func (r Repo) TasksByCheckpoint(ctx context.Context, checkpointID int64) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,checkpoint_id,assignee_id,title,status,priority FROM tasks WHERE checkpoint_id=? ORDER BY priority ASC, id ASC`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var assignee sql.NullInt64
		if err := rows.Scan(&t.ID, &t.CheckpointID, &assignee, &t.Title, &t.Status, &t.Priority); err != nil {
			return nil, err
		}
		if assignee.Valid {
			t.AssigneeID = &assignee.Int64
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET checkpoint_id=?, assignee_id=?, title=?, status=?, priority=? WHERE id=?`,
		t.CheckpointID, nullableInt64Ptr(t.AssigneeID), t.Title, t.Status, t.Priority, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountTasksByStatus aggregates task statuses over a whole project via its
// checkpoints.
func (r Repo) CountTasksByStatus(ctx context.Context, projectID int64) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.status, count(*) FROM tasks t JOIN checkpoints c ON c.id=t.checkpoint_id WHERE c.project_id=? GROUP BY t.status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

type EventFilters struct {
	EntityType string
	EntityID   int64
	Kind       string
	Limit      int
}

// EventsByEntity returns the entity's events in append (id) order.
func (r Repo) EventsByEntity(ctx context.Context, entityType string, entityID int64) ([]domain.Event, error) {
	return r.listEvents(ctx, `WHERE entity_type=? AND entity_id=? ORDER BY id ASC`, entityType, entityID)
}

// LatestEvents returns newest-first events matching the filters.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != 0 {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	return r.listEvents(ctx, "WHERE "+strings.Join(clauses, " AND ")+" ORDER BY id DESC LIMIT ?", args...)
}

// EventsAfter returns up to limit events with id greater than after, oldest
// first. Used by the webhook dispatcher to page through the log.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listEvents(ctx, `WHERE id>? ORDER BY id ASC LIMIT ?`, after, limit)
}

// LatestEventID returns the highest event id, or 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) listEvents(ctx context.Context, tail string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_type,entity_id,kind,data_json,created_at FROM events `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Kind, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
