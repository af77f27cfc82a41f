// Package crtvsdk is a minimal Go client for the CRTV Studio HTTP API.
package crtvsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. "http://127.0.0.1:8080/v0".
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Idea represents the API idea model.
type Idea struct {
	ID            int64  `json:"id"`
	StakeholderID int64  `json:"stakeholder_id"`
	Status        string `json:"status"`
	Summary       string `json:"summary"`
	CreatedAt     string `json:"created_at"`
}

// Brief is the orchestrator output attached to an idea.
type Brief struct {
	ID      int64        `json:"id"`
	IdeaID  int64        `json:"idea_id"`
	Content BriefContent `json:"content"`
}

// BriefContent mirrors the API's structured brief body.
type BriefContent struct {
	Overview    string   `json:"overview"`
	Objectives  []string `json:"objectives"`
	Audience    string   `json:"audience"`
	Constraints []string `json:"constraints"`
}

// Intake is the response to submitting an idea.
type Intake struct {
	Idea  Idea  `json:"idea"`
	Brief Brief `json:"brief"`
}

// Approval summarizes a plan expansion.
type Approval struct {
	ProjectsCreated    int    `json:"projects_created"`
	CheckpointsCreated int    `json:"checkpoints_created"`
	TasksCreated       int    `json:"tasks_created"`
	AlreadyApproved    bool   `json:"already_approved"`
	Message            string `json:"message"`
}

type Project struct {
	ID       int64  `json:"id"`
	IdeaID   int64  `json:"idea_id"`
	Phase    int    `json:"phase"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

type Checkpoint struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
}

type Task struct {
	ID           int64  `json:"id"`
	CheckpointID int64  `json:"checkpoint_id"`
	AssigneeID   *int64 `json:"assignee_id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Priority     int    `json:"priority"`
}

type Event struct {
	ID         int64  `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Kind       string `json:"kind"`
	Data       string `json:"data"`
	CreatedAt  string `json:"created_at"`
}

type ProjectProgress struct {
	Project     Project `json:"project"`
	Completion  int     `json:"completion"`
	Checkpoints []struct {
		Checkpoint Checkpoint `json:"checkpoint"`
		Completion int        `json:"completion"`
		TaskCount  int        `json:"task_count"`
	} `json:"checkpoints"`
}

// APIError wraps non-2xx responses and carries the error envelope when the
// body parses as one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitIdea submits an idea and returns the generated brief.
func (c *Client) SubmitIdea(ctx context.Context, summary string) (Intake, error) {
	var resp Intake
	err := c.do(ctx, http.MethodPost, "ideas", map[string]any{"summary": summary}, &resp)
	return resp, err
}

// ApproveIdea expands the idea's plan into projects, checkpoints, and tasks.
func (c *Client) ApproveIdea(ctx context.Context, ideaID int64) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("ideas/%d/approve", ideaID), nil, &resp)
	return resp, err
}

// Ideas lists all ideas.
func (c *Client) Ideas(ctx context.Context) ([]Idea, error) {
	var resp []Idea
	err := c.do(ctx, http.MethodGet, "ideas", nil, &resp)
	return resp, err
}

// IdeaProgress returns progress for every project under an idea.
func (c *Client) IdeaProgress(ctx context.Context, ideaID int64) ([]ProjectProgress, error) {
	var resp []ProjectProgress
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("ideas/%d/progress", ideaID), nil, &resp)
	return resp, err
}

// Timeline returns the idea's event history in append order.
func (c *Client) Timeline(ctx context.Context, ideaID int64) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("ideas/%d/timeline", ideaID), nil, &resp)
	return resp, err
}

// Projects lists all projects.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// Checkpoints lists a project's checkpoints.
func (c *Client) Checkpoints(ctx context.Context, projectID int64) ([]Checkpoint, error) {
	var resp []Checkpoint
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d/checkpoints", projectID), nil, &resp)
	return resp, err
}

// Tasks lists a checkpoint's tasks.
func (c *Client) Tasks(ctx context.Context, checkpointID int64) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("checkpoints/%d/tasks", checkpointID), nil, &resp)
	return resp, err
}

// UpdateTaskStatus moves a task along its status flow.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID int64, status string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%d", taskID), map[string]any{"status": status}, &resp)
	return resp, err
}

// SubmitReview records a checkpoint review under the caller's role.
func (c *Client) SubmitReview(ctx context.Context, checkpointID int64, note string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("checkpoints/%d/review", checkpointID), map[string]any{"note": note}, nil)
}

// CloseCheckpoint closes a checkpoint once its required reviews are in.
func (c *Client) CloseCheckpoint(ctx context.Context, checkpointID int64) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("checkpoints/%d/close", checkpointID), nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("events?limit=%d", limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
