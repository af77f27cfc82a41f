package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crtvstudio/internal/app"
	"crtvstudio/internal/config"
	"crtvstudio/internal/db"
	"crtvstudio/internal/domain"
	"crtvstudio/internal/engine"
	"crtvstudio/internal/notify"
	"crtvstudio/internal/progress"
	"crtvstudio/internal/repo"
	"crtvstudio/internal/schema"
	"crtvstudio/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "crtv",
	Short: "CRTV Studio CLI",
	Long: `CRTV Studio turns stakeholder ideas into delivery plans.
An idea goes in, a brief and five-phase plan come out, and approval expands the
plan into projects, checkpoints, and tasks. Progress rolls up from task status,
and checkpoints close only after the required roles have reviewed them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CRTV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("role", "pm", "acting role")
	rootCmd.PersistentFlags().Int64("user-id", 1, "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(ideaCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func ideaCmd() *cobra.Command {
	idea := &cobra.Command{
		Use:   "idea",
		Short: "Manage ideas",
		Long:  "Ideas are stakeholder pitches. 'submit' generates a brief and a five-phase plan, 'approve' expands the plan into projects, checkpoints, and tasks.",
	}
	idea.AddCommand(ideaSubmitCmd())
	idea.AddCommand(ideaListCmd())
	idea.AddCommand(ideaShowCmd())
	idea.AddCommand(ideaApproveCmd())
	idea.AddCommand(ideaProgressCmd())
	idea.AddCommand(ideaTimelineCmd())
	return idea
}

func ideaSubmitCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an idea and generate its brief and plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.GenerateBriefAndPlan(ctx, viper.GetInt64("user-id"), summary)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Idea #%d submitted (%s)\n", res.Idea.ID, res.Idea.Status)
				fmt.Printf("Brief: %s\n", res.Brief.Content.Overview)
				for _, line := range planSummary(res.Plan) {
					fmt.Println(line)
				}
				fmt.Printf("%d checkpoints, %d tasks planned\n", len(res.Checkpoints.Checkpoints), len(res.Tasks.Tasks))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "idea summary")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func ideaListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ideas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ideas, err := r.ListIdeas(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ideas)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Summary", "Created"})
				for _, i := range ideas {
					tw.AppendRow(table.Row{i.ID, i.Status, truncate(i.Summary, 60), i.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ideaShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an idea and its latest brief",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				idea, err := r.GetIdea(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"idea": idea}
				if brief, err := r.LatestBriefForIdea(ctx, id); err == nil {
					out["brief"] = brief
				}
				return printJSONOrIndent(out)
			})
		},
	}
	return cmd
}

func ideaApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve an idea and expand its plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApproveBrief(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.AlreadyApproved {
					fmt.Println(res.Message)
					return nil
				}
				fmt.Printf("Created %d projects, %d checkpoints, %d tasks\n",
					res.ProjectsCreated, res.CheckpointsCreated, res.TasksCreated)
				return nil
			})
		},
	}
	return cmd
}

func ideaProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Show progress for every project under an idea",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rollup := progress.Rollup{Repo: r}
				items, err := rollup.ForIdea(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Project", "Phase", "Status", "Completion"})
				for _, pp := range items {
					tw.AppendRow(table.Row{pp.Project.ID, pp.Project.Phase, pp.Project.Status, fmt.Sprintf("%d%%", pp.Completion)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ideaTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Show an idea's event timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.EventsByEntity(ctx, "idea", id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, ev := range events {
					fmt.Printf("%s  %-22s %s\n", ev.CreatedAt, ev.Kind, ev.Data)
				}
				return nil
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectProgressCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projects, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Idea", "Phase", "Status", "Progress"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.IdeaID, p.Phase, p.Status, fmt.Sprintf("%d%%", p.Progress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project and its checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				checkpoints, err := r.CheckpointsByProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{"project": p, "checkpoints": checkpoints})
			})
		},
	}
	return cmd
}

func projectProgressCmd() *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Compute project progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rollup := progress.Rollup{Repo: r}
				var pp progress.ProjectProgress
				if sync {
					pp, err = rollup.SyncProject(ctx, id)
				} else {
					pp, err = rollup.ForProject(ctx, id)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pp)
				}
				fmt.Printf("Project %d: %d%%\n", pp.Project.ID, pp.Completion)
				for _, cp := range pp.Checkpoints {
					fmt.Printf("  %s (%s): %d%% over %d tasks\n", cp.Checkpoint.Name, cp.Checkpoint.Status, cp.Completion, cp.TaskCount)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "persist the computed completion on the project row")
	return cmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{
		Use:   "checkpoint",
		Short: "Review and close checkpoints",
		Long:  "Checkpoints gate delivery. Every role in reviews.required_roles must submit a review before a checkpoint can close.",
	}
	cp.AddCommand(checkpointTasksCmd())
	cp.AddCommand(checkpointReviewCmd())
	cp.AddCommand(checkpointCloseCmd())
	return cp
}

func checkpointTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks <id>",
		Short: "List a checkpoint's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.TasksByCheckpoint(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
	return cmd
}

func checkpointReviewCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Submit a review as the acting role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				role := viper.GetString("role")
				if err := e.SubmitCheckpointReview(ctx, id, role, note); err != nil {
					return err
				}
				fmt.Printf("Review recorded for checkpoint %d as %s\n", id, role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "review note")
	return cmd
}

func checkpointCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a checkpoint once all required reviews are in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cp, err := e.CloseCheckpoint(ctx, id)
				if err != nil {
					var missing *engine.ReviewsMissingError
					if errors.As(err, &missing) {
						return fmt.Errorf("cannot close: missing reviews from %s", strings.Join(missing.Missing, ", "))
					}
					return err
				}
				return printJSONOrIndent(cp)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow todo -> in_progress -> review -> done, with blocked as a parking state. Illegal jumps are rejected.",
	}
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	return task
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var status string
	var assign int64
	var priority int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task status, assignee, or priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.TaskUpdateOptions{ID: id, Status: status}
			if cmd.Flags().Changed("assign") {
				opts.Assign = &assign
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().Int64Var(&assign, "assign", 0, "assignee user id (0 clears)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1..3")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect studio config",
		Long:  "Config lives in crtvstudio.yml: server address, role access lists, and the checkpoint review roster.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: idea intake, approvals, task moves, and checkpoint reviews.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Kind", "Data", "At"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, fmt.Sprintf("%s/%d", ev.EntityType, ev.EntityID), ev.Kind, truncate(ev.Data, 48), ev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().Int64Var(&f.EntityID, "entity-id", 0, "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ac.Close()
			if !cmd.Flags().Changed("addr") && ac.Config.Server.Addr != "" {
				addr = ac.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && ac.Config.Server.BasePath != "" {
				basePath = ac.Config.Server.BasePath
			}
			bus := notify.NewBus()
			e := ac.Engine
			e.Sink = bus
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CRTV_JWT_SECRET"), DevLogin: devLogin}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CRTV_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Bus: bus, BasePath: basePath, Auth: authCfg, BaseContext: cmd.Context()})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving CRTV Studio API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev token endpoint")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ac, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	ac, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac.Repo)
}

func renderTasks(tasks []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee"})
	for _, t := range tasks {
		assignee := ""
		if t.AssigneeID != nil {
			assignee = strconv.FormatInt(*t.AssigneeID, 10)
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, assignee})
	}
	tw.Render()
}

func planSummary(plan schema.PhasePlan) []string {
	lines := make([]string, 0, len(plan.Phases))
	for _, ph := range plan.Phases {
		lines = append(lines, fmt.Sprintf("  phase %d: %s", ph.Phase, strings.Join(ph.Goals, "; ")))
	}
	return lines
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
