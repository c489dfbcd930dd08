package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"stageline/internal/app"
	"stageline/internal/cache"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/events"
	"stageline/internal/projector"
	"stageline/internal/repo"
	"stageline/internal/server"
	"stageline/internal/sse"
	"stageline/internal/stage"
	"stageline/internal/telemetry"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "stageline",
	Short: "Stageline boards",
	Long: `Stageline tracks sales leads and team tasks on stage boards.
- Leads move through a ranked pipeline (frio -> tibio -> hot -> propuesta -> negociacion -> cerrado_ganado, or cerrado_perdido).
- Tasks move between todo, doing, done and blocked; a project holds at most 5 open tasks.
- Every lead move is recorded in its history; 'stageline lead history <id>' shows it.
- 'stageline serve' exposes the same operations over HTTP with a live event stream.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return app.LoadEnv(viper.GetString("workspace"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/stageline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (default: the only project, or STAGELINE_PROJECT)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "project"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(capacityCmd())
	rootCmd.AddCommand(activityCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default stageline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", path)
			}
			ws, err := app.Open(cmd.Context(), workspace, viper.GetString("config"))
			if err != nil {
				return err
			}
			defer ws.Close()
			fmt.Printf("workspace ready in %s\n", workspace)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ws, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}

			logger := cfg.Log.NewLogger(os.Stderr)
			if err := telemetry.Init(ctx, cfg.Telemetry, version); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(sctx)
			}()

			enabled := cfg.Telemetry.Enabled
			e := engine.New(ws.DB, cfg,
				engine.WithStore(telemetry.WrapStore(repo.Repo{DB: ws.DB}, enabled)),
				engine.WithHistory(telemetry.WrapHistory(events.History{DB: ws.DB}, enabled)),
				engine.WithLogger(logger),
			)
			broker := sse.NewBroker()
			e.Cache.OnInvalidate(broker.Invalidated)

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:        cfg.Auth.JWTSecret,
					AllowActorHeader: cfg.Auth.AllowActorHeader,
					Logger:           logger,
				},
				Broker: broker,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "version", version)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				broker.Close()
				err := srv.Shutdown(sctx)
				e.Wait()
				return err
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	create.Flags().StringVar(&name, "name", "", "project name")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	use := &cobra.Command{
		Use:   "use <project-id>",
		Short: "Set the default project in the workspace .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			err := withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, err := e.Repo.GetProject(ctx, args[0])
				return err
			})
			if err != nil {
				return err
			}
			if err := app.SetEnvValue(app.EnvPath(workspace), app.ProjectEnvKey, args[0]); err != nil {
				return err
			}
			fmt.Printf("Set %s=%s in %s\n", app.ProjectEnvKey, args[0], app.EnvPath(workspace))
			return nil
		},
	}

	prj.AddCommand(create, list, use)
	return prj
}

func leadCmd() *cobra.Command {
	lead := &cobra.Command{Use: "lead", Short: "Manage sales leads"}
	lead.AddCommand(leadCreateCmd(), leadListCmd(), moveCmd(domain.KindLead), leadHistoryCmd(), leadFieldsCmd())
	return lead
}

func leadCreateCmd() *cobra.Command {
	var opts engine.LeadCreateOptions
	var value float64
	var details map[string]string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lead",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				opts.ActorID = viper.GetString("actor-id")
				if cmd.Flags().Changed("value") {
					opts.Value = &value
				}
				opts.Details = parseDetails(details)
				ent, err := e.CreateLead(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "contact name")
	cmd.Flags().StringVar(&opts.Company, "company", "", "company")
	cmd.Flags().StringVar(&opts.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "contact phone")
	cmd.Flags().Float64Var(&value, "value", 0, "potential value")
	cmd.Flags().StringVar(&opts.StageID, "stage", "", "initial stage (default frio)")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&opts.NextAction, "next-action", "", "next action")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "next action date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().StringToStringVar(&details, "field", nil, "stage form field, e.g. --field producto=Consultoria")
	return cmd
}

func leadListCmd() *cobra.Command {
	var q string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				snap, reg, err := e.Board(ctx, domain.KindLead, projectID)
				if err != nil {
					return err
				}
				rows := projector.Rows(cache.Snapshot(projector.Filter(snap, q)), reg)
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Company", "Email", "Stage", "Value"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.Name, r.Company, r.Email, r.StageLabel, money(r.Value)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&q, "query", "q", "", "filter by name, company or email")
	return cmd
}

func leadHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <lead-id>",
		Short: "Show the stage history of a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.LeadHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"When", "From", "To", "Actor"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.CreatedAt, rec.FromStageID, rec.ToStageID, rec.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func leadFieldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fields <stage-id>",
		Short: "Show the lead form of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := stage.LeadFields(args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(fields)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Field", "Label", "Type", "Required", "Read-only"})
			for _, f := range fields {
				tw.AppendRow(table.Row{f.Name, f.Label, f.Type, f.Required, f.ReadOnly})
			}
			tw.Render()
			return nil
		},
	}
}

// moveCmd drags an entity of kind to another stage.
func moveCmd(kind domain.Kind) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "move <id> <to-stage>",
		Short: "Move a " + string(kind) + " to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				outcome, ent, err := e.Move(ctx, kind, projectID, args[0], from, args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"outcome": outcome, "entity": ent})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current stage (default: the entity's stage)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd(), taskListCmd(), moveCmd(domain.KindTask), taskDoneCmd(), taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				opts.ActorID = viper.GetString("actor-id")
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				ent, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1 (high) to 3 (low)")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.OwnerID, "assignee", "", "assignee id")
	cmd.Flags().StringVar(&opts.StageID, "stage", "", "initial stage (default todo)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var q string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				snap, reg, err := e.Board(ctx, domain.KindTask, projectID)
				if err != nil {
					return err
				}
				rows := projector.Rows(cache.Snapshot(projector.Filter(snap, q)), reg)
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Priority", "Due", "Assignee"})
				for _, r := range rows {
					prio := ""
					if r.Priority != nil {
						prio = strconv.Itoa(*r.Priority)
					}
					tw.AppendRow(table.Row{r.ID, r.Name, r.StageLabel, prio, r.DueDate, r.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&q, "query", "q", "", "filter by title")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	var fb domain.TaskFeedback
	cmd := &cobra.Command{
		Use:   "done <task-id>",
		Short: "Toggle task completion; feedback flags are recorded when completing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts := engine.CompleteTaskOptions{
					ID:        args[0],
					ProjectID: projectID,
					ActorID:   viper.GetString("actor-id"),
				}
				if fb.Result != "" {
					opts.Feedback = &fb
				}
				outcome, ent, err := e.CompleteTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"outcome": outcome, "entity": ent})
			})
		},
	}
	cmd.Flags().StringVar(&fb.Result, "result", "", "success, partial or failed")
	cmd.Flags().IntVar(&fb.Difficulty, "difficulty", 3, "difficulty 1-5")
	cmd.Flags().StringVar(&fb.Insights, "insights", "", "what was learned about the work")
	cmd.Flags().StringVar(&fb.Learning, "learning", "", "what to do differently")
	cmd.Flags().StringVar(&fb.NextAction, "next-action", "", "follow-up")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task (assignee only, or anyone when unassigned)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if err := e.DeleteTask(ctx, projectID, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func boardCmd() *cobra.Command {
	var board, q string
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show a board with per-stage totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := domain.KindFromBoard(board)
			if !ok {
				return fmt.Errorf("unknown board %q (leads or tasks)", board)
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				snap, reg, err := e.Board(ctx, kind, projectID)
				if err != nil {
					return err
				}
				cols := projector.Columns(cache.Snapshot(projector.Filter(snap, q)), reg)
				if viper.GetBool("json") {
					return printJSON(cols)
				}
				tw := newTable()
				tw.SetTitle("%s / %s", projectID, reg.Name())
				header := table.Row{"Stage", "Count", "Items"}
				if kind == domain.KindLead {
					header = table.Row{"Stage", "Count", "Total", "Items"}
				}
				tw.AppendHeader(header)
				for _, col := range cols {
					names := make([]string, 0, len(col.Entities))
					for _, ent := range col.Entities {
						names = append(names, ent.Name)
					}
					row := table.Row{col.Stage.Label, col.Total.Count}
					if kind == domain.KindLead {
						row = append(row, fmt.Sprintf("%.2f", col.Total.Sum))
					}
					tw.AppendRow(append(row, strings.Join(names, ", ")))
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&board, "kind", "tasks", "board: leads or tasks")
	cmd.Flags().StringVarP(&q, "query", "q", "", "filter entities")
	return cmd
}

func capacityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capacity",
		Short: "Show open tasks against the project limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				st, err := e.Capacity(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				if st.Limit <= 0 {
					fmt.Printf("%s: no task limit\n", projectID)
					return nil
				}
				fmt.Printf("%s: %d/%d open tasks", projectID, st.Count, st.Limit)
				if !st.OK {
					fmt.Print(" (full)")
				}
				fmt.Println()
				return nil
			})
		},
	}
}

func activityCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Tail recent project activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Repo.LatestEvents(ctx, projectID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, evt := range items {
					fmt.Printf("%s %s %s %s %s\n", evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	return cmd
}

// withWorkspace opens the workspace and builds an engine. Background history writes
// are drained before the database closes.
func withWorkspace(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return err
	}
	defer ws.Close()
	e := engine.New(ws.DB, ws.Config, engine.WithLogger(ws.Config.Log.NewLogger(os.Stderr)))
	defer e.Wait()
	return fn(ctx, e)
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withWorkspace(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID)
	})
}

// parseDetails keeps flag values as strings; numeric form fields accept numeric strings.
func parseDetails(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func money(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSONOrTable(v any) error {
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
