package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/config"
	"taskline/internal/coordinator"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/repo"
	"taskline/internal/server"
	tasksdk "taskline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline coordinates task work on service projects.
Tasks flow Open -> Working <-> On Hold -> Completed, any non-terminal task can
be cancelled, and terminal tasks can be reopened. The server computes which
actions are available per task and actor; the CLI only offers those.
The workspace is a .taskline directory holding the SQLite database; project
config (task types, service templates, roles) lives in taskline.yml and is
imported into the DB.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("server") != "" {
			return nil
		}
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
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("yes", false, "answer yes to confirmation prompts")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	rootCmd.PersistentFlags().String("server", "", "remote API base URL (e.g. http://localhost:8080/api/v1); empty uses the local workspace")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --server")
	rootCmd.PersistentFlags().String("api-key", "", "API key for --server")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("yes", rootCmd.PersistentFlags().Lookup("yes"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(templateTasksCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a project in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default(id)
				path := config.Path(workspace)
				if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
					if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
						return err
					}
					fmt.Printf("Wrote default config to %s\n", path)
				}
			}
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectReadyCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name string
	var templates []string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				u := repo.ProjectUpdate{}
				if cmd.Flags().Changed("name") {
					u.Name = &name
				}
				if cmd.Flags().Changed("service-template") {
					u.ServiceTemplates = templates
				}
				if err := e.Repo.UpdateProject(ctx, target, u); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringArrayVar(&templates, "service-template", []string{}, "service template name (repeatable)")
	return cmd
}

func projectReadyCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "ready-to-close",
		Short: "Mark the project ready to close (freezes reopen/edit/split)",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.SetReadyToClose(ctx, target, !clear, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the flag instead of setting it")
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigValidateCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.ImportConfig(ctx, projectID, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
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

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := viper.GetString("project")
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":     p.ID,
					"ready_to_close": p.ReadyToClose,
					"task_counts":    counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Name)
				if p.ReadyToClose {
					fmt.Println("Ready to close: yes")
				}
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long: `Tasks flow Open -> Working <-> On Hold -> Completed. Cancel works on any
non-terminal task (with confirmation), reopen brings a terminal task back to
Open. Which actions are offered depends on the server-computed eligibility
flags; 'tl task actions <id>' shows them.`,
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskEditCmd())
	task.AddCommand(taskActionsCmd())
	for _, action := range []coordinator.Action{
		coordinator.ActionStart,
		coordinator.ActionPause,
		coordinator.ActionResume,
		coordinator.ActionComplete,
		coordinator.ActionCancel,
		coordinator.ActionReopen,
	} {
		task.AddCommand(taskActionCmd(action))
	}
	task.AddCommand(taskSplitCmd())
	task.AddCommand(taskTimelogsCmd())
	task.AddCommand(taskTreeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var subject, taskType, parent, description, assignee string
	var expectedTime float64
	var isGroup bool
	var dependsOn []string
	var extraFields []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			extra := map[string]any{}
			for _, kv := range extraFields {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("--field expects key=value, got %q", kv)
				}
				extra[k] = v
			}
			// assignee, deps and the group flag sit outside the quick dialog
			if assignee != "" || isGroup || len(dependsOn) > 0 {
				if serverURL := viper.GetString("server"); serverURL != "" {
					client := sdkClient(serverURL)
					t, err := client.CreateTask(cmd.Context(), tasksdk.CreateTaskRequest{
						Subject:      subject,
						TaskType:     taskType,
						ParentID:     parent,
						Description:  description,
						Assignee:     assignee,
						ExpectedTime: expectedTime,
						IsGroup:      isGroup,
						DependsOn:    dependsOn,
						Extra:        extra,
					})
					if err != nil {
						return err
					}
					return printJSONOrTable(t)
				}
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
						ProjectID:    e.Config.Project.ID,
						ParentID:     parent,
						Subject:      subject,
						TaskType:     taskType,
						Description:  description,
						ExpectedTime: expectedTime,
						Assignee:     assignee,
						IsGroup:      isGroup,
						DependsOn:    dependsOn,
						Extra:        extra,
						ActorID:      viper.GetString("actor-id"),
					})
					if err != nil {
						return err
					}
					return printJSONOrTable(t)
				})
			}
			return withCoordinator(cmd.Context(), func(ctx context.Context, co *coordinator.Coordinator, projectID string) error {
				values := map[string]any{
					"subject":       subject,
					"task_type":     taskType,
					"description":   description,
					"expected_time": expectedTime,
				}
				if parent != "" {
					values["parent"] = parent
				}
				for k, v := range extra {
					values[k] = v
				}
				t, err := co.SubmitCreate(ctx, projectID, values)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject")
	cmd.Flags().StringVar(&taskType, "type", "", "task type from the configured catalog")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee actor id")
	cmd.Flags().Float64Var(&expectedTime, "expected-time", 0, "expected time in hours")
	cmd.Flags().BoolVar(&isGroup, "group", false, "create as a group task")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency task id (repeatable)")
	cmd.Flags().StringArrayVar(&extraFields, "field", []string{}, "extension field key=value (repeatable)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Type", "Status", "Assignee", "Expected", "Actual"})
				for _, t := range tasks {
					assignee := ""
					if t.Assignee != nil {
						assignee = *t.Assignee
					}
					tw.AppendRow(table.Row{t.ID, t.Subject, t.TaskType, t.Status, assignee, t.ExpectedTime, fmt.Sprintf("%.2f", t.ActualTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TaskType, "type", "", "task type filter")
	cmd.Flags().StringVar(&f.Parent, "parent", "", "parent task id")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task with available actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withCoordinator(cmd.Context(), func(ctx context.Context, co *coordinator.Coordinator, _ string) error {
				t, actions, err := taskWithActions(ctx, co, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "actions": actions})
				}
				b, _ := json.MarshalIndent(t, "", "  ")
				fmt.Println(string(b))
				fmt.Printf("Actions: %s\n", joinActions(actions))
				return nil
			})
		},
	}
	return cmd
}

func taskEditCmd() *cobra.Command {
	var subject, taskType, description string
	var expectedTime float64
	var extraFields []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit task via the quick dialog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withCoordinator(cmd.Context(), func(ctx context.Context, co *coordinator.Coordinator, _ string) error {
				values := map[string]any{}
				if cmd.Flags().Changed("subject") {
					values["subject"] = subject
				}
				if cmd.Flags().Changed("type") {
					values["task_type"] = taskType
				}
				if cmd.Flags().Changed("description") {
					values["description"] = description
				}
				if cmd.Flags().Changed("expected-time") {
					values["expected_time"] = expectedTime
				}
				for _, kv := range extraFields {
					k, v, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("--field expects key=value, got %q", kv)
					}
					values[k] = v
				}
				if len(values) == 0 {
					return fmt.Errorf("nothing to edit")
				}
				t, err := co.SubmitEdit(ctx, id, values)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject")
	cmd.Flags().StringVar(&taskType, "type", "", "task type")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().Float64Var(&expectedTime, "expected-time", 0, "expected time in hours")
	cmd.Flags().StringArrayVar(&extraFields, "field", []string{}, "extension field key=value (repeatable)")
	return cmd
}

func taskActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions <id>",
		Short: "Show available actions for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withCoordinator(cmd.Context(), func(ctx context.Context, co *coordinator.Coordinator, _ string) error {
				actions, err := co.Available(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				fmt.Println(joinActions(actions))
				return nil
			})
		},
	}
	return cmd
}

func taskActionCmd(action coordinator.Action) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(action) + " <id>",
		Short: strings.ToUpper(string(action)[:1]) + string(action)[1:] + " task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withCoordinator(cmd.Context(), func(ctx context.Context, co *coordinator.Coordinator, _ string) error {
				if err := co.RunLatest(ctx, id, action); err != nil {
					if errors.Is(err, coordinator.ErrDeclined) {
						fmt.Println("aborted")
						return nil
					}
					return err
				}
				return nil
			})
		},
	}
	return cmd
}

func taskSplitCmd() *cobra.Command {
	var newExpected float64
	cmd := &cobra.Command{
		Use:   "split <id>",
		Short: "Split a task into two",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withCoordinator(cmd.Context(), func(ctx context.Context, co *coordinator.Coordinator, _ string) error {
				cond, err := co.Conditions(ctx, id)
				if err != nil {
					return err
				}
				sibling, err := co.RunSplit(ctx, id, newExpected, cond)
				if err != nil {
					return err
				}
				return printJSONOrTable(sibling)
			})
		},
	}
	cmd.Flags().Float64Var(&newExpected, "new-expected-time", 0, "hours kept on the original task")
	_ = cmd.MarkFlagRequired("new-expected-time")
	return cmd
}

func taskTimelogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timelogs <id>",
		Short: "List timelogs for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.Repo.ListTimelogs(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(logs)
			})
		},
	}
	return cmd
}

func taskTreeCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show task tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: e.Config.Project.ID, Status: status})
				if err != nil {
					return err
				}
				nodes := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentID != nil {
						nodes[*t.ParentID] = append(nodes[*t.ParentID], t)
					} else {
						roots = append(roots, t)
					}
				}
				if viper.GetBool("json") {
					type Node struct {
						Task     domain.Task `json:"task"`
						Children []Node      `json:"children,omitempty"`
					}
					var build func(t domain.Task) Node
					build = func(t domain.Task) Node {
						var childNodes []Node
						for _, c := range nodes[t.ID] {
							childNodes = append(childNodes, build(c))
						}
						return Node{Task: t, Children: childNodes}
					}
					var treeNodes []Node
					for _, r := range roots {
						treeNodes = append(treeNodes, build(r))
					}
					return printJSON(treeNodes)
				}
				for _, r := range roots {
					printTaskTree(r, nodes, "", true)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func templateTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template-tasks",
		Short: "Materialize the project's service template tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, co *coordinator.Coordinator, projectID string) error {
				created, err := co.CreateTemplateTasks(ctx, projectID)
				if err != nil {
					return err
				}
				if len(created) == 0 {
					fmt.Println("no new template tasks (already materialized)")
					return nil
				}
				return printJSONOrTable(created)
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the project event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Project.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Project.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				out := map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key %s created. Store the secret now; it is not shown again:\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAPIKey(ctx, viper.GetString("actor-id"), args[0])
			})
		},
	}
	return cmd
}

func whoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TASKLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TASKLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Taskline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// withCoordinator builds a coordinator against either the local engine or a
// remote server, with a terminal confirmer and a reload that reprints the task.
func withCoordinator(ctx context.Context, fn func(context.Context, *coordinator.Coordinator, string) error) error {
	confirm := coordinator.ConfirmerFunc(terminalConfirm)
	reload := func(svc coordinator.Service) coordinator.ReloadFunc {
		return func(ctx context.Context, taskID string) error {
			t, err := svc.Task(ctx, taskID)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		}
	}

	if serverURL := viper.GetString("server"); serverURL != "" {
		projectID := viper.GetString("project")
		svc := coordinator.NewRemoteService(sdkClient(serverURL))
		co := coordinator.New(svc,
			coordinator.WithConfirmer(confirm),
			coordinator.WithReload(reload(svc)),
		)
		return fn(ctx, co, projectID)
	}

	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID := e.Config.Project.ID
		caps, err := e.ActorCapabilities(ctx, projectID, viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		svc := coordinator.NewLocalService(e, caps)
		co := coordinator.New(svc,
			coordinator.WithConfirmer(confirm),
			coordinator.WithReload(reload(svc)),
		)
		return fn(ctx, co, projectID)
	})
}

func sdkClient(serverURL string) *tasksdk.Client {
	client := tasksdk.New(serverURL, viper.GetString("project"))
	client.BearerToken = viper.GetString("token")
	client.APIKey = viper.GetString("api-key")
	return client
}

func terminalConfirm(ctx context.Context, prompt string) (bool, error) {
	if viper.GetBool("yes") {
		return true, nil
	}
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func taskWithActions(ctx context.Context, co *coordinator.Coordinator, taskID string) (domain.Task, []coordinator.Action, error) {
	cond, err := co.Conditions(ctx, taskID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	t, err := co.Task(ctx, taskID)
	if err != nil {
		return domain.Task{}, nil, err
	}
	return t, coordinator.ActionsFrom(cond), nil
}

func joinActions(actions []coordinator.Action) string {
	if len(actions) == 0 {
		return "(none)"
	}
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, ", ")
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

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, t.Subject, t.Status)
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}
