package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dutyline/internal/app"
	"dutyline/internal/config"
	"dutyline/internal/db"
	"dutyline/internal/domain"
	"dutyline/internal/engine"
	"dutyline/internal/migrate"
	"dutyline/internal/repo"
	"dutyline/internal/schedule"
	"dutyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dutyline CLI",
	Long: `Dutyline schedules recurring back-office obligations and tracks their
activity checklists.
- Work item: a task or compliance obligation with a reference date and two
  derived milestones (target and deadline), counted in calendar or business
  days.
- Activities: typed sub-steps (checklist, send_email, attachment,
  pdf_layout_validation, third_party_match) that must all be resolved before
  the work item can be concluded.
- Status buckets: open items classify against today as scheduled_future,
  upcoming_window, due_today or overdue.
- Event log: every transition is recorded, view with 'dl log tail'.`,
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
	viper.SetEnvPrefix("DUTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialise workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path, err := app.InitWorkspace(workspace)
			if err != nil {
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
			fmt.Printf("Workspace ready: config at %s, database at %s\n", path, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace policy config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	return cfg
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
		Long:  "Work items carry the schedule: a reference date plus day counts derive the target and deadline. Conclusion is gated on every activity being resolved.",
	}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemRescheduleCmd())
	item.AddCommand(itemTransitionCmd("conclude", "Conclude work item", func(e engine.Engine) transitionFn { return e.Conclude }))
	item.AddCommand(itemTransitionCmd("cancel", "Cancel work item", func(e engine.Engine) transitionFn { return e.CancelWorkItem }))
	item.AddCommand(itemTransitionCmd("reopen", "Reopen concluded work item", func(e engine.Engine) transitionFn { return e.ReopenWorkItem }))
	item.AddCommand(itemTransitionCmd("reactivate", "Reactivate cancelled work item", func(e engine.Engine) transitionFn { return e.ReactivateWorkItem }))
	return item
}

type transitionFn func(ctx context.Context, id, actorID string) (domain.WorkItem, error)

func itemTransitionCmd(name, short string, pick func(engine.Engine) transitionFn) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := pick(e)(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func itemCreateCmd() *cobra.Command {
	var opts engine.WorkItemCreateOptions
	var refDate string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			ref, err := schedule.ParseDate(refDate)
			if err != nil {
				return fmt.Errorf("--reference-date must be YYYY-MM-DD: %w", err)
			}
			opts.ReferenceDate = ref
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("days-to-target") {
					opts.DaysToTarget = e.Config.Scheduling.DaysToTarget
				}
				if !cmd.Flags().Changed("days-to-deadline") {
					opts.DaysToDeadline = e.Config.Scheduling.DaysToDeadline
				}
				w, err := e.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work item id (optional)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "task", "work item kind (task, obligation)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&refDate, "reference-date", "", "reference date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.DaysToTarget, "days-to-target", 0, "days from reference to target")
	cmd.Flags().IntVar(&opts.DaysToDeadline, "days-to-deadline", 0, "days from reference to deadline")
	cmd.Flags().StringVar(&opts.DayCountMode, "mode", "", "day count mode (calendar, business)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("reference-date")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	var bucket string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				type row struct {
					domain.WorkItem
					StatusBucket string `json:"status_bucket"`
				}
				rows := make([]row, 0, len(items))
				for _, w := range items {
					r := row{WorkItem: w, StatusBucket: string(e.Classify(w))}
					if bucket != "" && r.StatusBucket != bucket {
						continue
					}
					rows = append(rows, r)
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Kind", "Status", "Bucket", "Target", "Deadline"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.Title, r.Kind, r.Status, r.StatusBucket, r.TargetDate, r.DeadlineDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (open, concluded, cancelled)")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter (task, obligation)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "derived bucket filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show work item with activities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				acts, err := e.Repo.ListActivities(ctx, w.ID)
				if err != nil {
					return err
				}
				ok, pending, err := e.CanConclude(ctx, w.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"work_item":         w,
					"status_bucket":     string(e.Classify(w)),
					"activities":        acts,
					"pending_count":     pending,
					"ready_to_conclude": ok && w.Status == domain.StatusOpen,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s  %s (%s, %s)\n", w.ID, w.Title, w.Kind, w.Status)
				fmt.Printf("Reference %s  Target %s  Deadline %s  Bucket %s\n",
					w.ReferenceDate, w.TargetDate, w.DeadlineDate, e.Classify(w))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Kind", "Label", "State", "Policy"})
				for _, a := range acts {
					tw.AppendRow(table.Row{a.Ordinal, a.ID, a.Kind, a.Label, a.State, a.CancellationPolicy})
				}
				tw.Render()
				if pending > 0 {
					fmt.Printf("%d activities still pending\n", pending)
				}
				return nil
			})
		},
	}
	return cmd
}

func itemRescheduleCmd() *cobra.Command {
	var refDate, mode string
	var toTarget, toDeadline int
	cmd := &cobra.Command{
		Use:   "reschedule <id>",
		Short: "Change reference date and recompute milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := schedule.ParseDate(refDate)
			if err != nil {
				return fmt.Errorf("--reference-date must be YYYY-MM-DD: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.Repo.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				opts := engine.RescheduleOptions{
					ID:             args[0],
					ReferenceDate:  ref,
					DaysToTarget:   cur.DaysToTarget,
					DaysToDeadline: cur.DaysToDeadline,
					DayCountMode:   cur.DayCountMode,
					ActorID:        viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("days-to-target") {
					opts.DaysToTarget = toTarget
				}
				if cmd.Flags().Changed("days-to-deadline") {
					opts.DaysToDeadline = toDeadline
				}
				if mode != "" {
					opts.DayCountMode = mode
				}
				w, err := e.Reschedule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&refDate, "reference-date", "", "new reference date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&toTarget, "days-to-target", 0, "days from reference to target")
	cmd.Flags().IntVar(&toDeadline, "days-to-deadline", 0, "days from reference to deadline")
	cmd.Flags().StringVar(&mode, "mode", "", "day count mode (calendar, business)")
	_ = cmd.MarkFlagRequired("reference-date")
	return cmd
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "activity",
		Short: "Manage activities",
		Long:  "Activities are the typed sub-steps of a work item. Each kind has its own completion rule and cancellation policy; completed and cancelled steps can be reverted only through explicit reopen/reactivate.",
	}
	act.AddCommand(activityAddCmd())
	act.AddCommand(activityListCmd())
	act.AddCommand(activityShowCmd())
	act.AddCommand(activityCompleteCmd())
	act.AddCommand(activityCancelCmd())
	act.AddCommand(activityReopenCmd())
	act.AddCommand(activityReactivateCmd())
	act.AddCommand(activityMoveCmd())
	act.AddCommand(activityAttachmentsCmd())
	return act
}

func activityAddCmd() *cobra.Command {
	var opts engine.ActivityCreateOptions
	cmd := &cobra.Command{
		Use:   "add <work-item-id>",
		Short: "Add an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkItemID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddActivity(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", "checklist", "activity kind")
	cmd.Flags().StringVar(&opts.Label, "label", "", "label")
	cmd.Flags().StringVar(&opts.CancellationPolicy, "cancellation", "", "cancellation policy (defaults from config per kind)")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}

func activityListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <work-item-id>",
		Short: "List activities in ordinal order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acts, err := e.Repo.ListActivities(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(acts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Kind", "Label", "State", "Attachments"})
				for _, a := range acts {
					tw.AppendRow(table.Row{a.Ordinal, a.ID, a.Kind, a.Label, a.State, a.AttachmentCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func activityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetActivity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func activityCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CompleteActivity(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func activityCancelCmd() *cobra.Command {
	var justification string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CancelActivity(ctx, args[0], viper.GetString("actor-id"), justification)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&justification, "justification", "", "required when the policy demands one")
	return cmd
}

func activityReopenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen completed activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ReopenActivity(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func activityReactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate <id>",
		Short: "Reactivate cancelled activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ReactivateActivity(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func activityMoveCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move activity up or down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.MoveActivity(ctx, args[0], direction, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "", "up or down")
	_ = cmd.MarkFlagRequired("direction")
	return cmd
}

func activityAttachmentsCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "set-attachments <id>",
		Short: "Record attachment count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SetAttachmentCount(ctx, args[0], count, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "attachment count")
	_ = cmd.MarkFlagRequired("count")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: creations, transitions, reschedules, and attachment updates.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var workItemID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, workItemID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&workItemID, "work-item", "", "work item filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (work_item, activity)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "API key management"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyRevokeCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("Key %s created. Store the secret now, it is not shown again:\n%s\n", key.ID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func keyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
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
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("DUTYLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DUTYLINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Dutyline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
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
	cfg, err := app.ResolveConfig(workspace)
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
	return fn(ctx, repo.Repo{DB: conn})
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
