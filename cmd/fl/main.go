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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"flowline/internal/app"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/flowerr"
	"flowline/internal/repo"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline runs multi-stage workflows as resumable sessions.
- Workspace: the .flowline directory holding the database and config.
- Definition: a validated graph of stages and transitions, the template.
- Session: one run of a definition; it remembers where it is and survives restarts.
- Stage instance: the session's visit to one stage, with its checklist and outputs.
- Context: key=value facts the session carries; transition conditions read them.
- Event log: every status change, view with 'fl log tail'.`,
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
		printError(err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().StringP("session", "s", "", "session id (overrides the pinned session)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func registerCommands() {
	rootCmd.AddCommand(defCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(skipCmd())
	rootCmd.AddCommand(backCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(abortCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- definitions ---

func defCmd() *cobra.Command {
	def := &cobra.Command{Use: "def", Short: "Manage workflow definitions"}
	def.AddCommand(defCreateCmd())
	def.AddCommand(defListCmd())
	def.AddCommand(defShowCmd())
	def.AddCommand(defUpdateCmd())
	def.AddCommand(defArchiveCmd())
	def.AddCommand(defValidateCmd())
	def.AddCommand(defImportCmd())
	def.AddCommand(defExportCmd())
	return def
}

func defCreateCmd() *cobra.Command {
	var name, desc, defType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an empty definition shell",
		Long:  "Creates a definition with no graph yet. Add stages and transitions, then 'fl def validate'. For full graphs prefer 'fl def import'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				// a single end stage keeps the shell structurally valid
				detail, err := e.CreateDefinition(ctx, engine.DefinitionSpec{
					Name:        name,
					Description: desc,
					Type:        defType,
					Stages:      []engine.StageSpec{{Name: "Done", OrderIndex: 1, IsEnd: true}},
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "definition name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&defType, "type", "workflow", "definition type")
	return cmd
}

func defListCmd() *cobra.Command {
	var defType, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDefinitions(ctx, repo.DefinitionFilters{Type: defType, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Updated"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Name, d.Type, d.Status, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&defType, "type", "", "filter by type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func defShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a definition with its graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetDefinitionDetail(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	return cmd
}

func defUpdateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a definition's graph from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readDefinitionFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.UpdateDefinition(ctx, args[0], spec)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func defArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "archive <id>",
		Aliases: []string{"delete"},
		Short:   "Archive a definition",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ArchiveDefinition(ctx, args[0], viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func defValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <id>",
		Short: "Run structural validation against a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.ValidateDefinition(ctx, args[0])
				if err != nil {
					return err
				}
				if len(issues) == 0 {
					fmt.Println("valid")
					return nil
				}
				if err := printJSONOrTable(issues); err != nil {
					return err
				}
				return fmt.Errorf("%d validation issue(s)", len(issues))
			})
		},
	}
	return cmd
}

func defImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create a definition from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readDefinitionFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.CreateDefinition(ctx, spec)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func defExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a definition graph as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetDefinitionDetail(ctx, args[0])
				if err != nil {
					return err
				}
				data, err := yaml.Marshal(definitionToFile(detail))
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Print(string(data))
					return nil
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

// --- stages and transitions ---

func stageCmd() *cobra.Command {
	stage := &cobra.Command{Use: "stage", Short: "Author stages"}
	stage.AddCommand(stageAddCmd())
	return stage
}

func stageAddCmd() *cobra.Command {
	var defID, id, name, desc, prerequisite string
	var order int
	var weight float64
	var isEnd bool
	var deps, checklist []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a stage to a definition",
		Long:  "Checklist items use id:label or id:label:required. Dependencies may reference stages added later; full checks run at validate and session start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseChecklist(checklist)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AddStage(ctx, defID, engine.StageSpec{
					ID:           id,
					Name:         name,
					Description:  desc,
					OrderIndex:   order,
					Checklist:    items,
					Weight:       weight,
					IsEnd:        isEnd,
					DependsOn:    deps,
					Prerequisite: prerequisite,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&defID, "definition", "", "definition id")
	cmd.Flags().StringVar(&id, "id", "", "stage id (generated if empty)")
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&order, "order", 0, "order index (unique per definition)")
	cmd.Flags().Float64Var(&weight, "weight", 1, "progress weight")
	cmd.Flags().BoolVar(&isEnd, "end", false, "mark as end stage")
	cmd.Flags().StringArrayVar(&deps, "depends-on", nil, "stage id this stage depends on")
	cmd.Flags().StringArrayVar(&checklist, "item", nil, "checklist item id:label[:required]")
	cmd.Flags().StringVar(&prerequisite, "prerequisite", "", "context condition gating entry")
	_ = cmd.MarkFlagRequired("definition")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func transitionCmd() *cobra.Command {
	tr := &cobra.Command{Use: "transition", Short: "Author transitions"}
	tr.AddCommand(transitionAddCmd())
	return tr
}

func transitionAddCmd() *cobra.Command {
	var defID, from, to, cond, desc string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a transition between two stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AddTransition(ctx, defID, engine.TransitionSpec{
					FromStageID: from,
					ToStageID:   to,
					Condition:   cond,
					Description: desc,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&defID, "definition", "", "definition id")
	cmd.Flags().StringVar(&from, "from", "", "source stage id")
	cmd.Flags().StringVar(&to, "to", "", "target stage id")
	cmd.Flags().StringVar(&cond, "condition", "", "guard, e.g. \"tier = pro, region = eu\"")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("definition")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// --- sessions ---

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Manage flow sessions"}
	sess.AddCommand(sessionStartCmd())
	sess.AddCommand(sessionListCmd())
	sess.AddCommand(sessionShowCmd())
	sess.AddCommand(sessionUseCmd())
	sess.AddCommand(sessionCurrentCmd())
	return sess
}

func sessionStartCmd() *cobra.Command {
	var defID, name string
	var ctxPairs []string
	var pin bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new session from a definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			initial, err := parsePairs(ctxPairs)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.StartSession(ctx, defID, name, initial)
				if err != nil {
					return err
				}
				if pin {
					if err := app.SetCurrentSession(viper.GetString("workspace"), detail.Session.ID); err != nil {
						return err
					}
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&defID, "definition", "", "definition id")
	cmd.Flags().StringVar(&name, "name", "", "session name (defaults to the definition name)")
	cmd.Flags().StringArrayVar(&ctxPairs, "context", nil, "initial context key=value")
	cmd.Flags().BoolVar(&pin, "use", true, "pin this session for later commands")
	_ = cmd.MarkFlagRequired("definition")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var defID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx, repo.SessionFilters{DefinitionID: defID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Stage", "Updated"})
				for _, s := range items {
					stage := "-"
					if s.CurrentStageID != nil {
						stage = *s.CurrentStageID
					}
					tw.AppendRow(table.Row{s.ID, s.Name, s.Status, stage, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&defID, "definition", "", "filter by definition id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "limit results")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a session with its stage history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override := viper.GetString("session")
			if len(args) == 1 {
				override = args[0]
			}
			return withEngineSession(cmd.Context(), override, func(ctx context.Context, e engine.Engine, sessionID string) error {
				detail, err := e.GetSessionDetail(ctx, sessionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	return cmd
}

func sessionUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Pin a session for later commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetSession(ctx, args[0]); err != nil {
					return err
				}
				return app.SetCurrentSession(viper.GetString("workspace"), args[0])
			})
		},
	}
	return cmd
}

func sessionCurrentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Print the pinned session id",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := app.CurrentSession(viper.GetString("workspace"))
			if id == "" {
				return fmt.Errorf("no session pinned; use 'fl session use <id>'")
			}
			fmt.Println(id)
			return nil
		},
	}
	return cmd
}

// --- session drivers ---

func advanceCmd() *cobra.Command {
	var items []string
	cmd := &cobra.Command{
		Use:     "advance",
		Aliases: []string{"next"},
		Short:   "Mark checklist items and move to the next stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineSession(cmd.Context(), viper.GetString("session"), func(ctx context.Context, e engine.Engine, sessionID string) error {
				res, err := e.Advance(ctx, sessionID, items)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				if res.DeadEnd {
					fmt.Fprintln(os.Stderr, "warning:", res.Warning)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&items, "item", nil, "checklist item id to mark done")
	return cmd
}

func completeCmd() *cobra.Command {
	var items []string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark checklist items without transitioning",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(items) == 0 {
				return fmt.Errorf("--item required")
			}
			return withEngineSession(cmd.Context(), viper.GetString("session"), func(ctx context.Context, e engine.Engine, sessionID string) error {
				inst, err := e.CompleteItems(ctx, sessionID, items)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringArrayVar(&items, "item", nil, "checklist item id to mark done")
	return cmd
}

func skipCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Skip the current stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineSession(cmd.Context(), viper.GetString("session"), func(ctx context.Context, e engine.Engine, sessionID string) error {
				res, err := e.SkipStage(ctx, sessionID, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the stage is skipped")
	return cmd
}

func backCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "back",
		Short: "Reopen the most recently completed stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineSession(cmd.Context(), viper.GetString("session"), func(ctx context.Context, e engine.Engine, sessionID string) error {
				res, err := e.Back(ctx, sessionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func deliverCmd() *cobra.Command {
	var name, ref string
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Record a deliverable on the current stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineSession(cmd.Context(), viper.GetString("session"), func(ctx context.Context, e engine.Engine, sessionID string) error {
				inst, err := e.RecordDeliverable(ctx, sessionID, name, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "deliverable name")
	cmd.Flags().StringVar(&ref, "ref", "", "reference, e.g. a URL or path")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func contextCmd() *cobra.Command {
	c := &cobra.Command{Use: "context", Short: "Shared session context"}
	c.AddCommand(contextShowCmd())
	c.AddCommand(contextSetCmd())
	return c
}

func contextShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the session context",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineSession(cmd.Context(), viper.GetString("session"), func(ctx context.Context, e engine.Engine, sessionID string) error {
				detail, err := e.GetSessionDetail(ctx, sessionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail.Session.Context)
			})
		},
	}
	return cmd
}

func contextSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key=value>...",
		Short: "Merge key=value pairs into the session context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parsePairs(args)
			if err != nil {
				return err
			}
			return withEngineSession(cmd.Context(), viper.GetString("session"), func(ctx context.Context, e engine.Engine, sessionID string) error {
				s, err := e.UpdateContext(ctx, sessionID, values)
				if err != nil {
					return err
				}
				return printJSONOrTable(s.Context)
			})
		},
	}
	return cmd
}

func pauseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineSession(cmd.Context(), viper.GetString("session"), func(ctx context.Context, e engine.Engine, sessionID string) error {
				s, err := e.Pause(ctx, sessionID, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the session is paused")
	return cmd
}

func resumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineSession(cmd.Context(), viper.GetString("session"), func(ctx context.Context, e engine.Engine, sessionID string) error {
				s, err := e.Resume(ctx, sessionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func abortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineSession(cmd.Context(), viper.GetString("session"), func(ctx context.Context, e engine.Engine, sessionID string) error {
				s, err := e.Abort(ctx, sessionID, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the session is aborted")
	return cmd
}

// --- events and serving ---

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Status event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var sessionID, entityKind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail status events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestStatusEvents(ctx, repo.StatusEventFilters{
					SessionID:  sessionID,
					EntityKind: entityKind,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Kind", "Entity", "Old", "New"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.EntityKind, evt.EntityID, evt.OldStatus, evt.NewStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FLOWLINE_JWT_SECRET"), Disabled: noAuth}
			if !noAuth && authCfg.JWTSecret == "" {
				return fmt.Errorf("FLOWLINE_JWT_SECRET is required for bearer auth (or pass --no-auth)")
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
			fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable bearer auth (local use only)")
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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withEngineSession(ctx context.Context, override string, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		sessionID, err := app.ResolveSessionID(ctx, viper.GetString("workspace"), override, e.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, e, sessionID)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
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

func printError(err error) {
	var fe *flowerr.Error
	if errors.As(err, &fe) {
		fmt.Fprintf(os.Stderr, "error (%s): %s\n", fe.Kind, fe.Message)
		for _, d := range fe.Details {
			fmt.Fprintf(os.Stderr, "  - %s\n", d)
		}
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid pair %q, want key=value", p)
		}
		values[k] = strings.TrimSpace(v)
	}
	return values, nil
}

func parseChecklist(items []string) ([]domain.ChecklistItem, error) {
	var res []domain.ChecklistItem
	for _, raw := range items {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid checklist item %q, want id:label[:required]", raw)
		}
		item := domain.ChecklistItem{ID: parts[0], Label: parts[1]}
		if len(parts) == 3 {
			item.Required = parts[2] == "required" || parts[2] == "true"
		}
		res = append(res, item)
	}
	return res, nil
}

// --- definition YAML files ---

type definitionFile struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Type        string           `yaml:"type,omitempty"`
	SourceRef   string           `yaml:"source_ref,omitempty"`
	Stages      []stageFile      `yaml:"stages"`
	Transitions []transitionFile `yaml:"transitions"`
}

type stageFile struct {
	ID           string                   `yaml:"id"`
	Name         string                   `yaml:"name"`
	Description  string                   `yaml:"description,omitempty"`
	Order        int                      `yaml:"order"`
	Checklist    []domain.ChecklistItem   `yaml:"checklist,omitempty"`
	Deliverables []domain.DeliverableSpec `yaml:"deliverables,omitempty"`
	Weight       float64                  `yaml:"weight,omitempty"`
	End          bool                     `yaml:"end,omitempty"`
	DependsOn    []string                 `yaml:"depends_on,omitempty"`
	Prerequisite string                   `yaml:"prerequisite,omitempty"`
}

type transitionFile struct {
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	Condition   string `yaml:"condition,omitempty"`
	Description string `yaml:"description,omitempty"`
}

func readDefinitionFile(path string) (engine.DefinitionSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.DefinitionSpec{}, err
	}
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return engine.DefinitionSpec{}, fmt.Errorf("parse %s: %w", path, err)
	}
	spec := engine.DefinitionSpec{
		Name:        f.Name,
		Description: f.Description,
		Type:        f.Type,
		SourceRef:   f.SourceRef,
	}
	for _, s := range f.Stages {
		spec.Stages = append(spec.Stages, engine.StageSpec{
			ID:           s.ID,
			Name:         s.Name,
			Description:  s.Description,
			OrderIndex:   s.Order,
			Checklist:    s.Checklist,
			Deliverables: s.Deliverables,
			Weight:       s.Weight,
			IsEnd:        s.End,
			DependsOn:    s.DependsOn,
			Prerequisite: s.Prerequisite,
		})
	}
	for _, t := range f.Transitions {
		spec.Transitions = append(spec.Transitions, engine.TransitionSpec{
			FromStageID: t.From,
			ToStageID:   t.To,
			Condition:   t.Condition,
			Description: t.Description,
		})
	}
	return spec, nil
}

func definitionToFile(detail engine.DefinitionDetail) definitionFile {
	f := definitionFile{
		Name:        detail.Definition.Name,
		Description: detail.Definition.Description,
		Type:        detail.Definition.Type,
		SourceRef:   detail.Definition.SourceRef,
	}
	for _, s := range detail.Stages {
		f.Stages = append(f.Stages, stageFile{
			ID:           s.ID,
			Name:         s.Name,
			Description:  s.Description,
			Order:        s.OrderIndex,
			Checklist:    s.Checklist,
			Deliverables: s.Deliverables,
			Weight:       s.Weight,
			End:          s.IsEnd,
			DependsOn:    s.DependsOn,
			Prerequisite: s.Prerequisite,
		})
	}
	for _, t := range detail.Transitions {
		tf := transitionFile{From: t.FromStageID, To: t.ToStageID, Description: t.Description}
		if t.Condition != nil {
			tf.Condition = *t.Condition
		}
		f.Transitions = append(f.Transitions, tf)
	}
	return f
}
