package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sprintline/internal/board"
	"sprintline/internal/config"
	"sprintline/internal/db"
	"sprintline/internal/domain"
	"sprintline/internal/engine"
	"sprintline/internal/metrics"
	"sprintline/internal/migrate"
	"sprintline/internal/repo"
	"sprintline/internal/report"
	"sprintline/internal/server"
	"sprintline/internal/slack"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Sprintline CLI",
	Long: `Sprintline derives sprint state from a Trello board and reports it to Slack.
Core concepts:
- Workspace: your .sprintline directory holding only the database; the config file sprintline.yml sits next to it.
- Board: the Trello board whose lists map to sprint stages (in scope -> investigation -> in progress -> pending release -> demo -> done).
- Sprint: a bounded run of committed tickets; kickoff freezes the committed set, ingestion records what the board shows, close writes the permanent record.
- Tickets: cards classified by list, labels and requirements; cards added mid-sprint count as scope increases.
- Event log: every observed change is one immutable event, view with 'sl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		_ = godotenv.Load(filepath.Join(workspace, ".env"))
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
	viper.SetEnvPrefix("SPRINTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("snapshot", "", "read the board from a JSON snapshot file instead of Trello")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("snapshot", rootCmd.PersistentFlags().Lookup("snapshot"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sprintCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var boardID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sprintline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(boardID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&boardID, "board", "", "trello board id")
	_ = cmd.MarkFlagRequired("board")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func sprintCmd() *cobra.Command {
	sprint := &cobra.Command{
		Use:   "sprint",
		Short: "Manage sprints",
		Long:  "Sprints move not_started -> active -> closed. Kickoff commits every ticket on the board outside done, close writes the permanent record with completion and scope numbers.",
	}
	sprint.AddCommand(sprintPreviewCmd())
	sprint.AddCommand(sprintKickoffCmd())
	sprint.AddCommand(sprintStatusCmd())
	sprint.AddCommand(sprintMetricsCmd())
	sprint.AddCommand(sprintBlockersCmd())
	sprint.AddCommand(sprintCloseCmd())
	sprint.AddCommand(sprintHistoryCmd())
	return sprint
}

func sprintPreviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Preview what kickoff would commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				src, err := boardSource(e.Config)
				if err != nil {
					return err
				}
				snapshot, err := src.Snapshot(ctx)
				if err != nil {
					return err
				}
				preview, err := e.PreviewKickoff(ctx, snapshot)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(preview)
				}
				fmt.Println(report.RenderKickoffPreview(preview, reportOptions(e)))
				return nil
			})
		},
	}
	return cmd
}

func sprintKickoffCmd() *cobra.Command {
	var name, ends string
	cmd := &cobra.Command{
		Use:   "kickoff",
		Short: "Start a sprint from the current board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				src, err := boardSource(e.Config)
				if err != nil {
					return err
				}
				snapshot, err := src.Snapshot(ctx)
				if err != nil {
					return err
				}
				endsAt, err := parseEndsAt(ends)
				if err != nil {
					return err
				}
				sprint, err := e.Kickoff(ctx, snapshot, engine.KickoffOptions{
					Name:      name,
					EndsAt:    endsAt,
					ChannelID: e.Config.Slack.ChannelID,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(sprint)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "sprint name")
	cmd.Flags().StringVar(&ends, "ends", "", "end date (YYYY-MM-DD or RFC3339)")
	return cmd
}

func sprintStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active sprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sprint, tickets, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"sprint": sprint, "tickets": tickets})
				}
				fmt.Printf("Sprint: %s (%s), started %s\n", sprint.Name, sprint.Status, sprint.StartedAt)
				counts, err := e.Repo.CountTicketsByStage(ctx, sprint.ID)
				if err != nil {
					return err
				}
				var parts []string
				for _, st := range domain.StageOrder {
					if c := counts[st.String()]; c > 0 {
						parts = append(parts, fmt.Sprintf("%s %d", st.Display(), c))
					}
				}
				if len(parts) > 0 {
					fmt.Println("Stages:", strings.Join(parts, ", "))
				}
				printTicketTable(tickets)
				return nil
			})
		},
	}
	return cmd
}

func sprintMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show active sprint metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				sprint, err := e.Repo.ActiveSprint(ctx)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return engine.ErrNoActiveSprint
					}
					return err
				}
				rows, err := e.Repo.ListSprintTickets(ctx, sprint.ID)
				if err != nil {
					return err
				}
				history, err := e.Repo.ListSprintRecords(ctx, e.Config.VelocityWindow())
				if err != nil {
					return err
				}
				m := metrics.Compute(sprint, rows, history, metrics.Options{
					VelocityWindow: e.Config.VelocityWindow(),
					CountGoalScope: e.Config.Metrics.CountGoalScope,
				})
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func sprintBlockersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blockers",
		Short: "List blocked tickets in the active sprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tickets, err := e.Blockers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tickets)
				}
				printTicketTable(tickets)
				return nil
			})
		},
	}
	return cmd
}

func sprintCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close the active sprint and write its record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.CloseSprint(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func sprintHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List closed sprint records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				records, err := e.Repo.ListSprintRecords(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Sprint", "Started", "Closed", "Committed", "Completed", "Scope Added", "%"})
				for _, r := range records {
					tw.AppendRow(table.Row{
						r.Name, r.StartedAt, r.ClosedAt,
						r.CommittedCount, r.CompletedCount, r.ScopeAddedCount,
						fmt.Sprintf("%.2f", r.CompletionPct),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 10, "number of records")
	return cmd
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch a board snapshot and record the delta",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				src, err := boardSource(e.Config)
				if err != nil {
					return err
				}
				snapshot, err := src.Snapshot(ctx)
				if err != nil {
					return err
				}
				delta, err := e.IngestSnapshot(ctx, snapshot, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(delta)
				}
				if delta.Empty() {
					fmt.Println("No change since last ingestion.")
					return nil
				}
				fmt.Printf("Added %d, moved %d, removed %d, blocked %d, unblocked %d\n",
					len(delta.Added), len(delta.Transitions), len(delta.Removed),
					len(delta.Blocked), len(delta.Unblocked))
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, sprintID, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, sprintID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&sprintID, "sprint", "", "sprint id filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and Slack endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SPRINTLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SPRINTLINE_JWT_SECRET is required for bearer auth")
			}
			src, err := boardSource(cfg)
			if err != nil {
				return err
			}
			srvCfg := server.Config{
				Engine:        e,
				Source:        src,
				BasePath:      basePath,
				Auth:          authCfg,
				SigningSecret: os.Getenv("SPRINTLINE_SLACK_SIGNING_SECRET"),
				Slack:         slack.Client{},
			}
			handler, err := server.New(srvCfg)
			if err != nil {
				return err
			}
			if server.StartScheduler(srvCfg) {
				fmt.Printf("Daily check-in scheduled at %s\n", cfg.Schedule.DailyAt)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Sprintline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

// boardSource picks the file snapshot when --snapshot is set, Trello
// otherwise. Trello credentials come from the environment.
func boardSource(cfg *config.Config) (board.Source, error) {
	if path := viper.GetString("snapshot"); path != "" {
		return board.FileSource{Path: path}, nil
	}
	key := os.Getenv("SPRINTLINE_TRELLO_KEY")
	token := os.Getenv("SPRINTLINE_TRELLO_TOKEN")
	if key == "" || token == "" {
		return nil, fmt.Errorf("SPRINTLINE_TRELLO_KEY and SPRINTLINE_TRELLO_TOKEN are required (or pass --snapshot)")
	}
	if cfg.Board.ID == "" {
		return nil, fmt.Errorf("config.board.id is required for Trello access")
	}
	resolver := board.GitHubResolver{Token: os.Getenv("SPRINTLINE_GITHUB_TOKEN")}
	return board.TrelloSource{
		BoardID:   cfg.Board.ID,
		Key:       key,
		Token:     token,
		ResolvePR: resolver.Resolve,
	}, nil
}

func reportOptions(e *engine.Engine) report.Options {
	return report.Options{MaxAgeGlyphs: e.Config.MaxAgeGlyphs()}
}

func parseEndsAt(ends string) (string, error) {
	if ends == "" {
		return "", nil
	}
	if t, err := time.Parse("2006-01-02", ends); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	if t, err := time.Parse(time.RFC3339, ends); err == nil {
		return t.UTC().Format(time.RFC3339), nil
	}
	return "", fmt.Errorf("invalid --ends %q: use YYYY-MM-DD or RFC3339", ends)
}

func printTicketTable(tickets []domain.Ticket) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Age", "Goal", "Blocked", "Missing"})
	for _, t := range tickets {
		tw.AppendRow(table.Row{
			t.ID, t.Title, t.Stage.Display(), t.AgeDays,
			yesNo(t.IsGoal), yesNo(t.IsBlocked), strings.Join(t.MissingInfo, ","),
		})
	}
	tw.Render()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return ""
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
