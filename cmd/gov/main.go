package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"govline/internal/app"
	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/repo"
	"govline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gov",
	Short: "Govline CLI",
	Long: `Govline governs how directives move through the LEAD -> PLAN -> EXEC -> PLAN_VERIFICATION -> LEAD_FINAL pipeline.
- Directive: a unit of work with a type that selects its policy (required sub-agents, phase weights, threshold).
- Handoff: a proposed phase transition carrying a seven-section narrative; gates score it and only validated handoffs can be accepted.
- Gates: blocking and advisory checks (narrative quality, sub-agent orchestration, evidence) combined into a weighted score.
- Progress: weighted phase contributions; a directive completes only at 100% with a validated final handoff.
- Event log: every state change, view with 'gov log tail'.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GOVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("config", "", "config file (default <workspace>/govline.yml)")
	flags.String("db-driver", "", "database driver (sqlite, postgres)")
	flags.String("db-dsn", "", "database DSN")
	flags.Int("gate-timeout-ms", 0, "per-gate timeout in milliseconds")
	flags.Int("acceptance-threshold", 0, "default handoff acceptance threshold")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "config", "db-driver", "db-dsn", "gate-timeout-ms", "acceptance-threshold", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(directiveCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(verdictCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func directiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directive",
		Short: "Manage directives",
		Long:  "Directives start in DRAFT, are approved into LEAD and then move phase by phase through accepted handoffs.",
	}
	cmd.AddCommand(directiveCreateCmd())
	cmd.AddCommand(directiveApproveCmd())
	cmd.AddCommand(directiveShowCmd())
	cmd.AddCommand(directiveListCmd())
	cmd.AddCommand(directiveArchiveCmd())
	return cmd
}

func directiveCreateCmd() *cobra.Command {
	var opts engine.DirectiveCreateOptions
	var gated bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("gated") {
				opts.RequiresGatedSubagents = &gated
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDirective(ctx, opts)
				if err != nil {
					return err
				}
				return printDirective(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "directive id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", domain.TypeFeature, "directive type")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent directive id")
	cmd.Flags().BoolVar(&gated, "gated", false, "require gated sub-agent verdicts (overrides the type default)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func directiveApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a draft directive into LEAD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ApproveDirective(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDirective(d)
			})
		},
	}
}

func directiveShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDirective(ctx, args[0])
				if err != nil {
					return err
				}
				return printDirective(d)
			})
		},
	}
}

func directiveListCmd() *cobra.Command {
	var f repo.DirectiveFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDirectives(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Phase", "Status", "Progress"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Type, d.Phase, d.Status, fmt.Sprintf("%d%%", d.Progress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent directive id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func directiveArchiveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive an open directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ArchiveDirective(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDirective(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the directive is archived")
	return cmd
}

func handoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Propose and resolve phase handoffs",
		Long:  "A handoff is scored by the gate pipeline when proposed. Accepting a validated handoff advances the directive and completes the phase contributions it owns.",
	}
	cmd.AddCommand(handoffProposeCmd())
	cmd.AddCommand(handoffAcceptCmd())
	cmd.AddCommand(handoffRejectCmd())
	cmd.AddCommand(handoffAcceptPendingCmd())
	cmd.AddCommand(handoffListCmd())
	return cmd
}

func handoffProposeCmd() *cobra.Command {
	var toPhase, narrativeFile string
	cmd := &cobra.Command{
		Use:   "propose <directive-id>",
		Short: "Propose a handoff to the next phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := readNarrative(narrativeFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.ProposeHandoff(ctx, engine.ProposeOptions{
					DirectiveID: args[0],
					ToPhase:     toPhase,
					Narrative:   n,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printHandoff(ctx, e, h)
			})
		},
	}
	cmd.Flags().StringVar(&toPhase, "to", "", "target phase")
	cmd.Flags().StringVar(&narrativeFile, "narrative-file", "", "JSON file with the seven narrative sections ('-' for stdin)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("narrative-file")
	return cmd
}

func handoffAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <handoff-id>",
		Short: "Accept a validated handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.AcceptHandoff(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printHandoff(ctx, e, h)
			})
		},
	}
}

func handoffRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <handoff-id>",
		Short: "Reject a pending handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.RejectHandoff(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printHandoff(ctx, e, h)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func handoffAcceptPendingCmd() *cobra.Command {
	var directiveID string
	cmd := &cobra.Command{
		Use:   "accept-pending",
		Short: "Accept every pending handoff that passed validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AcceptPending(ctx, directiveID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Handoff", "Result", "Reason"})
				for _, id := range res.Accepted {
					tw.AppendRow(table.Row{id, "accepted", ""})
				}
				for _, item := range res.Skipped {
					tw.AppendRow(table.Row{item.HandoffID, "skipped", item.Reason})
				}
				for _, item := range res.Failed {
					tw.AppendRow(table.Row{item.HandoffID, "failed", item.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&directiveID, "directive", "", "limit to one directive")
	return cmd
}

func handoffListCmd() *cobra.Command {
	var f repo.HandoffFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List handoffs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListHandoffs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Directive", "Type", "Status", "Score", "Validated"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.ID, h.DirectiveID, h.HandoffType, h.Status, h.ValidationScore, h.ValidationPassed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.DirectiveID, "directive", "", "directive filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, accepted, rejected)")
	cmd.Flags().StringVar(&f.ToPhase, "to", "", "target phase filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <directive-id>",
		Short: "Show the weighted progress breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.GetProgress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Phase", "Weight", "Progress", "Complete"})
				for _, p := range b.Phases {
					tw.AppendRow(table.Row{p.Name, p.Weight, fmt.Sprintf("%d%%", p.Progress), p.Complete})
				}
				tw.AppendFooter(table.Row{"Total", "", fmt.Sprintf("%d%%", b.TotalProgress), b.Source})
				tw.Render()
				return nil
			})
		},
	}
}

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Record phase contributions",
	}
	cmd.AddCommand(phaseSetCmd())
	cmd.AddCommand(phaseCompleteCmd())
	return cmd
}

func phaseSetCmd() *cobra.Command {
	var value int
	cmd := &cobra.Command{
		Use:   "set <directive-id> <phase>",
		Short: "Set a phase contribution's progress (0-100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetPhaseProgress(ctx, args[0], args[1], value, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().IntVar(&value, "progress", 0, "phase progress")
	_ = cmd.MarkFlagRequired("progress")
	return cmd
}

func phaseCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <directive-id> <phase>",
		Short: "Mark a phase contribution complete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.MarkPhaseComplete(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func verdictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verdict",
		Short: "Record sub-agent verdicts",
		Long:  "Gated directive types need a passing verdict with enough confidence from each required sub-agent before handoffs validate.",
	}
	cmd.AddCommand(verdictAddCmd())
	cmd.AddCommand(verdictListCmd())
	return cmd
}

func verdictAddCmd() *cobra.Command {
	var opts engine.VerdictOptions
	cmd := &cobra.Command{
		Use:   "add <directive-id>",
		Short: "Append a verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DirectiveID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RecordVerdict(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentCode, "agent", "", "sub-agent code (e.g. TESTING)")
	cmd.Flags().StringVar(&opts.Verdict, "verdict", "", "pass, fail, conditional_pass or needs_measurement")
	cmd.Flags().IntVar(&opts.Confidence, "confidence", 0, "confidence 0-100")
	cmd.Flags().StringVar(&opts.Summary, "summary", "", "short summary")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func verdictListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <directive-id>",
		Short: "List verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListVerdicts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Agent", "Verdict", "Confidence", "Recorded"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.AgentCode, v.Verdict, v.Confidence, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func evidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Record PRD and checklist evidence",
	}
	cmd.AddCommand(evidencePRDCmd())
	cmd.AddCommand(evidenceChecklistCmd())
	return cmd
}

func evidencePRDCmd() *cobra.Command {
	var title, status string
	cmd := &cobra.Command{
		Use:   "prd <directive-id>",
		Short: "Record or update the directive's PRD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RecordPRD(ctx, args[0], title, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "PRD title")
	cmd.Flags().StringVar(&status, "status", "draft", "draft or approved")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func evidenceChecklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checklist",
		Short: "Manage EXEC and verification checklist items",
	}
	var phase, label string
	add := &cobra.Command{
		Use:   "add <directive-id>",
		Short: "Add a checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.AddChecklistItem(ctx, args[0], phase, label, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	add.Flags().StringVar(&phase, "phase", domain.PhaseExec, "EXEC or PLAN_VERIFICATION")
	add.Flags().StringVar(&label, "label", "", "item label")
	_ = add.MarkFlagRequired("label")

	var undo bool
	done := &cobra.Command{
		Use:   "done <item-id>",
		Short: "Tick (or with --undo untick) a checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.SetChecklistItem(ctx, args[0], !undo, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	done.Flags().BoolVar(&undo, "undo", false, "mark the item as not done")

	list := &cobra.Command{
		Use:   "list <directive-id>",
		Short: "List checklist items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListChecklist(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Phase", "Label", "Done"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Phase, item.Label, item.Done})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(add, done, list)
	return cmd
}

func completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <directive-id>",
		Short: "Complete a directive once progress is 100% and the final handoff validated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CompleteDirective(ctx, args[0], viper.GetString("actor-id"))
				var blocked domain.CompletionBlockedError
				if errors.As(err, &blocked) && viper.GetBool("json") {
					_ = printJSON(map[string]any{
						"completed":         false,
						"reason":            blocked.Reason,
						"current_progress":  blocked.CurrentProgress,
						"incomplete_phases": blocked.IncompletePhases,
					})
				}
				if err != nil {
					return err
				}
				return printDirective(d)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook in govline.yml: directive type policies, phase weights, gate timeout, acceptance threshold and the sub-agent confidence floor.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return printJSONOrTable(a.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
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
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default govline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only audit log: approvals, handoff proposals and decisions, phase progress, verdicts and completions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.DirectiveID, "directive", "", "directive id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api-key",
		Short: "Manage API keys",
	}
	var name, actor string
	var perms []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, raw, err := e.CreateAPIKey(ctx, actor, name, perms)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "actor_id": k.ActorID, "permissions": k.Permissions, "key": raw})
				}
				fmt.Printf("API key %s for %s\n%s\n", k.ID, k.ActorID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default --actor-id)")
	create.Flags().StringSliceVar(&perms, "permission", nil, "granted permission (repeatable)")
	cmd.AddCommand(create)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					DevLogin:               devLogin,
					AllowLegacyActorHeader: legacyHeader,
					Logger:                 a.Logger,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("GOVLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, a.Engine, a.Logger)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving govline API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Int("webhooks", len(a.Config.Webhooks)))
				fmt.Printf("Serving Govline API on http://%s%s (OpenAPI at /openapi.json, metrics at /metrics)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login for local tokens")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials")
	return cmd
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Overrides: config.Overrides{
			DatabaseDriver:      viper.GetString("db-driver"),
			DatabaseDSN:         viper.GetString("db-dsn"),
			GateTimeoutMs:       viper.GetInt("gate-timeout-ms"),
			AcceptanceThreshold: viper.GetInt("acceptance-threshold"),
			LogLevel:            viper.GetString("log-level"),
		},
	}
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Bootstrap(appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		return fn(ctx, a.Engine)
	})
}

func readNarrative(path string) (domain.Narrative, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.Narrative{}, err
	}
	var n domain.Narrative
	if err := json.Unmarshal(data, &n); err != nil {
		return domain.Narrative{}, fmt.Errorf("invalid narrative file: %w", err)
	}
	return n, nil
}

func printDirective(d domain.Directive) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", d.ID},
		{"Title", d.Title},
		{"Type", d.Type},
		{"Phase", d.Phase},
		{"Status", d.Status},
		{"Progress", fmt.Sprintf("%d%%", d.Progress)},
		{"Gated sub-agents", d.RequiresGatedSubagents},
	})
	tw.Render()
	return nil
}

func printHandoff(ctx context.Context, e engine.Engine, h domain.Handoff) error {
	threshold := e.Config.AcceptanceThreshold
	if d, err := e.GetDirective(ctx, h.DirectiveID); err == nil {
		threshold = e.Policy.AcceptanceThreshold(d.Type)
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"handoff": h, "threshold": threshold})
	}
	fmt.Printf("Handoff %s (%s) %s: score %d/%d, validated=%t\n",
		h.ID, h.HandoffType, h.Status, h.ValidationScore, threshold, h.ValidationPassed)
	tw := newTable()
	tw.AppendHeader(table.Row{"Gate", "Mode", "Passed", "Score", "Issues"})
	for _, g := range h.GateResults {
		tw.AppendRow(table.Row{g.Name, g.Mode, g.Passed, fmt.Sprintf("%d/%d", g.Score, g.MaxScore), strings.Join(g.Issues, "; ")})
	}
	tw.Render()
	return nil
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
