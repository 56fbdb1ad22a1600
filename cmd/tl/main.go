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

	"triageline/internal/app"
	"triageline/internal/config"
	"triageline/internal/db"
	"triageline/internal/domain"
	"triageline/internal/engine"
	"triageline/internal/repo"
	"triageline/internal/server"
	"triageline/internal/timer"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Triageline CLI",
	Long: `Triageline turns raw detector signals into triaged issues and a reviewable inbox.
Core concepts:
- Workspace: the .triageline directory holding the database; config lives in the DB.
- Signal: one immutable observation from a detector (billing, delivery, comms...).
- Issue: a tracked problem with a full lifecycle, from detected to closed.
- Inbox item: the human-facing proposal wrapping an issue, signal, orphan, or
  ambiguous detection; resolve it by tagging, linking, snoozing, or dismissing.
- Suppression rule: a standing veto so a dismissed thing stays dismissed while
  the rule is active; keys are deterministic fingerprints.
- Transitions: the append-only audit trail, view with 'tl log tail'.
- Timers: hourly/daily jobs expire snoozes, close regression watches, and
  clean up expired suppression rules.`,
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
	viper.SetEnvPrefix("TRIAGELINE")
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
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(suppressionCmd())
	rootCmd.AddCommand(timerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- signal ---

func signalCmd() *cobra.Command {
	sig := &cobra.Command{Use: "signal", Short: "Detector signals"}
	sig.AddCommand(signalIngestCmd())
	sig.AddCommand(signalListCmd())
	sig.AddCommand(signalDismissCmd())
	return sig
}

func signalIngestCmd() *cobra.Command {
	var in engine.SignalInput
	var candidates string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one detector observation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if candidates != "" {
				in.Candidates = strings.Split(candidates, ",")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.IngestSignal(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.Source, "source", "", "detector source (billing, delivery, email...)")
	cmd.Flags().StringVar(&in.SourceRef, "source-ref", "", "source-unique reference")
	cmd.Flags().StringVar(&in.Sentiment, "sentiment", "", "positive|neutral|negative")
	cmd.Flags().StringVar(&in.Severity, "severity", "medium", "low|medium|high|critical")
	cmd.Flags().StringVar(&in.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&in.BrandID, "brand", "", "brand id")
	cmd.Flags().StringVar(&in.EngagementID, "engagement", "", "engagement id")
	cmd.Flags().StringVar(&in.Summary, "summary", "", "human-readable summary")
	cmd.Flags().StringVar(&in.EvidenceJSON, "evidence", "", "evidence JSON blob")
	cmd.Flags().StringVar(&in.AggregationKey, "aggregation-key", "", "dedupe/regression key")
	cmd.Flags().StringVar(&candidates, "candidates", "", "comma-separated candidate client ids (ambiguous)")
	return cmd
}

func signalListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSignals(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Source", "Ref", "Severity", "Summary", "Last Seen"})
				for _, s := range items {
					tw.AppendRow(table.Row{short(s.ID), s.Source, s.SourceRef, s.Severity, truncate(s.Summary, 48), s.LastSeenAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 50, "number of signals")
	return cmd
}

func signalDismissCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dismiss <signal-id>",
		Short: "Dismiss a raw signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sig, err := e.DismissSignal(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(sig)
			})
		},
	}
	return cmd
}

// --- issue ---

func issueCmd() *cobra.Command {
	iss := &cobra.Command{Use: "issue", Short: "Tracked issues"}
	iss.AddCommand(issueCreateCmd())
	iss.AddCommand(issueListCmd())
	iss.AddCommand(issueShowCmd())
	iss.AddCommand(issueActionCmd())
	iss.AddCommand(issueActionsCmd())
	iss.AddCommand(issueTransitionsCmd())
	iss.AddCommand(issueCountsCmd())
	return iss
}

func issueCreateCmd() *cobra.Command {
	var opts engine.IssueCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tracked issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, item, err := e.CreateIssue(ctx, opts, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"issue": issue, "inbox_item": item})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "financial|schedule_delivery|communication|risk")
	cmd.Flags().StringVar(&opts.Severity, "severity", "medium", "low|medium|high|critical")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&opts.BrandID, "brand", "", "brand id")
	cmd.Flags().StringVar(&opts.EngagementID, "engagement", "", "engagement id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "issue title")
	cmd.Flags().StringVar(&opts.EvidenceJSON, "evidence", "", "evidence JSON blob")
	cmd.Flags().StringVar(&opts.AggregationKey, "aggregation-key", "", "dedupe/regression key")
	cmd.Flags().StringVar(&opts.FromSignalID, "from-signal", "", "signal to supersede")
	cmd.Flags().BoolVar(&opts.Surfaced, "surfaced", false, "surface immediately")
	return cmd
}

func issueListCmd() *cobra.Command {
	var f repo.IssueFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Severity", "Client", "Title"})
				for _, i := range issues {
					tw.AppendRow(table.Row{short(i.ID), i.Type, i.State, i.Severity, i.ClientID, truncate(i.Title, 48)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.EngagementID, "engagement", "", "engagement filter")
	cmd.Flags().IntVar(&f.Limit, "n", 100, "max rows")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show one issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	return cmd
}

func issueActionCmd() *cobra.Command {
	var opts engine.IssueActionOptions
	var note string
	cmd := &cobra.Command{
		Use:   "action <issue-id> <action>",
		Short: "Apply a lifecycle action (surface, snooze, acknowledge, start, resolve, close...)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if note != "" {
				opts.Note = &note
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.TransitionIssue(ctx, args[0], args[1], viper.GetString("actor-id"), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().IntVar(&opts.SnoozeDays, "days", 0, "snooze duration in days")
	cmd.Flags().StringVar(&opts.SnoozeReason, "snooze-reason", "", "why the issue is snoozed")
	cmd.Flags().StringVar(&opts.AssignTo, "assign-to", "", "assignee (assign action)")
	cmd.Flags().StringVar(&note, "note", "", "free-form audit note")
	return cmd
}

func issueActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions <issue-id>",
		Short: "Show actions available in the issue's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"state":   issue.State,
					"actions": engine.AvailableIssueActions(issue.State),
				})
			})
		},
	}
	return cmd
}

func issueTransitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions <issue-id>",
		Short: "Full transition history of an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListIssueTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				return printTransitions(items)
			})
		},
	}
	return cmd
}

func issueCountsCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Issue counts grouped by state, severity, or type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountIssuesBy(ctx, by)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "state", "state|severity|type")
	return cmd
}

// --- inbox ---

func inboxCmd() *cobra.Command {
	inb := &cobra.Command{Use: "inbox", Short: "Triage inbox"}
	inb.AddCommand(inboxListCmd())
	inb.AddCommand(inboxShowCmd())
	inb.AddCommand(inboxActCmd())
	inb.AddCommand(inboxResurfaceCmd())
	inb.AddCommand(inboxTransitionsCmd())
	inb.AddCommand(inboxCountsCmd())
	return inb
}

func inboxListCmd() *cobra.Command {
	var f repo.InboxFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List inbox items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInboxItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Severity", "Client", "Proposed"})
				for _, it := range items {
					client := ""
					if it.ClientID != nil {
						client = *it.ClientID
					}
					tw.AppendRow(table.Row{short(it.ID), it.Type, it.State, it.Severity, client, it.ProposedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.EngagementID, "engagement", "", "engagement filter")
	cmd.Flags().IntVar(&f.Limit, "n", 100, "max rows")
	return cmd
}

func inboxShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show one inbox item (stamps read_at)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.MarkInboxItemRead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func inboxActCmd() *cobra.Command {
	var payload engine.ActionPayload
	var assignTo, linkEngagement, candidate, issueID, reason, note string
	var snoozeDays, expiryDays int
	cmd := &cobra.Command{
		Use:   "act <item-id> <action>",
		Short: "Apply one primary action: tag, assign, snooze, dismiss, link, select",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("assign-to") {
				payload.AssignTo = &assignTo
			}
			if cmd.Flags().Changed("days") {
				payload.SnoozeDays = &snoozeDays
			}
			if cmd.Flags().Changed("engagement") {
				payload.LinkEngagementID = &linkEngagement
			}
			if cmd.Flags().Changed("candidate") {
				payload.SelectCandidateID = &candidate
			}
			if cmd.Flags().Changed("issue") {
				payload.IssueID = &issueID
			}
			if cmd.Flags().Changed("expiry-days") {
				payload.ExpiryDays = &expiryDays
			}
			if cmd.Flags().Changed("reason") {
				payload.Reason = &reason
			}
			if note != "" {
				payload.Note = &note
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.InboxAct(ctx, args[0], args[1], payload, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&assignTo, "assign-to", "", "assignee (assign)")
	cmd.Flags().IntVar(&snoozeDays, "days", 0, "snooze duration in days (snooze)")
	cmd.Flags().StringVar(&linkEngagement, "engagement", "", "engagement id (link)")
	cmd.Flags().StringVar(&candidate, "candidate", "", "candidate client id (select)")
	cmd.Flags().StringVar(&issueID, "issue", "", "existing issue id (tag/link)")
	cmd.Flags().IntVar(&expiryDays, "expiry-days", 0, "suppression rule TTL override (dismiss)")
	cmd.Flags().StringVar(&reason, "reason", "", "dismiss reason (dismiss)")
	cmd.Flags().StringVar(&note, "note", "", "free-form audit note")
	return cmd
}

func inboxResurfaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resurface <item-id>",
		Short: "Bring a snoozed item back to proposed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.ResurfaceInboxItem(ctx, args[0], viper.GetString("actor-id"), domain.ReasonUser)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func inboxTransitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions <item-id>",
		Short: "Full transition history of an inbox item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInboxTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				return printTransitions(items)
			})
		},
	}
	return cmd
}

func inboxCountsCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Inbox counts grouped by state, severity, or type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountInboxBy(ctx, by)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "state", "state|severity|type")
	return cmd
}

// --- suppression ---

func suppressionCmd() *cobra.Command {
	sup := &cobra.Command{Use: "suppression", Short: "Suppression rules"}
	sup.AddCommand(suppressionListCmd())
	sup.AddCommand(suppressionAddCmd())
	sup.AddCommand(suppressionRemoveCmd())
	return sup
}

func suppressionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List suppression rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListSuppressionRules(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Type", "Created By", "Expires", "Reason"})
				for _, r := range rules {
					tw.AppendRow(table.Row{r.SuppressionKey, r.ItemType, r.CreatedBy, r.ExpiresAt, truncate(r.Reason, 40)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 100, "max rows")
	return cmd
}

func suppressionAddCmd() *cobra.Command {
	var rule domain.SuppressionRule
	var clientID, engagementID, source string
	var expiryDays int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a suppression rule pre-emptively",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule.ClientID = optionalString(clientID)
			rule.EngagementID = optionalString(engagementID)
			rule.Source = optionalString(source)
			rule.CreatedBy = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateSuppressionRule(ctx, rule, expiryDays)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&rule.SuppressionKey, "key", "", "suppression key")
	cmd.Flags().StringVar(&rule.ItemType, "type", "", "issue|flagged_signal|orphan|ambiguous")
	cmd.Flags().StringVar(&clientID, "client", "", "client scope")
	cmd.Flags().StringVar(&engagementID, "engagement", "", "engagement scope")
	cmd.Flags().StringVar(&source, "source", "", "source scope")
	cmd.Flags().StringVar(&rule.Reason, "reason", "", "why this is muted")
	cmd.Flags().IntVar(&expiryDays, "expiry-days", 0, "TTL override in days")
	return cmd
}

func suppressionRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove a suppression rule (no-op if absent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Unsuppress(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- timer ---

func timerCmd() *cobra.Command {
	t := &cobra.Command{Use: "timer", Short: "Lifecycle timer jobs"}
	t.AddCommand(timerRunCmd())
	return t
}

func timerRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [job]",
		Short: "Run one timer job, or all of them",
		Long:  "Jobs: inbox-snooze, issue-snooze, regression-watch, suppression-cleanup, all (default).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := "all"
			if len(args) == 1 {
				job = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				sched := timer.New(a.Engine, a.Config, nil)
				results := map[string][2]int{}
				run := func(name string, fn func(context.Context) (int, int)) {
					p, f := fn(ctx)
					results[name] = [2]int{p, f}
				}
				switch job {
				case "inbox-snooze":
					run(job, sched.RunInboxSnoozeExpiry)
				case "issue-snooze":
					run(job, sched.RunIssueSnoozeExpiry)
				case "regression-watch":
					run(job, sched.RunRegressionWatchExpiry)
				case "suppression-cleanup":
					run(job, sched.RunSuppressionCleanup)
				case "all":
					run("inbox-snooze", sched.RunInboxSnoozeExpiry)
					run("issue-snooze", sched.RunIssueSnoozeExpiry)
					run("regression-watch", sched.RunRegressionWatchExpiry)
					run("suppression-cleanup", sched.RunSuppressionCleanup)
				default:
					return fmt.Errorf("unknown job %q", job)
				}
				for name, r := range results {
					fmt.Printf("%s: processed=%d failed=%d\n", name, r[0], r[1])
				}
				return nil
			})
		},
	}
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Transition audit log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Most recent issue transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.TailIssueTransitions(ctx, n)
				if err != nil {
					return err
				}
				return printTransitions(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of rows")
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Engine configuration"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configImportCmd())
	c.AddCommand(configExportCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				data, err := a.Config.Get().ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import configuration from a YAML file into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Engine.UpdateConfig(ctx, cfg); err != nil {
					return err
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file to import")
	return cmd
}

func configExportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the active configuration to a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				data, err := a.Config.Get().ToYAML()
				if err != nil {
					return err
				}
				if file == "" {
					fmt.Print(string(data))
					return nil
				}
				return os.WriteFile(file, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "destination file (stdout if empty)")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for detector and UI access"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the raw key prints once and is stored hashed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			raw := uuid.New().String() + uuid.New().String()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("api key id: %s\nactor: %s\nkey: %s\n", key.ID, key.ActorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor this key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withTimers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("TRIAGELINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("TRIAGELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				if withTimers {
					sched := timer.New(a.Engine, a.Config, nil)
					sched.Start(runCtx)
					defer sched.Wait()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-runCtx.Done()
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Triageline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withTimers, "timers", true, "run the timer scheduler in-process")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
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

func printTransitions(items []domain.Transition) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"At", "Entity", "From", "To", "Reason", "Actor"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.CreatedAt, short(t.EntityID), t.PrevState, t.NewState, t.Reason, t.Actor})
	}
	tw.Render()
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
