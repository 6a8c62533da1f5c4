package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/vijaythecoder/fintool-sub003/internal/config"
	internal_http "github.com/vijaythecoder/fintool-sub003/internal/http"
	"github.com/vijaythecoder/fintool-sub003/internal/log"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
	"github.com/vijaythecoder/fintool-sub003/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	rootCmd.AddCommand(serveCmd(), batchCmd(), approvalCmd(), alertCmd())
}

// loadApp reads configuration and opens the services for cmd.
func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.SetLevel(cfg.LogLevel)
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		return nil, errors.Wrap(err, "error retrieving db flag")
	}
	memory := false
	if f := cmd.Flags().Lookup("memory"); f != nil {
		memory = f.Value.String() == "true"
	}
	log.GetLogger().Debugf("Running %s (memory=%v)", cmd.CommandPath(), memory)
	return openApp(cfg, dbConnStr, memory)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the batch runner and the scheduled monitor sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			logger := log.GetLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner := service.NewBatchRunner(ctx, a.workflows, logger)
			runner.Start(a.cfg.Workers)
			defer runner.Stop()

			monitor := service.NewMonitor(a.workflows, a.alerts, logger, a.cfg.StallAfter)
			scheduler := cron.New()
			if _, err := scheduler.AddFunc(a.cfg.SweepSchedule, func() {
				raised, err := monitor.Sweep(ctx)
				if err != nil {
					logger.Errorf("Monitor sweep failed: %v", err)
					return
				}
				if len(raised) > 0 {
					logger.Warnf("Monitor sweep raised %d stall alerts", len(raised))
				}
			}); err != nil {
				return errors.Wrapf(err, "invalid sweep schedule %q", a.cfg.SweepSchedule)
			}
			scheduler.Start()
			defer func() { <-scheduler.Stop().Done() }()

			port, _ := cmd.Flags().GetString("port")
			if port == "" {
				port = a.cfg.HTTPPort
			}
			return internal_http.StartServer(ctx, port, internal_http.NewServer(a.workflows, a.approvals, a.alerts, runner))
		},
	}
	cmd.Flags().String("port", "", "HTTP port (defaults to HTTP_PORT or 8080)")
	cmd.Flags().Bool("memory", false, "Keep state in memory instead of Postgres")
	return cmd
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "batch", Short: "Manage reconciliation batches"}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			total, _ := cmd.Flags().GetInt("total")
			return withApp(cmd, func(a *app) error {
				b, err := a.workflows.StartBatch(cmd.Context(), id, total)
				if err != nil {
					return errors.Wrap(err, "failed to start batch")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started batch '%s' (workflow %s)\n", b.BatchID, b.WorkflowID)
				return nil
			})
		},
	}
	start.Flags().String("id", "", "Batch id (generated when empty)")
	start.Flags().Int("total", 0, "Total transactions in the batch")

	advance := &cobra.Command{
		Use:   "advance [batch-id]",
		Short: "Report the result of the batch's current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, _ := cmd.Flags().GetInt("step")
			processed, _ := cmd.Flags().GetInt("processed")
			failed, _ := cmd.Flags().GetInt("failed")
			result, err := stepResult(models.Step(step), models.StepOutcome{Processed: processed, Failed: failed})
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				b, err := a.workflows.AdvanceStep(cmd.Context(), args[0], result)
				if err != nil {
					return errors.Wrap(err, "failed to advance batch")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch '%s' is %s at step %d (%s)\n", b.BatchID, b.Status, b.CurrentStep, b.CurrentStep.Name())
				return nil
			})
		},
	}
	advance.Flags().Int("step", 0, "Step the result is for (1-4)")
	advance.Flags().Int("processed", 0, "Transactions processed by the step")
	advance.Flags().Int("failed", 0, "Transactions failed by the step")

	status := &cobra.Command{
		Use:   "status [batch-id]",
		Short: "Show the status and progress metrics of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				st, err := a.workflows.GetStatus(cmd.Context(), args[0])
				if err != nil {
					return errors.Wrap(err, "failed to get batch status")
				}
				return printJSON(cmd, st)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List batches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, _ := cmd.Flags().GetString("status")
			return withApp(cmd, func(a *app) error {
				batches, err := a.workflows.ListBatches(cmd.Context(), models.WorkflowStatus(strings.ToUpper(filter)))
				if err != nil {
					return errors.Wrap(err, "failed to list batches")
				}
				out := cmd.OutOrStdout()
				if len(batches) == 0 {
					fmt.Fprintf(out, "No batches found.\n")
					return nil
				}
				fmt.Fprintf(out, "Batches:\n")
				for _, b := range batches {
					fmt.Fprintf(out, "- ID: %s, Workflow: %s, Status: %s, Step: %d, Created: %s\n",
						b.BatchID, b.WorkflowID, b.Status, b.CurrentStep, b.CreatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	list.Flags().String("status", "", "Only batches with this status")

	pause := &cobra.Command{
		Use:   "pause [batch-id]",
		Short: "Pause a running batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				b, err := a.workflows.PauseBatch(cmd.Context(), args[0])
				if err != nil {
					return errors.Wrap(err, "failed to pause batch")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch '%s' is %s\n", b.BatchID, b.Status)
				return nil
			})
		},
	}

	resume := &cobra.Command{
		Use:   "resume [batch-id]",
		Short: "Resume a paused batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				b, err := a.workflows.ResumeBatch(cmd.Context(), args[0])
				if err != nil {
					return errors.Wrap(err, "failed to resume batch")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch '%s' is %s\n", b.BatchID, b.Status)
				return nil
			})
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel [batch-id]",
		Short: "Cancel a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			reason, _ := cmd.Flags().GetString("reason")
			return withApp(cmd, func(a *app) error {
				b, err := a.workflows.CancelBatch(cmd.Context(), args[0], by, reason)
				if err != nil {
					return errors.Wrap(err, "failed to cancel batch")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Batch '%s' is %s\n", b.BatchID, b.Status)
				return nil
			})
		},
	}
	cancel.Flags().String("by", "", "Who cancels the batch")
	cancel.Flags().String("reason", "", "Why the batch is cancelled")

	cmd.AddCommand(start, advance, status, list, pause, resume, cancel)
	return cmd
}

// stepResult builds the result type for step from plain counters.
func stepResult(step models.Step, outcome models.StepOutcome) (models.StepResult, error) {
	switch step {
	case models.IngestionStep:
		return models.IngestionResult{StepOutcome: outcome}, nil
	case models.PatternMatchingStep:
		return models.MatchResult{StepOutcome: outcome}, nil
	case models.HumanReviewStep:
		return models.ReviewResult{}, nil
	case models.SuggestionStep:
		return models.SuggestionResult{StepOutcome: outcome}, nil
	default:
		return nil, errors.Errorf("--step must be between 1 and 4, got %d", step)
	}
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Work the approval queue"}

	list := &cobra.Command{
		Use:   "list [batch-id]",
		Short: "List approval items of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				items, err := a.approvals.List(cmd.Context(), args[0])
				if err != nil {
					return errors.Wrap(err, "failed to list approvals")
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintf(out, "No approval items found.\n")
					return nil
				}
				for _, item := range items {
					fmt.Fprintf(out, "- %s confidence=%.2f decision=%s\n", item.ItemID, item.Confidence, item.Decision)
				}
				return nil
			})
		},
	}

	next := &cobra.Command{
		Use:   "next [batch-id]",
		Short: "Show the oldest pending item of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				item, err := a.approvals.Next(cmd.Context(), args[0])
				if err != nil {
					return errors.Wrap(err, "failed to get next approval")
				}
				return printJSON(cmd, item)
			})
		},
	}

	decide := &cobra.Command{
		Use:   "decide [item-id]",
		Short: "Approve or reject a pending item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, _ := cmd.Flags().GetString("decision")
			by, _ := cmd.Flags().GetString("by")
			reason, _ := cmd.Flags().GetString("reason")
			return withApp(cmd, func(a *app) error {
				item, err := a.approvals.Decide(cmd.Context(), args[0], models.Decision(decision), by, reason)
				if err != nil {
					return errors.Wrap(err, "failed to decide approval")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Item '%s' %s by %s\n", item.ItemID, item.Decision, item.DecidedBy)
				return nil
			})
		},
	}
	decide.Flags().String("decision", "", "approved or rejected")
	decide.Flags().String("by", "", "Reviewer")
	decide.Flags().String("reason", "", "Reason for the decision")

	cmd.AddCommand(list, next, decide)
	return cmd
}

func alertCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "alert", Short: "Raise and manage alerts"}

	raise := &cobra.Command{
		Use:   "raise",
		Short: "Raise an alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			severity, _ := cmd.Flags().GetString("severity")
			title, _ := cmd.Flags().GetString("title")
			message, _ := cmd.Flags().GetString("message")
			component, _ := cmd.Flags().GetString("component")
			batchID, _ := cmd.Flags().GetString("batch")
			return withApp(cmd, func(a *app) error {
				alert, err := a.alerts.Raise(cmd.Context(), service.RaiseRequest{
					Severity:  models.Severity(strings.ToLower(severity)),
					Title:     title,
					Message:   message,
					Component: component,
					BatchID:   batchID,
				})
				if err != nil {
					return errors.Wrap(err, "failed to raise alert")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Raised %s alert %s\n", alert.Severity, alert.AlertID)
				return nil
			})
		},
	}
	raise.Flags().String("severity", "", "critical, high, medium or low")
	raise.Flags().String("title", "", "Alert title")
	raise.Flags().String("message", "", "Alert message")
	raise.Flags().String("component", "", "Component the alert concerns")
	raise.Flags().String("batch", "", "Related batch id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			severity, _ := cmd.Flags().GetString("severity")
			return withApp(cmd, func(a *app) error {
				alerts, err := a.alerts.List(cmd.Context(), models.AlertFilter{
					Status:   models.AlertStatus(status),
					Severity: models.Severity(severity),
				})
				if err != nil {
					return errors.Wrap(err, "failed to list alerts")
				}
				out := cmd.OutOrStdout()
				if len(alerts) == 0 {
					fmt.Fprintf(out, "No alerts found.\n")
					return nil
				}
				for _, alert := range alerts {
					fmt.Fprintf(out, "- %s [%s/%s] %s\n", alert.AlertID, alert.Severity, alert.Status, alert.Title)
				}
				return nil
			})
		},
	}
	list.Flags().String("status", "", "Only alerts with this status")
	list.Flags().String("severity", "", "Only alerts with this severity")

	ack := &cobra.Command{
		Use:   "ack [alert-id]",
		Short: "Acknowledge an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			reason, _ := cmd.Flags().GetString("reason")
			return withApp(cmd, func(a *app) error {
				alert, err := a.alerts.Acknowledge(cmd.Context(), args[0], by, reason)
				if err != nil {
					return errors.Wrap(err, "failed to acknowledge alert")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Alert %s is %s\n", alert.AlertID, alert.Status)
				return nil
			})
		},
	}
	ack.Flags().String("by", "", "Who acknowledges the alert")
	ack.Flags().String("reason", "", "Acknowledgement note")

	resolve := &cobra.Command{
		Use:   "resolve [alert-id]",
		Short: "Resolve an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			resolution, _ := cmd.Flags().GetString("resolution")
			return withApp(cmd, func(a *app) error {
				alert, err := a.alerts.Resolve(cmd.Context(), args[0], by, resolution)
				if err != nil {
					return errors.Wrap(err, "failed to resolve alert")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Alert %s is %s\n", alert.AlertID, alert.Status)
				return nil
			})
		},
	}
	resolve.Flags().String("by", "", "Who resolves the alert")
	resolve.Flags().String("resolution", "", "How the alert was resolved")

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Count alerts by status and active alerts by severity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				s, err := a.alerts.Summary(cmd.Context())
				if err != nil {
					return errors.Wrap(err, "failed to summarize alerts")
				}
				return printJSON(cmd, s)
			})
		},
	}

	cmd.AddCommand(raise, list, ack, resolve, summary)
	return cmd
}

func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := fn(a); err != nil {
		log.GetLogger().Errorf("%s: %v", cmd.CommandPath(), err)
		return err
	}
	return nil
}
