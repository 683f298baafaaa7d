package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vipul43/adr-worker/internal/models"
	"github.com/vipul43/adr-worker/internal/runqueue"
	"github.com/vipul43/adr-worker/internal/service"
)

func runCmd() *cobra.Command {
	var requestedBy string
	cmd := &cobra.Command{
		Use:   "run <phase>...",
		Short: "Queue one run of the given phases and wait for it to finish",
		Long: `Phases: sync, create-jobs, verify-credentials, check-statuses,
process-scraping, check-all-statuses, full-cycle. Phases always execute in
pipeline order. Ctrl-C requests cooperative cancellation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			phases := make([]models.Phase, 0, len(args))
			for _, arg := range args {
				p, err := models.ParsePhase(arg)
				if err != nil {
					return err
				}
				phases = append(phases, p)
			}
			return runOnce(ctx, a, phases, requestedBy)
		}),
	}
	cmd.Flags().StringVar(&requestedBy, "requested-by", currentUser(), "Requester recorded on the run")
	return cmd
}

// runOnce consumes the queue without orphan recovery, so it never touches
// rows owned by a running server. The run waits while another worker holds
// the run slot.
func runOnce(parent context.Context, a *app, phases []models.Phase, requestedBy string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	active, err := a.runRepo.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		log.Printf("%d run(s) already active, this run waits for the run slot", len(active))
	}

	done := make(chan error, 1)
	go func() { done <- a.queue.Run(ctx) }()

	id, err := a.queue.Enqueue(ctx, runqueue.Request{Phases: phases, RequestedBy: requestedBy})
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			if _, err := a.queue.CancelRequest(ctx, id); err != nil {
				return err
			}
		case <-ticker.C:
			run, err := a.queue.GetStatus(ctx, id)
			if err != nil {
				return err
			}
			if run.Status.IsActive() {
				continue
			}
			cancel()
			<-done
			if err := printJSON(run); err != nil {
				return err
			}
			if run.Status == models.RunFailed {
				return fmt.Errorf("run %s failed", id)
			}
			return nil
		}
	}
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent orchestration runs, failing stale ones first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			runs, err := a.queue.GetRecentRuns(ctx, limit)
			if err != nil {
				return err
			}
			for _, run := range runs {
				printf("%s  %-10s  %-12s  %s  %s\n",
					run.ID, run.Status, run.RequestedBy, run.RequestedAt.Format(time.RFC3339), run.Phases)
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	return cmd
}

func refireCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refire <job-id>...",
		Short: "Reset finished or failed jobs to Pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			var failed int
			for _, res := range a.orch.RefireMany(ctx, args, force) {
				if res.Err != nil {
					failed++
					printf("%s  error: %v\n", res.JobID, res.Err)
					continue
				}
				printf("%s  %s (purged %d execution(s))\n", res.JobID, res.Job.Status, res.PurgedExecutions)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d job(s) could not be refired", failed, len(args))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "Also delete the job's execution history so earlier successes are not reused")
	return cmd
}

func scrapeCmd() *cobra.Command {
	var requestedBy string
	cmd := &cobra.Command{
		Use:   "scrape <account-id>",
		Short: "Request a high-priority download for an account's current period",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			job, err := a.orch.ManualScrape(ctx, args[0], requestedBy)
			if errors.Is(err, service.ErrJobExists) && job != nil {
				printf("Job %s already exists in status %s\n", job.ID, job.Status)
				return nil
			}
			if err != nil {
				return err
			}
			return printJSON(job)
		}),
	}
	cmd.Flags().StringVar(&requestedBy, "requested-by", currentUser(), "Requester recorded on the job")
	return cmd
}

func blacklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Manage blacklist entries",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List entries with their current classification",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			views, err := a.blacklists.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(views)
		}),
	})

	var in service.BlacklistInput
	var vendor, external, number, start, end string
	var credential int64
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an entry",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			in.VendorCode = optional(vendor)
			in.ExternalAccountID = optional(external)
			in.AccountNumber = optional(number)
			if credential > 0 {
				in.CredentialID = &credential
			}
			var err error
			if in.EffectiveStart, err = parseDate(start); err != nil {
				return err
			}
			if in.EffectiveEnd, err = parseDate(end); err != nil {
				return err
			}
			in.IsActive = true
			entry, err := a.blacklists.Create(ctx, in, currentUser())
			if err != nil {
				return err
			}
			return printJSON(entry)
		}),
	}
	add.Flags().StringVar(&vendor, "vendor", "", "Vendor code")
	add.Flags().StringVar(&external, "external-account", "", "External account id")
	add.Flags().StringVar(&number, "account-number", "", "Account number")
	add.Flags().Int64Var(&credential, "credential", 0, "Credential id")
	add.Flags().StringVar(&in.Reason, "reason", "", "Why retrieval is suppressed")
	add.Flags().StringVar(&start, "start", "", "First effective day (YYYY-MM-DD)")
	add.Flags().StringVar(&end, "end", "", "Last effective day (YYYY-MM-DD)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <entry-id>",
		Short: "Soft-delete an entry",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return a.blacklists.Delete(ctx, args[0])
		}),
	})

	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or toggle the orchestration configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active configuration",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			cfg, err := a.configs.Get(ctx)
			if err != nil {
				return err
			}
			return printJSON(cfg)
		}),
	})

	for _, enabled := range []bool{true, false} {
		use := "disable"
		if enabled {
			use = "enable"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: strings.ToUpper(use[:1]) + use[1:] + " background orchestration",
			Args:  cobra.NoArgs,
			RunE: withApp(func(ctx context.Context, a *app, args []string) error {
				cfg, err := a.configs.Get(ctx)
				if err != nil {
					return err
				}
				cfg.IsOrchestrationEnabled = enabled
				_, err = a.configs.Save(ctx, cfg, currentUser())
				return err
			}),
		})
	}

	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect ADR jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			counts, err := a.jobRepo.CountByStatus(ctx)
			if err != nil {
				return err
			}
			statuses := make([]models.JobStatus, 0, len(counts))
			for status := range counts {
				statuses = append(statuses, status)
			}
			sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
			var total int64
			for _, status := range statuses {
				printf("%-28s %d\n", status, counts[status])
				total += counts[status]
			}
			printf("%-28s %d\n", "Total", total)
			return nil
		}),
	})

	return cmd
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage account billing schedules",
	}

	var in service.AccountOverride
	var next string
	var before, after int
	override := &cobra.Command{
		Use:   "override <account-id>",
		Short: "Pin an account's billing schedule so sync stops recomputing it",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			date, err := parseDate(next)
			if err != nil {
				return err
			}
			if date != nil {
				in.NextRunDate = *date
			}
			if before >= 0 {
				in.DaysBefore = &before
			}
			if after >= 0 {
				in.DaysAfter = &after
			}
			account, err := a.accounts.OverrideSchedule(ctx, args[0], currentUser(), in)
			if err != nil {
				return err
			}
			return printJSON(account)
		}),
	}
	override.Flags().StringVar(&in.PeriodType, "period", "", "Billing cadence, e.g. Monthly or Quarterly")
	override.Flags().StringVar(&next, "next", "", "Next expected invoice date (YYYY-MM-DD)")
	override.Flags().IntVar(&before, "days-before", -1, "Search window days before the next date (default: cadence window)")
	override.Flags().IntVar(&after, "days-after", -1, "Search window days after the next date (default: cadence window)")
	override.Flags().StringVar(&in.Reason, "reason", "", "Why the schedule is pinned")
	cmd.AddCommand(override)

	cmd.AddCommand(&cobra.Command{
		Use:   "clear-override <account-id>",
		Short: "Hand the billing schedule back to account sync",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return a.accounts.ClearOverride(ctx, args[0])
		}),
	})

	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return &t, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
