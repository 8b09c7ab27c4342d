package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/issuepilot/issuepilot/internal/config"
	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/ratelimit"
	"github.com/issuepilot/issuepilot/internal/runstore"
	"github.com/issuepilot/issuepilot/internal/vcs"
)

var (
	enqueuePriority string
	enqueueProject  string
	listStatus      string
	listIssue       string
	listRepo        string
)

func init() {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue ISSUE",
		Short: "Queue a run for an issue",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnqueue,
	}
	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "normal", "urgent, high, normal or low")
	enqueueCmd.Flags().StringVar(&enqueueProject, "project", "", "project key used to resolve the repository")
	rootCmd.AddCommand(enqueueCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue statistics",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	runsCmd.Flags().StringVar(&listIssue, "issue", "", "filter by issue key")
	runsCmd.Flags().StringVar(&listRepo, "repo", "", "filter by repository")
	rootCmd.AddCommand(runsCmd)

	eventsCmd := &cobra.Command{
		Use:   "events RUN",
		Short: "Show a run's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvents,
	}
	rootCmd.AddCommand(eventsCmd)

	retryCmd := &cobra.Command{
		Use:   "retry RUN",
		Short: "Queue a fresh run for a terminal run's issue",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetry,
	}
	rootCmd.AddCommand(retryCmd)

	resetStaleCmd := &cobra.Command{
		Use:   "reset-stale",
		Short: "Reclaim runs whose worker went silent",
		RunE:  runResetStale,
	}
	rootCmd.AddCommand(resetStaleCmd)

	rollbackCmd := &cobra.Command{
		Use:   "rollback RUN",
		Short: "Reset the repository to a run's pre-change tag",
		Args:  cobra.ExactArgs(1),
		RunE:  runRollback,
	}
	rootCmd.AddCommand(rollbackCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	return runstore.New(cfg.General.DatabasePath)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	repoKey := ""
	if enqueueProject != "" {
		repoKey, err = cfg.RepoForProject(enqueueProject)
		if err != nil {
			return err
		}
	}

	id, err := store.Enqueue(args[0], domain.Priority(enqueuePriority), repoKey, false)
	if errors.Is(err, domain.ErrDuplicateRun) {
		fmt.Printf("Issue %s already has run %s in flight\n", args[0], id)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Queued run %s for %s\n", id, args[0])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("Runs: %d queued | %d claimed | %d running | %d completed | %d failed | %d blocked\n",
		stats.ByStatus[domain.RunQueued], stats.ByStatus[domain.RunClaimed],
		stats.ByStatus[domain.RunRunning], stats.ByStatus[domain.RunCompleted],
		stats.ByStatus[domain.RunFailed], stats.ByStatus[domain.RunBlocked])

	if len(stats.InFlightByRepo) > 0 {
		fmt.Println("In flight by repository:")
		for repo, n := range stats.InFlightByRepo {
			fmt.Printf("  %s: %d\n", repo, n)
		}
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runstore.ListOptions{
		Status:   domain.RunStatus(listStatus),
		IssueKey: listIssue,
		RepoKey:  listRepo,
		Limit:    100,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tISSUE\tSTATUS\tPRIORITY\tREPO\tATTEMPTS\tUPDATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.IssueKey, r.Status, r.Priority, r.RepoKey,
			r.AttemptCount, r.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.ListEvents(args[0])
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Printf("%s [%s] %s\n", e.Timestamp.Local().Format(time.RFC3339), e.Level, e.Message)
		for k, v := range e.Metadata {
			fmt.Printf("    %s: %s\n", k, v)
		}
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(args[0])
	if err != nil {
		return err
	}
	if !run.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s; only terminal runs can be retried", run.ID, run.Status)
	}

	id, err := store.Enqueue(run.IssueKey, run.Priority, run.RepoKey, true)
	if err != nil {
		return err
	}
	fmt.Printf("Queued retry run %s for %s\n", id, run.IssueKey)
	return nil
}

func runResetStale(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ResetStale(cfg.Caps.StaleTimeoutMinutes)
	if err != nil {
		return err
	}
	fmt.Printf("Reclaimed %d stale runs\n", n)
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tag, err := store.GetRollbackTag(args[0])
	if err != nil {
		return err
	}
	if tag == nil {
		return fmt.Errorf("run %s has no rollback tag", args[0])
	}

	limiter := ratelimit.New(map[string]ratelimit.ServiceConfig{
		ratelimit.ServiceVCSHost: {TokensPerMinute: cfg.RateLimits.VCSHost},
	})
	git := vcs.NewGitClient(cfg.General.CheckoutDir, limiter)

	fmt.Printf("Resetting %s to %s (tag %s)\n", tag.RepoKey, tag.Target, tag.Name)
	return git.ResetTo(context.Background(), tag.RepoKey, tag.Target)
}
