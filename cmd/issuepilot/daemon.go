package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/issuepilot/issuepilot/internal/buildrun"
	"github.com/issuepilot/issuepilot/internal/config"
	"github.com/issuepilot/issuepilot/internal/genai"
	"github.com/issuepilot/issuepilot/internal/metrics"
	"github.com/issuepilot/issuepilot/internal/notify"
	"github.com/issuepilot/issuepilot/internal/pipeline"
	"github.com/issuepilot/issuepilot/internal/ratelimit"
	"github.com/issuepilot/issuepilot/internal/runstore"
	"github.com/issuepilot/issuepilot/internal/tracker"
	"github.com/issuepilot/issuepilot/internal/vcs"
	"github.com/issuepilot/issuepilot/internal/worker"
	"github.com/issuepilot/issuepilot/web/api"
)

var (
	workerName string
	servePort  int
)

func init() {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker daemon",
		RunE:  runWorker,
	}
	workerCmd.Flags().StringVar(&workerName, "name", "", "worker identity (default hostname + random suffix)")
	rootCmd.AddCommand(workerCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a standalone admin HTTP server (the worker daemon embeds one)",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newLimiter(cfg *config.Config, m *metrics.Metrics) *ratelimit.Limiter {
	limiter := ratelimit.New(map[string]ratelimit.ServiceConfig{
		ratelimit.ServiceTracker:   {TokensPerMinute: cfg.RateLimits.Tracker},
		ratelimit.ServiceVCSHost:   {TokensPerMinute: cfg.RateLimits.VCSHost},
		ratelimit.ServicePrimary:   {TokensPerMinute: cfg.RateLimits.ModelPrimary},
		ratelimit.ServiceSecondary: {TokensPerMinute: cfg.RateLimits.ModelSecondary},
	})
	limiter.OnWait(func(service string) {
		m.LimiterWaits.WithLabelValues(service).Inc()
	})
	return limiter
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	notifiers = append(notifiers, notify.NewDesktopNotifier(cfg.Notifications.Desktop))
	return notify.NewMultiNotifier(notifiers...)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.General.IssuesRepo == "" {
		return fmt.Errorf("general.issues_repo is not configured")
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	limiter := newLimiter(cfg, m)

	id := workerName
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	caps := config.NewCapsHolder(cfg.Caps)
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	watcher, err := config.NewWatcher(cfgPath, caps)
	if err != nil {
		log.Printf("[worker] config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	trk := tracker.NewGHClient(cfg.General.IssuesRepo, limiter)
	git := vcs.NewGitClient(cfg.General.CheckoutDir, limiter)
	runner := buildrun.NewShellRunner(15 * time.Minute)

	selector := &genai.Selector{
		Primary: genai.NewAnthropicService(cfg.Models.AnthropicKeyEnv,
			cfg.Models.Primary, cfg.Models.MaxTokens, limiter),
		Secondary: genai.NewOpenAIService(cfg.Models.OpenAIKeyEnv,
			cfg.Models.Secondary, cfg.Models.MaxTokens, limiter),
		Policy: genai.EscalateAfter(cfg.Caps.EscalateAfterAttempt),
	}

	pl := pipeline.New(store, git, runner, selector, pipeline.NewLearner(store), caps,
		cfg.General.BuildCommand, cfg.General.LintCommand, id).WithMetrics(m)

	w := worker.New(id, store, trk, pl, newNotifier(cfg), caps,
		time.Duration(cfg.General.PollIntervalSeconds)*time.Second).WithMetrics(m)

	// Periodic stale sweep: the only recovery path for crashed workers.
	c := cron.New()
	if _, err := c.AddFunc(cfg.General.StaleSweepCron, func() {
		n, err := store.ResetStale(caps.Get().StaleTimeoutMinutes)
		if err != nil {
			log.Printf("[queue] stale sweep: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[queue] reclaimed %d stale runs", n)
			m.StaleReclaimed.Add(float64(n))
		}
	}); err != nil {
		return fmt.Errorf("invalid stale_sweep_cron: %w", err)
	}
	c.Start()
	defer c.Stop()

	// The admin server runs inside the worker so /metrics exposes this
	// process's live collectors.
	admin := api.NewServer(store, m, cfg.Caps.StaleTimeoutMinutes)
	adminAddr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	go func() {
		log.Printf("[worker] admin server on http://%s", adminAddr)
		if err := admin.Start(adminAddr); err != nil {
			log.Printf("[worker] admin server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("[worker] %s starting", id)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Printf("[worker] %s stopped", id)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	server := api.NewServer(store, metrics.New(), cfg.Caps.StaleTimeoutMinutes)
	fmt.Printf("Admin server listening on http://%s\n", addr)
	return server.Start(addr)
}
