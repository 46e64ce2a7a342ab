package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/uesteibar/ralphd/internal/activity"
	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/deps"
	"github.com/uesteibar/ralphd/internal/gitops"
	"github.com/uesteibar/ralphd/internal/launcher"
	"github.com/uesteibar/ralphd/internal/mergequeue"
	"github.com/uesteibar/ralphd/internal/notify"
	"github.com/uesteibar/ralphd/internal/pipeline"
	"github.com/uesteibar/ralphd/internal/reconcile"
	"github.com/uesteibar/ralphd/internal/scheduler"
	"github.com/uesteibar/ralphd/internal/server"
	"github.com/uesteibar/ralphd/internal/stagnation"
	"github.com/uesteibar/ralphd/internal/staleness"
	"github.com/uesteibar/ralphd/internal/state"
)

// schedulerInterval is how often the scheduler fills free runner slots.
const schedulerInterval = 5 * time.Second

// Serve runs the orchestrator daemon: state store, scheduler, merge worker,
// reconciler and the RPC server, until SIGINT/SIGTERM or a shutdown RPC.
func Serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := AddConfigFlag(fs)
	addrFlag := fs.String("addr", "", "Listen address (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := ResolveConfig(*configPath)
	if err != nil {
		return err
	}
	addr := cfg.Addr()
	if *addrFlag != "" {
		addr = *addrFlag
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var storeOpts []state.StoreOption
	if cfg.Runner.MaxArchived > 0 {
		storeOpts = append(storeOpts, state.WithMaxArchived(cfg.Runner.MaxArchived))
	}
	st, err := state.NewStore(cfg.DataDir(), storeOpts...)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	if cfg.Runner.MaxConcurrency > 0 {
		if _, err := st.SetMaxConcurrency(cfg.Runner.MaxConcurrency, "configured maximum"); err != nil {
			return fmt.Errorf("applying max concurrency: %w", err)
		}
	}

	actLog, err := activity.Open(filepath.Join(cfg.DataDir(), activity.DefaultFileName))
	if err != nil {
		return fmt.Errorf("opening activity log: %w", err)
	}
	defer actLog.Close()

	git := gitops.New(cfg.Repo.Path)
	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}

	merges := mergequeue.New(st, git, logger,
		mergequeue.WithBaseBranch(cfg.BaseBranch()),
		mergequeue.WithNotifier(notifier),
	)
	pipe := pipeline.New(st, git, stagnation.New(st, logger), deps.New(st, cfg.TasksDir()), logger,
		pipeline.WithMergeKicker(merges),
		pipeline.WithNotifier(notifier),
		pipeline.WithBaseBranch(cfg.BaseBranch()),
	)
	reconciler := reconcile.New(st, git, staleness.New(git), logger)

	launch := &launcher.Launcher{
		Binary:   cfg.Runner.AgentBinary,
		LogsDir:  cfg.LogsDir(),
		MaxTurns: cfg.Runner.MaxTurns,
	}
	sched := scheduler.New(st, &schedulerLauncher{launch}, logger)

	hub := server.NewHub(logger)
	srv, err := server.New(addr, server.Config{
		Store:        st,
		Updater:      pipe,
		Lifecycle:    sched,
		Reconciler:   reconciler,
		Merges:       merges,
		Git:          git,
		Activity:     &activityRecorder{actLog},
		Hub:          hub,
		WorktreesDir: cfg.WorktreesDir(),
		Shutdown:     cancel,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	go merges.Run(ctx)
	go server.NewStateWatcher(hub, cfg.StatePath(), logger).Run(ctx)
	go scheduleLoop(ctx, sched, cfg.Project, logger)

	logger.Info("ralphd listening", "addr", srv.Addr(), "repo", cfg.Repo.Path, "dataDir", cfg.DataDir())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		srv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
}

// scheduleLoop drives the scheduler: one immediate pass, then one per tick.
func scheduleLoop(ctx context.Context, sched *scheduler.Scheduler, project string, logger *slog.Logger) {
	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()

	for {
		result, err := sched.RunOnce(ctx, project)
		if err != nil {
			logger.Warn("scheduling cycle failed", "error", err)
		} else if len(result.Launched) > 0 || len(result.Promoted) > 0 {
			logger.Info("scheduling cycle",
				"launched", result.Launched, "promoted", result.Promoted, "failed", result.Failed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.GitHub.Owner == "" || cfg.GitHub.Repo == "" {
		return &notify.LogNotifier{Logger: logger}, nil
	}

	ghCfg := notify.GitHubConfig{
		Owner: cfg.GitHub.Owner,
		Repo:  cfg.GitHub.Repo,
		Token: cfg.GitHub.Token,
	}
	if cfg.GitHub.ClientID != "" {
		ghCfg.App = &notify.AppCredentials{
			ClientID:       cfg.GitHub.ClientID,
			InstallationID: cfg.GitHub.InstallationID,
			PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
		}
	}
	return notify.NewGitHub(ghCfg, logger)
}
