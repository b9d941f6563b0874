package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conveyorci/conveyor/internal/agent"
	"github.com/conveyorci/conveyor/internal/agentapi"
	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/effects"
	"github.com/conveyorci/conveyor/internal/engine"
	"github.com/conveyorci/conveyor/internal/gate"
	"github.com/conveyorci/conveyor/internal/githost"
	"github.com/conveyorci/conveyor/internal/store"
	"github.com/conveyorci/conveyor/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: webhooks, run API, and agent monitors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger, err := buildLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx := cmd.Context()
		st, err := store.Open(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		var git *githost.Client
		if cfg.GitHub.Token != "" {
			git, err = githost.New(ctx, cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo, logger)
			if err != nil {
				return fmt.Errorf("github client: %w", err)
			}
		} else if !cfg.Pipeline.DryRun {
			return fmt.Errorf("github token required outside dry run")
		}

		classifier, err := gate.LoadPolicy(cfg.Pipeline.GatePolicyPath)
		if err != nil {
			return fmt.Errorf("gate policy: %w", err)
		}

		registry := engine.NewRegistry()
		eng := engine.New(st, registry, logger, cfg.Pipeline.MaxFixCycles)

		monitor := agent.NewMonitor(st, logger)
		sessions := agentapi.New(cfg.Agent.BaseURL, cfg.Agent.Token, logger)
		launcherCfg := agent.LauncherConfig{
			Repo:         cfg.GitHub.FullRepo(),
			PollInterval: cfg.Agent.PollInterval,
			Timeout:      cfg.Agent.Timeout,
		}
		fix := agent.NewFixAgent(eng, st, git, sessions, monitor, launcherCfg, logger)
		judge := agent.NewJudgeAgent(eng, st, git, sessions, monitor, launcherCfg, logger)

		handlers := effects.NewHandlers(eng, git, st, fix, judge, effects.Config{
			DispatchRef:     cfg.GitHub.DispatchRef,
			GateWorkflows:   cfg.GitHub.GateWorkflows,
			DeployWorkflows: cfg.GitHub.DeployWorkflows,
			StagingBranch:   cfg.GitHub.StagingBranch,
			ProdBranch:      cfg.GitHub.ProdBranch,
			DryRun:          cfg.Pipeline.DryRun,

			DeployPollInterval: cfg.Deploy.PollInterval,
			DeployTimeout:      cfg.Deploy.Timeout,
		}, logger)
		handlers.Register(registry)

		evaluator := gate.NewEvaluator(classifier, st)
		server := web.NewServer(eng, st, st, evaluator, cfg.Server.AuthToken, logger)

		errCh := make(chan error, 1)
		go func() {
			logger.Info("listening", zap.String("addr", cfg.Server.Addr))
			errCh <- server.Start(cfg.Server.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		monitor.ClearAllMonitors()
		eng.Wait()
		return nil
	},
}
