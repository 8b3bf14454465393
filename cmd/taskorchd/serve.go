package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskorch/taskorch/internal/agentadapter"
	"github.com/taskorch/taskorch/internal/config"
	"github.com/taskorch/taskorch/internal/idempotency"
	"github.com/taskorch/taskorch/internal/intent"
	"github.com/taskorch/taskorch/internal/orchestrator"
	"github.com/taskorch/taskorch/internal/store"
	"github.com/taskorch/taskorch/internal/webhook"
	"github.com/taskorch/taskorch/internal/workspace"
	"github.com/taskorch/taskorch/internal/worktree"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the config, initialize the workspace, and serve the webhook",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Repo.Name == "" || cfg.Repo.Path == "" {
		return fmt.Errorf("configuration error: 'repo.name' and 'repo.path' are required to serve")
	}

	if err := workspace.Initialize(cfg.WorkspaceRoot); err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}
	logger.Info("workspace initialized", "path", cfg.WorkspaceRoot)

	taskStore := store.New(filepath.Join(cfg.WorkspaceRoot, "tasks"))
	artifactRoot := filepath.Join(cfg.WorkspaceRoot, "artifacts")
	reportRoot := filepath.Join(cfg.WorkspaceRoot, "reports")

	adapter := agentadapter.NewAdapter(cfg.Agent, artifactRoot, logger)
	classifier := intent.NewClassifier(adapter, intent.DefaultThreshold)
	worktrees := worktree.NewManager()

	orch := orchestrator.New(taskStore, adapter, classifier, worktrees, reportRoot, logger)

	worktreesRoot := cfg.Repo.WorktreesRoot
	if worktreesRoot == "" {
		worktreesRoot = filepath.Join(cfg.WorkspaceRoot, "worktrees")
	}
	orch.RepoPaths[cfg.Repo.Name] = cfg.Repo.Path

	seen, err := idempotency.NewSeenStore(filepath.Join(cfg.WorkspaceRoot, "state", "seen_messages.json"))
	if err != nil {
		return fmt.Errorf("failed to load idempotency store: %w", err)
	}

	handler := &webhook.Handler{
		Orchestrator:      orch,
		Seen:              seen,
		VerificationToken: cfg.Webhook.VerificationToken,
		Repo: orchestrator.RepoConfig{
			Name:          cfg.Repo.Name,
			BasePath:      cfg.Repo.Path,
			BaseBranch:    cfg.Repo.BaseBranch,
			BranchPrefix:  cfg.Repo.BranchPrefix,
			WorktreesRoot: worktreesRoot,
		},
		Flags: orchestrator.PolicyFlags{
			AutoClarify:   cfg.Webhook.AutoClarify,
			AutoProvision: cfg.Webhook.AutoProvision,
			AutoRun:       cfg.Webhook.AutoRun,
		},
		Logger: logger,
	}

	srv := &http.Server{
		Addr:    cfg.Webhook.Addr,
		Handler: webhook.NewRouter(handler),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving webhook", "addr", cfg.Webhook.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
