package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gorm.io/gorm"

	"taskgate/cli/internal/agentstore"
	"taskgate/cli/internal/command"
	"taskgate/cli/internal/config"
	"taskgate/cli/internal/db"
	"taskgate/cli/internal/gateway"
	"taskgate/cli/internal/global"
	"taskgate/cli/internal/ledger"
	"taskgate/cli/internal/logging"
	"taskgate/cli/internal/runner"
	"taskgate/cli/internal/tool"
)

var version = "dev"
var buildTime = "unknown"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:   loadMergedConfig,
		RunTask:      runTask,
		ListAgents:   listAgents,
		CreateAgent:  createAgent,
		ShowBalance:  showBalance,
		GrantCredits: grantCredits,
		RunMigrateUp: runMigrateUp,
	})

	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "taskgate"}).Error("taskgate failed", "err", err)
		os.Exit(1)
	}
}

// loadMergedConfig layers the TOML config file under the environment; env
// values always win.
func loadMergedConfig() config.Config {
	cfg := config.LoadConfig()
	store := global.NewConfigStore(cfg.ConfigDir)
	if fileCfg, err := store.LoadOrInit(); err == nil {
		cfg = global.Apply(cfg, fileCfg)
	}
	return cfg
}

func newRuntimeLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	return logging.NewLogger(logging.Options{
		Level:     cfg.LogLevel,
		Writer:    writer,
		Component: "taskgate",
	})
}

func openDB(cfg config.Config) (*gorm.DB, func(), error) {
	gdb, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return gdb, closeFn, nil
}

func buildExecutor(cfg config.Config, logger *slog.Logger) runner.TaskExecutor {
	if cfg.MockMode() {
		logger.Info("gateway mock mode enabled")
		return &gateway.MockClient{}
	}
	return gateway.NewClient(gateway.Options{
		URL:            cfg.GatewayURL,
		Token:          cfg.GatewayToken,
		ClientVersion:  cfg.ClientVersion,
		ClientInstance: cfg.ClientInstance,
		PollInterval:   cfg.PollInterval,
		Logger:         logger.With("module", "gateway"),
	})
}

func runTask(ctx context.Context, cfg config.Config, p command.RunParams) error {
	logger := newRuntimeLogger(cfg, os.Stderr)
	gdb, closeDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	agents := agentstore.New(gdb, logger.With("module", "agentstore"))
	credits := ledger.New(gdb, logger.With("module", "ledger"))
	orch := runner.New(runner.Options{
		Agents:       agents,
		Ledger:       credits,
		Executor:     buildExecutor(cfg, logger),
		Logger:       logger.With("module", "runner"),
		TaskTimeout:  cfg.TaskTimeout,
		DefaultModel: cfg.DefaultModel,
	})

	res, err := orch.Execute(ctx, p.AgentID, p.UserID, p.TenantID, p.Task)
	if err != nil {
		return err
	}

	fmt.Printf("run_id=%s status=%s credits_used=%d tools=%s\n",
		res.RunID, res.Status, res.CreditsUsed, strings.Join(tool.Names(res.ToolsUsed), ","))
	if res.Status == agentstore.StatusFailed {
		return errors.New(res.Error)
	}
	fmt.Println(res.Result)
	return nil
}

func listAgents(_ context.Context, cfg config.Config, tenantID string) error {
	gdb, closeDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	agents, err := agentstore.New(gdb, nil).List(tenantID)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("no agents")
		return nil
	}
	for _, a := range agents {
		fmt.Printf("%s\t%s\tmodel=%s\ttools=%s\n", a.ID, a.Name, a.Model, strings.Join(tool.Names(a.Tools), ","))
	}
	return nil
}

func createAgent(_ context.Context, cfg config.Config, p command.CreateAgentParams) error {
	gdb, closeDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	agent, err := agentstore.New(gdb, newRuntimeLogger(cfg, os.Stderr).With("module", "agentstore")).Create(agentstore.CreateAgentParams{
		TenantID:     p.TenantID,
		Name:         p.Name,
		Description:  p.Description,
		SystemPrompt: p.SystemPrompt,
		Model:        p.Model,
		Tools:        p.Tools,
	})
	if err != nil {
		return err
	}
	fmt.Printf("created agent %s\n", agent.ID)
	return nil
}

func showBalance(_ context.Context, cfg config.Config, tenantID string) error {
	gdb, closeDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	balance, err := ledger.New(gdb, nil).GetBalance(tenantID)
	if err != nil {
		return err
	}
	fmt.Printf("tenant=%s balance=%d\n", strings.TrimSpace(tenantID), balance)
	return nil
}

func grantCredits(_ context.Context, cfg config.Config, p command.GrantParams) error {
	gdb, closeDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	description := strings.TrimSpace(p.Reason)
	if description == "" {
		description = "manual grant"
	}
	balance, err := ledger.New(gdb, newRuntimeLogger(cfg, os.Stderr).With("module", "ledger")).Credit(ledger.Entry{
		TenantID:    p.TenantID,
		UserID:      p.UserID,
		Amount:      p.Amount,
		Type:        ledger.TypeBonus,
		Description: description,
	})
	if err != nil {
		return err
	}
	fmt.Printf("tenant=%s balance=%d\n", strings.TrimSpace(p.TenantID), balance)
	return nil
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	_, closeDB, err := openDB(cfg)
	if err != nil {
		return err
	}
	closeDB()
	fmt.Printf("schema synced at %s (taskgate %s built %s)\n", cfg.DBPath, version, buildTime)
	return nil
}
