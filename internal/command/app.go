package command

import (
	"context"
	"errors"
	"strings"

	"github.com/urfave/cli/v2"

	"taskgate/cli/internal/config"
)

type RunParams struct {
	AgentID  string
	UserID   string
	TenantID string
	Task     string
}

type CreateAgentParams struct {
	TenantID     string
	Name         string
	Description  string
	SystemPrompt string
	Model        string
	Tools        []string
}

type GrantParams struct {
	TenantID string
	UserID   string
	Amount   int64
	Reason   string
}

type Deps struct {
	LoadConfig   func() config.Config
	RunTask      func(context.Context, config.Config, RunParams) error
	ListAgents   func(context.Context, config.Config, string) error
	CreateAgent  func(context.Context, config.Config, CreateAgentParams) error
	ShowBalance  func(context.Context, config.Config, string) error
	GrantCredits func(context.Context, config.Config, GrantParams) error
	RunMigrateUp func(context.Context, config.Config) error
}

func tenantFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "tenant", Usage: "tenant id", Required: true}
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "taskgate",
		Usage: "agent task provisioning and billing",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "execute a task through an agent",
				ArgsUsage: "TASK",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "agent", Usage: "agent id", Required: true},
					&cli.StringFlag{Name: "user", Usage: "user id"},
					tenantFlag(),
				},
				Action: func(ctx *cli.Context) error {
					task := strings.TrimSpace(strings.Join(ctx.Args().Slice(), " "))
					if task == "" {
						return errors.New("task text is required")
					}
					cfg := loadConfig(deps)
					return runTask(ctx.Context, deps, cfg, RunParams{
						AgentID:  ctx.String("agent"),
						UserID:   ctx.String("user"),
						TenantID: ctx.String("tenant"),
						Task:     task,
					})
				},
			},
			{
				Name:  "agents",
				Usage: "manage agent configurations",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list a tenant's agents",
						Flags: []cli.Flag{tenantFlag()},
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							return listAgents(ctx.Context, deps, cfg, ctx.String("tenant"))
						},
					},
					{
						Name:  "create",
						Usage: "create an agent",
						Flags: []cli.Flag{
							tenantFlag(),
							&cli.StringFlag{Name: "name", Usage: "agent name", Required: true},
							&cli.StringFlag{Name: "description", Usage: "agent description"},
							&cli.StringFlag{Name: "system-prompt", Usage: "system prompt"},
							&cli.StringFlag{Name: "model", Usage: "model id"},
							&cli.StringSliceFlag{Name: "tool", Usage: "allowed tool (repeatable)"},
						},
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							return createAgent(ctx.Context, deps, cfg, CreateAgentParams{
								TenantID:     ctx.String("tenant"),
								Name:         ctx.String("name"),
								Description:  ctx.String("description"),
								SystemPrompt: ctx.String("system-prompt"),
								Model:        ctx.String("model"),
								Tools:        ctx.StringSlice("tool"),
							})
						},
					},
				},
			},
			{
				Name:  "credits",
				Usage: "inspect and grant tenant credits",
				Subcommands: []*cli.Command{
					{
						Name:  "balance",
						Usage: "show a tenant's balance",
						Flags: []cli.Flag{tenantFlag()},
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							return showBalance(ctx.Context, deps, cfg, ctx.String("tenant"))
						},
					},
					{
						Name:  "grant",
						Usage: "add credits to a tenant",
						Flags: []cli.Flag{
							tenantFlag(),
							&cli.StringFlag{Name: "user", Usage: "user id"},
							&cli.Int64Flag{Name: "amount", Usage: "credits to add", Required: true},
							&cli.StringFlag{Name: "reason", Usage: "transaction description"},
						},
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							return grantCredits(ctx.Context, deps, cfg, GrantParams{
								TenantID: ctx.String("tenant"),
								UserID:   ctx.String("user"),
								Amount:   ctx.Int64("amount"),
								Reason:   ctx.String("reason"),
							})
						},
					},
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							return runMigrateUp(ctx.Context, deps, cfg)
						},
					},
				},
			},
		},
	}
}

func loadConfig(deps Deps) config.Config {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.LoadConfig()
}

func runTask(ctx context.Context, deps Deps, cfg config.Config, p RunParams) error {
	if deps.RunTask == nil {
		return errors.New("task runner is not configured")
	}
	return deps.RunTask(ctx, cfg, p)
}

func listAgents(ctx context.Context, deps Deps, cfg config.Config, tenantID string) error {
	if deps.ListAgents == nil {
		return errors.New("agent lister is not configured")
	}
	return deps.ListAgents(ctx, cfg, tenantID)
}

func createAgent(ctx context.Context, deps Deps, cfg config.Config, p CreateAgentParams) error {
	if deps.CreateAgent == nil {
		return errors.New("agent creator is not configured")
	}
	return deps.CreateAgent(ctx, cfg, p)
}

func showBalance(ctx context.Context, deps Deps, cfg config.Config, tenantID string) error {
	if deps.ShowBalance == nil {
		return errors.New("balance reader is not configured")
	}
	return deps.ShowBalance(ctx, cfg, tenantID)
}

func grantCredits(ctx context.Context, deps Deps, cfg config.Config, p GrantParams) error {
	if deps.GrantCredits == nil {
		return errors.New("credit granter is not configured")
	}
	return deps.GrantCredits(ctx, cfg, p)
}

func runMigrateUp(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunMigrateUp == nil {
		return errors.New("migrate up runner is not configured")
	}
	return deps.RunMigrateUp(ctx, cfg)
}
