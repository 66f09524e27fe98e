package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskgate/cli/internal/agentstore"
	"taskgate/cli/internal/gateway"
	"taskgate/cli/internal/ledger"
	"taskgate/cli/internal/logging"
	"taskgate/cli/internal/tool"
)

// TaskExecutor is what the orchestrator needs from a gateway. Both the real
// client and the mock satisfy it, so execution logic never branches on mode.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, req gateway.TaskRequest) (gateway.TaskResult, error)
}

// RunResult is the terminal outcome of one execution.
type RunResult struct {
	RunID       string
	Status      string
	Result      string
	Error       string
	CreditsUsed int64
	ToolsUsed   []tool.Tool
}

type Options struct {
	Agents       *agentstore.Store
	Ledger       *ledger.Ledger
	Executor     TaskExecutor
	Logger       *slog.Logger
	TaskTimeout  time.Duration
	DefaultModel string
}

// Orchestrator drives one task execution end to end: credit pre-check, run
// record, gateway call, settlement, terminal state.
type Orchestrator struct {
	agents       *agentstore.Store
	ledger       *ledger.Ledger
	executor     TaskExecutor
	logger       *slog.Logger
	taskTimeout  time.Duration
	defaultModel string
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		agents:       opts.Agents,
		ledger:       opts.Ledger,
		executor:     opts.Executor,
		logger:       opts.Logger,
		taskTimeout:  opts.TaskTimeout,
		defaultModel: opts.DefaultModel,
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	if o.taskTimeout <= 0 {
		o.taskTimeout = 60 * time.Second
	}
	return o
}

// Execute runs one task for an agent. Pre-flight failures (unknown agent,
// insufficient credits, blank task) return an error before any run record
// exists; once a run is created every failure lands in a failed run record
// and is reported through RunResult, not as an error.
func (o *Orchestrator) Execute(ctx context.Context, agentID, userID, tenantID, task string) (RunResult, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return RunResult{}, errors.New("task is required")
	}

	agent, err := o.agents.Get(agentID, tenantID)
	if err != nil {
		return RunResult{}, err
	}

	allowed := o.agents.AllowedTools(tenantID)
	requested := tool.Intersect(agent.Tools, allowed)
	estimate := tool.CreditsFor(requested)

	ok, err := o.ledger.HasCredits(tenantID, estimate)
	if err != nil {
		return RunResult{}, err
	}
	if !ok {
		balance, _ := o.ledger.GetBalance(tenantID)
		return RunResult{}, fmt.Errorf("%w: balance %d, estimated cost %d",
			ledger.ErrInsufficientCredits, balance, estimate)
	}

	run, err := o.agents.CreateRun(agent, userID, task)
	if err != nil {
		return RunResult{}, err
	}
	o.logger.Info("run started", "run", run.ID, "agent", agent.ID, "tenant", tenantID, "estimate", estimate)

	model := agent.Model
	if model == "" {
		model = o.defaultModel
	}
	result, err := o.executor.ExecuteTask(ctx, gateway.TaskRequest{
		Task:         task,
		SystemPrompt: agent.SystemPrompt,
		Model:        model,
		Tools:        requested,
		Timeout:      o.taskTimeout,
	})
	if err != nil {
		return o.failRun(run.ID, fmt.Errorf("task execution: %w", err))
	}

	toolsUsed := result.ToolsUsed
	if len(toolsUsed) == 0 {
		toolsUsed = requested
	}
	if len(toolsUsed) == 0 {
		toolsUsed = []tool.Tool{tool.BasicChat}
	}
	cost := tool.CreditsFor(toolsUsed)

	// The pre-flight check was an estimate, not a reservation. If the balance
	// moved under us, fail loud instead of giving the usage away.
	_, err = o.ledger.Debit(ledger.Entry{
		TenantID:    tenantID,
		UserID:      userID,
		Amount:      cost,
		Type:        ledger.TypeUsage,
		Description: fmt.Sprintf("agent run %s", run.ID),
		Metadata: map[string]any{
			"run_id":   run.ID,
			"agent_id": agent.ID,
			"tools":    tool.Names(toolsUsed),
		},
	})
	if err != nil {
		return o.failRun(run.ID, fmt.Errorf("credit settlement: %w", err))
	}

	if err := o.agents.CompleteRun(run.ID, result.Response, cost, toolsUsed); err != nil {
		// The debit landed but the completed state did not. Reverse the
		// charge so the ledger matches the recorded run, then fail the run.
		if _, refundErr := o.ledger.Credit(ledger.Entry{
			TenantID:    tenantID,
			UserID:      userID,
			Amount:      cost,
			Type:        ledger.TypeRefund,
			Description: fmt.Sprintf("settlement reversal for run %s", run.ID),
			Metadata:    map[string]any{"run_id": run.ID},
		}); refundErr != nil {
			o.logger.Error("could not reverse settlement for unrecorded run", "run", run.ID, "credits", cost, "err", refundErr)
		}
		return o.failRun(run.ID, fmt.Errorf("persist run completion: %w", err))
	}
	o.logger.Info("run completed", "run", run.ID, "credits", cost, "tools", tool.Names(toolsUsed))

	return RunResult{
		RunID:       run.ID,
		Status:      agentstore.StatusCompleted,
		Result:      result.Response,
		CreditsUsed: cost,
		ToolsUsed:   toolsUsed,
	}, nil
}

func (o *Orchestrator) failRun(runID string, cause error) (RunResult, error) {
	if err := o.agents.FailRun(runID, cause.Error()); err != nil {
		o.logger.Error("could not record run failure", "run", runID, "err", err)
	}
	o.logger.Warn("run failed", "run", runID, "err", cause)
	return RunResult{
		RunID:  runID,
		Status: agentstore.StatusFailed,
		Error:  cause.Error(),
	}, nil
}
