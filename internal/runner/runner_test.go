package runner

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"taskgate/cli/internal/agentstore"
	"taskgate/cli/internal/db"
	"taskgate/cli/internal/gateway"
	"taskgate/cli/internal/ledger"
	"taskgate/cli/internal/tool"
)

type fakeExecutor struct {
	lastReq gateway.TaskRequest
	result  gateway.TaskResult
	err     error
	calls   int
	// hook runs while the run is in flight, before the executor returns.
	hook func()
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, req gateway.TaskRequest) (gateway.TaskResult, error) {
	f.calls++
	f.lastReq = req
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return gateway.TaskResult{}, f.err
	}
	return f.result, nil
}

type fixture struct {
	agents   *agentstore.Store
	ledger   *ledger.Ledger
	executor *fakeExecutor
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.Open(filepath.Join(t.TempDir(), "runner.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	f := &fixture{
		agents:   agentstore.New(gdb, nil),
		ledger:   ledger.New(gdb, nil),
		executor: &fakeExecutor{},
	}
	f.orch = New(Options{Agents: f.agents, Ledger: f.ledger, Executor: f.executor})
	return f
}

func (f *fixture) createAgent(t *testing.T, tenantID string, tools ...string) agentstore.Agent {
	t.Helper()
	agent, err := f.agents.Create(agentstore.CreateAgentParams{
		TenantID:     tenantID,
		Name:         "worker",
		SystemPrompt: "Be helpful.",
		Tools:        tools,
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return agent
}

func TestOrchestrator_CompletedRunDebitsRealCost(t *testing.T) {
	f := newFixture(t)
	if err := f.agents.SetPlan("tenant-1", "pro"); err != nil {
		t.Fatalf("set plan: %v", err)
	}
	agent := f.createAgent(t, "tenant-1", "web_search", "web_browse")
	f.ledger.Credit(ledger.Entry{TenantID: "tenant-1", Amount: 10, Type: ledger.TypeSubscription})

	f.executor.result = gateway.TaskResult{
		Response:  "all done",
		ToolsUsed: []tool.Tool{tool.WebSearch, tool.WebBrowse},
	}

	res, err := f.orch.Execute(context.Background(), agent.ID, "user-1", "tenant-1", "find things")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != agentstore.StatusCompleted || res.Result != "all done" {
		t.Fatalf("result: %+v", res)
	}
	if res.CreditsUsed != 7 {
		t.Fatalf("credits used: %d", res.CreditsUsed)
	}

	balance, _ := f.ledger.GetBalance("tenant-1")
	if balance != 3 {
		t.Fatalf("balance after run: %d", balance)
	}

	run, err := f.agents.GetRun(res.RunID, "tenant-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != agentstore.StatusCompleted || run.CreditsUsed != 7 {
		t.Fatalf("run record: %+v", run)
	}

	// The debit row carries the run id in its metadata.
	rows, _ := f.ledger.History("tenant-1", 10)
	if len(rows) != 2 || rows[0].Amount != -7 || !strings.Contains(rows[0].MetadataJSON, res.RunID) {
		t.Fatalf("transactions: %+v", rows)
	}
}

func TestOrchestrator_UnknownAgentFailsBeforeAnyRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Execute(context.Background(), "missing", "u", "tenant-1", "task")
	if !errors.Is(err, agentstore.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if f.executor.calls != 0 {
		t.Fatalf("executor called for unknown agent")
	}
}

func TestOrchestrator_InsufficientCreditsRejectedPreFlight(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "tenant-1", "web_search")

	_, err := f.orch.Execute(context.Background(), agent.ID, "u", "tenant-1", "task")
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if f.executor.calls != 0 {
		t.Fatalf("executor called with no credits")
	}
	runs, _ := f.agents.ListRuns(agent.ID, "tenant-1", 10)
	if len(runs) != 0 {
		t.Fatalf("run record created on pre-flight rejection: %+v", runs)
	}
}

func TestOrchestrator_PlanIntersectionLimitsRequestedTools(t *testing.T) {
	f := newFixture(t)
	// Starter plan: web_browse is configured on the agent but not allowed.
	agent := f.createAgent(t, "tenant-1", "web_search", "web_browse")
	f.ledger.Credit(ledger.Entry{TenantID: "tenant-1", Amount: 10})

	f.executor.result = gateway.TaskResult{Response: "ok"}
	res, err := f.orch.Execute(context.Background(), agent.ID, "u", "tenant-1", "task")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(f.executor.lastReq.Tools) != 1 || f.executor.lastReq.Tools[0] != tool.WebSearch {
		t.Fatalf("requested tools: %v", f.executor.lastReq.Tools)
	}
	// Executor reported nothing, so billing falls back to the requested set.
	if res.CreditsUsed != 2 || len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != tool.WebSearch {
		t.Fatalf("fallback billing: %+v", res)
	}
}

func TestOrchestrator_EmptyIntersectionBillsMinimalCost(t *testing.T) {
	f := newFixture(t)
	// Only disallowed tools configured; estimate floors at basic chat cost.
	agent := f.createAgent(t, "tenant-1", "email_send")
	f.ledger.Credit(ledger.Entry{TenantID: "tenant-1", Amount: 1})

	f.executor.result = gateway.TaskResult{Response: "ok"}
	res, err := f.orch.Execute(context.Background(), agent.ID, "u", "tenant-1", "task")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.CreditsUsed != 1 || len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != tool.BasicChat {
		t.Fatalf("minimal billing: %+v", res)
	}
}

func TestOrchestrator_ExecutorFailureBecomesFailedRun(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "tenant-1", "web_search")
	f.ledger.Credit(ledger.Entry{TenantID: "tenant-1", Amount: 10})

	f.executor.err = errors.New("timed out waiting for gateway response")

	res, err := f.orch.Execute(context.Background(), agent.ID, "u", "tenant-1", "task")
	if err != nil {
		t.Fatalf("executor failure must not surface as an error: %v", err)
	}
	if res.Status != agentstore.StatusFailed || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("result: %+v", res)
	}
	if res.CreditsUsed != 0 {
		t.Fatalf("failed run charged credits: %d", res.CreditsUsed)
	}

	balance, _ := f.ledger.GetBalance("tenant-1")
	if balance != 10 {
		t.Fatalf("balance changed on failure: %d", balance)
	}
	run, _ := f.agents.GetRun(res.RunID, "tenant-1")
	if run.Status != agentstore.StatusFailed || run.CreditsUsed != 0 {
		t.Fatalf("run record: %+v", run)
	}
}

func TestOrchestrator_SettlementShortfallFailsLoud(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "tenant-1", "web_search")
	// Enough for the estimate (2) but not for the real usage (3).
	f.ledger.Credit(ledger.Entry{TenantID: "tenant-1", Amount: 2})

	f.executor.result = gateway.TaskResult{
		Response:  "expensive output",
		ToolsUsed: []tool.Tool{tool.WebSearch, tool.BasicChat},
	}

	res, err := f.orch.Execute(context.Background(), agent.ID, "u", "tenant-1", "task")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != agentstore.StatusFailed || !strings.Contains(res.Error, "settlement") {
		t.Fatalf("result: %+v", res)
	}

	// No partial debit, and the run is failed despite gateway output.
	balance, _ := f.ledger.GetBalance("tenant-1")
	if balance != 2 {
		t.Fatalf("balance after failed settlement: %d", balance)
	}
	run, _ := f.agents.GetRun(res.RunID, "tenant-1")
	if run.Status != agentstore.StatusFailed {
		t.Fatalf("run record: %+v", run)
	}
}

func TestOrchestrator_UnrecordedCompletionRefundsAndFails(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "tenant-1", "web_search")
	f.ledger.Credit(ledger.Entry{TenantID: "tenant-1", Amount: 10})

	f.executor.result = gateway.TaskResult{Response: "done", ToolsUsed: []tool.Tool{tool.WebSearch}}
	// Terminate the run mid-flight so the completion write hits the
	// write-once guard after the debit has already landed.
	f.executor.hook = func() {
		runs, err := f.agents.ListRuns(agent.ID, "tenant-1", 1)
		if err != nil || len(runs) != 1 {
			t.Errorf("in-flight run lookup: %v (%d runs)", err, len(runs))
			return
		}
		if err := f.agents.FailRun(runs[0].ID, "superseded"); err != nil {
			t.Errorf("fail in-flight run: %v", err)
		}
	}

	res, err := f.orch.Execute(context.Background(), agent.ID, "u", "tenant-1", "task")
	if err != nil {
		t.Fatalf("unrecorded completion must not surface as an error: %v", err)
	}
	if res.Status != agentstore.StatusFailed || !strings.Contains(res.Error, "persist run completion") {
		t.Fatalf("result: %+v", res)
	}
	if res.CreditsUsed != 0 {
		t.Fatalf("failed run reported credits: %d", res.CreditsUsed)
	}

	// The debit was reversed, so the tenant keeps its balance.
	balance, _ := f.ledger.GetBalance("tenant-1")
	if balance != 10 {
		t.Fatalf("balance after reversal: %d", balance)
	}
	rows, _ := f.ledger.History("tenant-1", 10)
	if len(rows) != 3 || rows[0].Type != ledger.TypeRefund || rows[0].Amount != 2 {
		t.Fatalf("transactions: %+v", rows)
	}
}

func TestOrchestrator_BlankTaskRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.Execute(context.Background(), "a", "u", "t", "   "); err == nil {
		t.Fatalf("blank task accepted")
	}
}

func TestOrchestrator_MockExecutorCompletesRuns(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "tenant-1", "web_search")
	f.ledger.Credit(ledger.Entry{TenantID: "tenant-1", Amount: 5})

	orch := New(Options{
		Agents:   f.agents,
		Ledger:   f.ledger,
		Executor: &gateway.MockClient{Delay: 1},
	})
	res, err := orch.Execute(context.Background(), agent.ID, "u", "tenant-1", "simulate")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != agentstore.StatusCompleted || !strings.Contains(res.Result, "MOCK") {
		t.Fatalf("mock result: %+v", res)
	}
	if res.CreditsUsed != 2 {
		t.Fatalf("mock credits: %d", res.CreditsUsed)
	}
}
