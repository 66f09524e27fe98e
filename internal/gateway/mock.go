package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"taskgate/cli/internal/tool"
)

// MockClient stands in for the gateway when no credentials are configured.
// It satisfies the same executor contract as Client, so the orchestrator does
// not branch on mock mode.
type MockClient struct {
	// Delay overrides the randomized delay when > 0. Tests set it.
	Delay time.Duration
}

func (m *MockClient) ExecuteTask(ctx context.Context, req TaskRequest) (TaskResult, error) {
	delay := m.Delay
	if delay <= 0 {
		delay = time.Duration(100+rand.Intn(200)) * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	case <-time.After(delay):
	}

	toolsUsed := req.Tools
	if len(toolsUsed) == 0 {
		toolsUsed = []tool.Tool{tool.BasicChat}
	}

	model := req.Model
	if model == "" {
		model = "default"
	}
	response := fmt.Sprintf(
		"MOCK Gateway Response\n\nTask: %s\nModel: %s\nTools: %s\n\nResult:\n- I analyzed your request and produced a plausible output.\n- This is a simulated response (no real browsing/execution).\n",
		req.Task, model, strings.Join(tool.Names(toolsUsed), ", "),
	)

	return TaskResult{
		Response:  response,
		ToolsUsed: toolsUsed,
		TokensIn:  estimateTokens(req.SystemPrompt + req.Task),
		TokensOut: estimateTokens(response),
	}, nil
}
