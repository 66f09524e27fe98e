package agentstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"taskgate/cli/internal/db"
	"taskgate/cli/internal/logging"
	"taskgate/cli/internal/tool"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrRunNotFound   = errors.New("run not found")
)

// Run statuses. A run moves pending→running→{completed|failed} and a terminal
// status is never rewritten.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Agent is the stored configuration one tenant's agent runs with.
type Agent struct {
	ID           string
	TenantID     string
	Name         string
	Description  string
	SystemPrompt string
	Model        string
	Tools        []tool.Tool
	IsDefault    bool
	CreatedAt    int64
	UpdatedAt    int64
}

// Run is one execution attempt of an agent against a task.
type Run struct {
	ID          string
	AgentID     string
	TenantID    string
	UserID      string
	Task        string
	Status      string
	Result      string
	Error       string
	CreditsUsed int64
	ToolsUsed   []tool.Tool
	StartedAt   int64
	CompletedAt int64
	CreatedAt   int64
}

type CreateAgentParams struct {
	TenantID     string
	Name         string
	Description  string
	SystemPrompt string
	Model        string
	Tools        []string
	IsDefault    bool
}

// UpdateAgentParams carries the mutable agent fields; nil pointers leave the
// stored value untouched.
type UpdateAgentParams struct {
	Name         *string
	Description  *string
	SystemPrompt *string
	Model        *string
	Tools        []string
	IsDefault    *bool
}

// Store reads and writes agents, runs and subscriptions.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

func New(gdb *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{db: gdb, logger: logger, now: time.Now}
}

func (s *Store) Get(agentID, tenantID string) (Agent, error) {
	var row db.Agent
	err := s.db.Where("agent_id = ? AND tenant_id = ?", strings.TrimSpace(agentID), strings.TrimSpace(tenantID)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("read agent %s: %w", agentID, err)
	}
	return agentFromRow(row), nil
}

func (s *Store) List(tenantID string) ([]Agent, error) {
	var rows []db.Agent
	err := s.db.Where("tenant_id = ?", strings.TrimSpace(tenantID)).Order("created_at DESC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list agents for %s: %w", tenantID, err)
	}
	agents := make([]Agent, 0, len(rows))
	for _, row := range rows {
		agents = append(agents, agentFromRow(row))
	}
	return agents, nil
}

func (s *Store) Create(p CreateAgentParams) (Agent, error) {
	p.TenantID = strings.TrimSpace(p.TenantID)
	p.Name = strings.TrimSpace(p.Name)
	if p.TenantID == "" {
		return Agent{}, errors.New("tenant id is required")
	}
	if p.Name == "" {
		return Agent{}, errors.New("agent name is required")
	}

	now := s.now().UnixMilli()
	row := db.Agent{
		AgentID:      uuid.NewString(),
		TenantID:     p.TenantID,
		Name:         p.Name,
		Description:  strings.TrimSpace(p.Description),
		SystemPrompt: p.SystemPrompt,
		Model:        strings.TrimSpace(p.Model),
		ToolsJSON:    marshalTools(tool.Normalize(p.Tools)),
		IsDefault:    p.IsDefault,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return Agent{}, fmt.Errorf("create agent: %w", err)
	}
	s.logger.Info("agent created", "agent", row.AgentID, "tenant", row.TenantID, "name", row.Name)
	return agentFromRow(row), nil
}

func (s *Store) Update(agentID, tenantID string, p UpdateAgentParams) (Agent, error) {
	current, err := s.Get(agentID, tenantID)
	if err != nil {
		return Agent{}, err
	}

	updates := map[string]any{"updated_at": s.now().UnixMilli()}
	if p.Name != nil {
		updates["name"] = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		updates["description"] = strings.TrimSpace(*p.Description)
	}
	if p.SystemPrompt != nil {
		updates["system_prompt"] = *p.SystemPrompt
	}
	if p.Model != nil {
		updates["model"] = strings.TrimSpace(*p.Model)
	}
	if p.Tools != nil {
		updates["tools_json"] = marshalTools(tool.Normalize(p.Tools))
	}
	if p.IsDefault != nil {
		updates["is_default"] = *p.IsDefault
	}

	err = s.db.Model(&db.Agent{}).
		Where("agent_id = ? AND tenant_id = ?", current.ID, current.TenantID).
		Updates(updates).Error
	if err != nil {
		return Agent{}, fmt.Errorf("update agent %s: %w", agentID, err)
	}
	return s.Get(agentID, tenantID)
}

func (s *Store) Delete(agentID, tenantID string) error {
	res := s.db.Where("agent_id = ? AND tenant_id = ?", strings.TrimSpace(agentID), strings.TrimSpace(tenantID)).Delete(&db.Agent{})
	if res.Error != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return nil
}

// PlanID resolves the tenant's subscription plan, defaulting to starter when
// the tenant has no subscription row.
func (s *Store) PlanID(tenantID string) string {
	var sub db.Subscription
	err := s.db.Where("tenant_id = ?", strings.TrimSpace(tenantID)).First(&sub).Error
	if err != nil || strings.TrimSpace(sub.PlanID) == "" {
		return tool.DefaultPlan
	}
	return sub.PlanID
}

// SetPlan upserts the tenant's subscription.
func (s *Store) SetPlan(tenantID, planID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	sub := db.Subscription{
		TenantID:  tenantID,
		PlanID:    strings.TrimSpace(strings.ToLower(planID)),
		Status:    "active",
		UpdatedAt: s.now().UnixMilli(),
	}
	if err := s.db.Save(&sub).Error; err != nil {
		return fmt.Errorf("set plan for %s: %w", tenantID, err)
	}
	return nil
}

// AllowedTools is the tenant's plan allow-list.
func (s *Store) AllowedTools(tenantID string) []tool.Tool {
	return tool.PlanTools(s.PlanID(tenantID))
}

// CreateRun writes the run record in the running state with a start
// timestamp.
func (s *Store) CreateRun(agent Agent, userID, task string) (Run, error) {
	now := s.now().UnixMilli()
	row := db.AgentRun{
		RunID:     uuid.NewString(),
		AgentID:   agent.ID,
		TenantID:  agent.TenantID,
		UserID:    strings.TrimSpace(userID),
		Task:      task,
		Status:    StatusRunning,
		StartedAt: now,
		CreatedAt: now,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return runFromRow(row), nil
}

// CompleteRun moves a running run to completed. The status guard in the WHERE
// clause makes terminal states write-once: completing an already-terminal run
// is an error, not a rewrite.
func (s *Store) CompleteRun(runID, result string, creditsUsed int64, toolsUsed []tool.Tool) error {
	return s.finishRun(runID, map[string]any{
		"status":          StatusCompleted,
		"result":          result,
		"credits_used":    creditsUsed,
		"tools_used_json": marshalTools(toolsUsed),
		"completed_at":    s.now().UnixMilli(),
	})
}

// FailRun moves a running run to failed. Credits used stays 0.
func (s *Store) FailRun(runID, errText string) error {
	return s.finishRun(runID, map[string]any{
		"status":       StatusFailed,
		"error_text":   errText,
		"completed_at": s.now().UnixMilli(),
	})
}

func (s *Store) finishRun(runID string, updates map[string]any) error {
	res := s.db.Model(&db.AgentRun{}).
		Where("run_id = ? AND status = ?", runID, StatusRunning).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finish run %s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s is not in a running state", runID)
	}
	return nil
}

func (s *Store) GetRun(runID, tenantID string) (Run, error) {
	var row db.AgentRun
	err := s.db.Where("run_id = ? AND tenant_id = ?", strings.TrimSpace(runID), strings.TrimSpace(tenantID)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("read run %s: %w", runID, err)
	}
	return runFromRow(row), nil
}

func (s *Store) ListRuns(agentID, tenantID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []db.AgentRun
	err := s.db.
		Where("agent_id = ? AND tenant_id = ?", strings.TrimSpace(agentID), strings.TrimSpace(tenantID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list runs for agent %s: %w", agentID, err)
	}
	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, runFromRow(row))
	}
	return runs, nil
}

func agentFromRow(row db.Agent) Agent {
	return Agent{
		ID:           row.AgentID,
		TenantID:     row.TenantID,
		Name:         row.Name,
		Description:  row.Description,
		SystemPrompt: row.SystemPrompt,
		Model:        row.Model,
		Tools:        unmarshalTools(row.ToolsJSON),
		IsDefault:    row.IsDefault,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

func runFromRow(row db.AgentRun) Run {
	run := Run{
		ID:          row.RunID,
		AgentID:     row.AgentID,
		TenantID:    row.TenantID,
		UserID:      row.UserID,
		Task:        row.Task,
		Status:      row.Status,
		Result:      row.Result,
		Error:       row.ErrorText,
		CreditsUsed: row.CreditsUsed,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
		CreatedAt:   row.CreatedAt,
	}
	// Unlike agent tools, an empty used-tools list stays empty: a failed run
	// used nothing.
	var names []string
	if json.Unmarshal([]byte(row.ToolsUsedJSON), &names) == nil {
		for _, n := range names {
			run.ToolsUsed = append(run.ToolsUsed, tool.Tool(n))
		}
	}
	return run
}

func marshalTools(tools []tool.Tool) string {
	raw, _ := json.Marshal(tool.Names(tools))
	return string(raw)
}

func unmarshalTools(stored string) []tool.Tool {
	var names []string
	if err := json.Unmarshal([]byte(stored), &names); err != nil {
		return tool.Normalize(nil)
	}
	return tool.Normalize(names)
}
