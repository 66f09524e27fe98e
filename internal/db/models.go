package db

type Agent struct {
	AgentID      string `gorm:"column:agent_id;primaryKey"`
	TenantID     string `gorm:"column:tenant_id;not null;index"`
	Name         string `gorm:"column:name;not null;default:''"`
	Description  string `gorm:"column:description;not null;default:''"`
	SystemPrompt string `gorm:"column:system_prompt;not null;default:''"`
	Model        string `gorm:"column:model;not null;default:''"`
	ToolsJSON    string `gorm:"column:tools_json;not null;default:''"`
	IsDefault    bool   `gorm:"column:is_default;not null;default:false"`
	CreatedAt    int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt    int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Agent) TableName() string { return "agents" }

type AgentRun struct {
	RunID         string `gorm:"column:run_id;primaryKey"`
	AgentID       string `gorm:"column:agent_id;not null;index"`
	TenantID      string `gorm:"column:tenant_id;not null;index"`
	UserID        string `gorm:"column:user_id;not null;default:''"`
	Task          string `gorm:"column:task;not null;default:''"`
	Status        string `gorm:"column:status;not null;default:'pending'"`
	Result        string `gorm:"column:result;not null;default:''"`
	ErrorText     string `gorm:"column:error_text;not null;default:''"`
	CreditsUsed   int64  `gorm:"column:credits_used;not null;default:0"`
	ToolsUsedJSON string `gorm:"column:tools_used_json;not null;default:''"`
	StartedAt     int64  `gorm:"column:started_at;not null;default:0"`
	CompletedAt   int64  `gorm:"column:completed_at;not null;default:0"`
	CreatedAt     int64  `gorm:"column:created_at;not null;default:0"`
}

func (AgentRun) TableName() string { return "agent_runs" }

type CreditTransaction struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	TenantID     string `gorm:"column:tenant_id;not null;index"`
	UserID       string `gorm:"column:user_id;not null;default:''"`
	Amount       int64  `gorm:"column:amount;not null"`
	BalanceAfter int64  `gorm:"column:balance_after;not null"`
	Type         string `gorm:"column:type;not null"`
	Description  string `gorm:"column:description;not null;default:''"`
	MetadataJSON string `gorm:"column:metadata_json;not null;default:''"`
	CreatedAt    int64  `gorm:"column:created_at;not null;default:0"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

type Subscription struct {
	TenantID  string `gorm:"column:tenant_id;primaryKey"`
	PlanID    string `gorm:"column:plan_id;not null;default:'starter'"`
	Status    string `gorm:"column:status;not null;default:'active'"`
	UpdatedAt int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Subscription) TableName() string { return "subscriptions" }
