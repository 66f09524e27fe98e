package db

import (
	"errors"

	"gorm.io/gorm"
)

// SyncSchema creates/updates tables and indexes from models. Table structure
// changes do not use versioned migrations.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(
		&Agent{},
		&AgentRun{},
		&CreditTransaction{},
		&Subscription{},
	); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_tenant_created ON credit_transactions(tenant_id, created_at DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_agent_created ON agent_runs(agent_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_tenant_created ON agents(tenant_id, created_at ASC);`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
