package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"taskgate/cli/internal/db"
	"taskgate/cli/internal/logging"
)

var ErrInsufficientCredits = errors.New("insufficient credits")

// Transaction types carried in the type column.
const (
	TypeSubscription = "subscription"
	TypePurchase     = "purchase"
	TypeUsage        = "usage"
	TypeRefund       = "refund"
	TypeBonus        = "bonus"
)

// Entry is one requested balance change. Amount is always positive; Credit
// and Debit decide the sign of the stored row.
type Entry struct {
	TenantID    string
	UserID      string
	Amount      int64
	Type        string
	Description string
	Metadata    map[string]any
}

// Ledger is an append-only credit ledger. Rows are never updated or deleted;
// the balance is the balance_after of the newest row. Read-then-append is
// serialized per tenant so concurrent debits cannot overdraw.
type Ledger struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

func New(gdb *gorm.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Ledger{
		db:      gdb,
		logger:  logger,
		now:     time.Now,
		tenants: map[string]*sync.Mutex{},
	}
}

func (l *Ledger) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.tenants[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		l.tenants[tenantID] = lock
	}
	return lock
}

// GetBalance returns the tenant's current balance, 0 for a tenant with no
// transactions.
func (l *Ledger) GetBalance(tenantID string) (int64, error) {
	return l.latestBalance(strings.TrimSpace(tenantID))
}

func (l *Ledger) latestBalance(tenantID string) (int64, error) {
	var row db.CreditTransaction
	err := l.db.
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance for %s: %w", tenantID, err)
	}
	return row.BalanceAfter, nil
}

// HasCredits reports whether the tenant can afford amount right now. The
// answer can go stale immediately; Debit re-checks under the tenant lock.
func (l *Ledger) HasCredits(tenantID string, amount int64) (bool, error) {
	balance, err := l.GetBalance(tenantID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// Credit appends a positive transaction and returns the new balance.
func (l *Ledger) Credit(e Entry) (int64, error) {
	e.TenantID = strings.TrimSpace(e.TenantID)
	if err := validate(e); err != nil {
		return 0, err
	}
	if e.Type == "" {
		e.Type = TypePurchase
	}

	lock := l.tenantLock(e.TenantID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.latestBalance(e.TenantID)
	if err != nil {
		return 0, err
	}
	after := balance + e.Amount
	if err := l.append(e, e.Amount, after); err != nil {
		return 0, err
	}
	l.logger.Info("credits added", "tenant", e.TenantID, "amount", e.Amount, "balance", after, "type", e.Type)
	return after, nil
}

// Debit appends a negative transaction and returns the new balance. A debit
// that would take the balance below zero is rejected with
// ErrInsufficientCredits and nothing is written.
func (l *Ledger) Debit(e Entry) (int64, error) {
	e.TenantID = strings.TrimSpace(e.TenantID)
	if err := validate(e); err != nil {
		return 0, err
	}
	if e.Type == "" {
		e.Type = TypeUsage
	}

	lock := l.tenantLock(e.TenantID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := l.latestBalance(e.TenantID)
	if err != nil {
		return 0, err
	}
	if balance < e.Amount {
		return balance, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, balance, e.Amount)
	}
	after := balance - e.Amount
	if err := l.append(e, -e.Amount, after); err != nil {
		return 0, err
	}
	l.logger.Info("credits used", "tenant", e.TenantID, "amount", e.Amount, "balance", after, "type", e.Type)
	return after, nil
}

func (l *Ledger) append(e Entry, amount, balanceAfter int64) error {
	metadata := ""
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal transaction metadata: %w", err)
		}
		metadata = string(raw)
	}
	row := db.CreditTransaction{
		TenantID:     e.TenantID,
		UserID:       e.UserID,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Type:         e.Type,
		Description:  e.Description,
		MetadataJSON: metadata,
		CreatedAt:    l.now().UnixMilli(),
	}
	if err := l.db.Create(&row).Error; err != nil {
		return fmt.Errorf("append credit transaction: %w", err)
	}
	return nil
}

// History returns the tenant's transactions, newest first.
func (l *Ledger) History(tenantID string, limit int) ([]db.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []db.CreditTransaction
	err := l.db.
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read transactions for %s: %w", tenantID, err)
	}
	return rows, nil
}

func validate(e Entry) error {
	if strings.TrimSpace(e.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if e.Amount <= 0 {
		return fmt.Errorf("transaction amount must be positive, got %d", e.Amount)
	}
	return nil
}
