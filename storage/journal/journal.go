// Package journal records activation fee payments so a fee paid for a request
// whose creation failed can be bound to the next request instead of being
// paid twice.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// FeeStatus is the lifecycle state of a fee payment.
type FeeStatus string

const (
	// StatusPending marks a payment journaled but not yet confirmed sent.
	StatusPending FeeStatus = "PENDING"
	// StatusSent marks a paid fee not bound to any request.
	StatusSent FeeStatus = "SENT"
	// StatusReserved marks a paid fee held by an in-flight request creation.
	StatusReserved FeeStatus = "RESERVED"
	// StatusBound marks a fee consumed by a created request.
	StatusBound FeeStatus = "BOUND"
	// StatusFailed marks a payment the wallet refused.
	StatusFailed FeeStatus = "FAILED"
)

var (
	// ErrNotFound is returned for unknown fee ids.
	ErrNotFound = errors.New("journal: fee not found")
	// ErrInvalidTransition is returned when a fee is not in the state an
	// operation requires.
	ErrInvalidTransition = errors.New("journal: invalid fee transition")
)

// FeePayment is one activation fee transfer. ID doubles as the idempotency key.
type FeePayment struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	FiatAmount string    `gorm:"size:64;not null"`
	Currency   string    `gorm:"size:8;not null"`
	AmountSats int64     `gorm:"not null"`
	FeeSats    int64
	Recipient  string    `gorm:"size:256;not null"`
	Status     FeeStatus `gorm:"size:16;index"`
	TxID       string    `gorm:"size:128;index"`
	RequestID  string    `gorm:"size:128;index"`
	Error      string    `gorm:"size:512"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Journal persists fee payments through gorm.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the configured driver ("sqlite" or "postgres") and
// migrates the schema.
func Open(driver, dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// AutoMigrate performs the journal schema migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&FeePayment{})
}

// Close releases the database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Begin journals a payment about to be sent.
func (j *Journal) Begin(ctx context.Context, fee FeePayment) (*FeePayment, error) {
	if fee.AmountSats <= 0 {
		return nil, fmt.Errorf("journal: amount must be positive")
	}
	if strings.TrimSpace(fee.Recipient) == "" {
		return nil, fmt.Errorf("journal: recipient required")
	}
	if fee.ID == uuid.Nil {
		fee.ID = uuid.New()
	}
	fee.Status = StatusPending
	fee.TxID = ""
	fee.RequestID = ""
	if err := j.db.WithContext(ctx).Create(&fee).Error; err != nil {
		return nil, err
	}
	return &fee, nil
}

// MarkSent records the transfer of a pending payment.
func (j *Journal) MarkSent(ctx context.Context, id uuid.UUID, txID string, feeSats int64) error {
	return j.transition(ctx, id, StatusPending, map[string]interface{}{
		"status":   StatusSent,
		"tx_id":    strings.TrimSpace(txID),
		"fee_sats": feeSats,
	})
}

// MarkFailed records a payment the wallet did not send.
func (j *Journal) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return j.transition(ctx, id, StatusPending, map[string]interface{}{
		"status": StatusFailed,
		"error":  reason,
	})
}

// Reserve claims the oldest paid, unbound fee for a request creation. It
// returns nil when none is available.
func (j *Journal) Reserve(ctx context.Context) (*FeePayment, error) {
	for attempt := 0; attempt < 5; attempt++ {
		var fee FeePayment
		err := j.db.WithContext(ctx).
			Where("status = ?", StatusSent).
			Order("created_at asc").
			First(&fee).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		err = j.transition(ctx, fee.ID, StatusSent, map[string]interface{}{"status": StatusReserved})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		fee.Status = StatusReserved
		return &fee, nil
	}
	return nil, nil
}

// ReserveFee reserves a specific paid fee.
func (j *Journal) ReserveFee(ctx context.Context, id uuid.UUID) error {
	return j.transition(ctx, id, StatusSent, map[string]interface{}{"status": StatusReserved})
}

// Release returns a reserved fee to the unbound pool.
func (j *Journal) Release(ctx context.Context, id uuid.UUID) error {
	return j.transition(ctx, id, StatusReserved, map[string]interface{}{"status": StatusSent})
}

// Bind attaches a reserved fee to the request it paid for.
func (j *Journal) Bind(ctx context.Context, id uuid.UUID, requestID string) error {
	if strings.TrimSpace(requestID) == "" {
		return fmt.Errorf("journal: request id required")
	}
	return j.transition(ctx, id, StatusReserved, map[string]interface{}{
		"status":     StatusBound,
		"request_id": strings.TrimSpace(requestID),
	})
}

// Get loads a fee by id.
func (j *Journal) Get(ctx context.Context, id uuid.UUID) (*FeePayment, error) {
	var fee FeePayment
	err := j.db.WithContext(ctx).First(&fee, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fee, nil
}

// Unbound lists fees that were paid, or may have been paid, without a
// request to show for them.
func (j *Journal) Unbound(ctx context.Context) ([]FeePayment, error) {
	var fees []FeePayment
	err := j.db.WithContext(ctx).
		Where("status IN ?", []FeeStatus{StatusPending, StatusSent, StatusReserved}).
		Order("created_at asc").
		Find(&fees).Error
	return fees, err
}

func (j *Journal) transition(ctx context.Context, id uuid.UUID, from FeeStatus, updates map[string]interface{}) error {
	updates["updated_at"] = j.now().UTC()
	res := j.db.WithContext(ctx).
		Model(&FeePayment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := j.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is not %s", ErrInvalidTransition, id, from)
	}
	return nil
}
