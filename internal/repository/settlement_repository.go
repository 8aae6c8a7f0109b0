package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otc-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound         = errors.New("settlement not found")
	ErrAlreadyExists    = errors.New("settlement already exists")
	ErrStatusRegression = errors.New("settlement status cannot move backwards")
	ErrTerminal         = errors.New("settlement is in a terminal status")
)

// SettlementRepository settlement registry. Status writes are monotonic:
// an update that would move a settlement backwards or out of a terminal
// status is refused.
type SettlementRepository interface {
	// Insert stores a new settlement at status created. A duplicate id returns ErrAlreadyExists.
	Insert(ctx context.Context, s *models.Settlement) error
	Get(ctx context.Context, id string) (*models.Settlement, error)
	// UpdateStatus moves a settlement forward and applies mutate to it in the same write
	UpdateStatus(ctx context.Context, id string, next models.SettlementStatus, mutate func(*models.Settlement)) (*models.Settlement, error)
	// CompareAndSetStatus moves from expected to next only if the stored status is still expected
	CompareAndSetStatus(ctx context.Context, id string, expected, next models.SettlementStatus, mutate func(*models.Settlement)) (bool, error)
	// Patch updates fields without touching the status
	Patch(ctx context.Context, id string, mutate func(*models.Settlement)) error
	ListByStatus(ctx context.Context, statuses ...models.SettlementStatus) ([]*models.Settlement, error)
	List(ctx context.Context, status models.SettlementStatus, limit int) ([]*models.Settlement, error)
	CountByStatus(ctx context.Context) (map[models.SettlementStatus]int64, error)

	RecordFailure(ctx context.Context, f *models.StepFailure) error
	ListFailures(ctx context.Context, settlementID string) ([]*models.StepFailure, error)
	ResolveFailures(ctx context.Context, settlementID string, step models.SettlementStep, txHash string) error
}

func checkTransition(current, next models.SettlementStatus) error {
	if current.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, current)
	}
	if !current.CanAdvanceTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, current, next)
	}
	return nil
}

// settlementRepository implements SettlementRepository on PostgreSQL
type settlementRepository struct {
	db *gorm.DB
}

// NewSettlementRepository creates a new gorm-backed SettlementRepository
func NewSettlementRepository(db *gorm.DB) SettlementRepository {
	return &settlementRepository{db: db}
}

func (r *settlementRepository) Insert(ctx context.Context, s *models.Settlement) error {
	s.ID = models.NormalizeSettlementID(s.ID)
	if s.Status == "" {
		s.Status = models.SettlementStatusCreated
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(s)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (r *settlementRepository) Get(ctx context.Context, id string) (*models.Settlement, error) {
	var s models.Settlement
	err := r.db.WithContext(ctx).Where("id = ?", models.NormalizeSettlementID(id)).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *settlementRepository) UpdateStatus(ctx context.Context, id string, next models.SettlementStatus, mutate func(*models.Settlement)) (*models.Settlement, error) {
	var updated *models.Settlement
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Settlement
		if err := lockSettlement(tx, id, &s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := checkTransition(s.Status, next); err != nil {
			return err
		}
		s.Status = next
		if mutate != nil {
			mutate(&s)
		}
		s.UpdatedAt = time.Now()
		if err := tx.Save(&s).Error; err != nil {
			return err
		}
		updated = &s
		return nil
	})
	return updated, err
}

func (r *settlementRepository) CompareAndSetStatus(ctx context.Context, id string, expected, next models.SettlementStatus, mutate func(*models.Settlement)) (bool, error) {
	if err := checkTransition(expected, next); err != nil {
		return false, err
	}
	id = models.NormalizeSettlementID(id)

	swapped := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Settlement
		if err := lockSettlement(tx, id, &s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if s.Status != expected {
			return nil
		}
		s.Status = next
		if mutate != nil {
			mutate(&s)
		}
		s.UpdatedAt = time.Now()

		// the status predicate makes the write itself the compare step
		result := tx.Model(&models.Settlement{}).
			Where("id = ? AND status = ?", id, expected).
			Select("*").
			Updates(&s)
		if result.Error != nil {
			return result.Error
		}
		swapped = result.RowsAffected == 1
		return nil
	})
	return swapped, err
}

func (r *settlementRepository) Patch(ctx context.Context, id string, mutate func(*models.Settlement)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Settlement
		if err := lockSettlement(tx, id, &s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		mutate(&s)
		s.UpdatedAt = time.Now()
		return updateFieldsExceptStatus(tx, &s).Error
	})
}

// lockSettlement reads the row FOR UPDATE so concurrent writers queue behind each other
func lockSettlement(tx *gorm.DB, id string, s *models.Settlement) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", models.NormalizeSettlementID(id)).
		First(s)
}

// updateFieldsExceptStatus writes every column but status, which only
// UpdateStatus and CompareAndSetStatus may change
func updateFieldsExceptStatus(tx *gorm.DB, s *models.Settlement) *gorm.DB {
	return tx.Model(&models.Settlement{}).
		Where("id = ?", s.ID).
		Select("*").
		Omit("id", "status", "created_at").
		Updates(s)
}

func (r *settlementRepository) ListByStatus(ctx context.Context, statuses ...models.SettlementStatus) ([]*models.Settlement, error) {
	var settlements []*models.Settlement
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&settlements).Error
	return settlements, err
}

func (r *settlementRepository) List(ctx context.Context, status models.SettlementStatus, limit int) ([]*models.Settlement, error) {
	var settlements []*models.Settlement
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&settlements).Error
	return settlements, err
}

func (r *settlementRepository) CountByStatus(ctx context.Context) (map[models.SettlementStatus]int64, error) {
	var rows []struct {
		Status models.SettlementStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Settlement{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.SettlementStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *settlementRepository) RecordFailure(ctx context.Context, f *models.StepFailure) error {
	f.SettlementID = models.NormalizeSettlementID(f.SettlementID)
	return r.db.WithContext(ctx).Create(f).Error
}

func (r *settlementRepository) ListFailures(ctx context.Context, settlementID string) ([]*models.StepFailure, error) {
	var failures []*models.StepFailure
	err := r.db.WithContext(ctx).
		Where("settlement_id = ?", models.NormalizeSettlementID(settlementID)).
		Order("created_at ASC").
		Find(&failures).Error
	return failures, err
}

func (r *settlementRepository) ResolveFailures(ctx context.Context, settlementID string, step models.SettlementStep, txHash string) error {
	updates := map[string]interface{}{"resolved_at": time.Now()}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}
	return r.db.WithContext(ctx).
		Model(&models.StepFailure{}).
		Where("settlement_id = ? AND step = ? AND resolved_at IS NULL", models.NormalizeSettlementID(settlementID), step).
		Updates(updates).Error
}
