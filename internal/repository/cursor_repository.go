package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"otc-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorRepository persists the last fully processed block per scanner
type CursorRepository interface {
	// Load returns ok=false when no cursor has been saved yet
	Load(ctx context.Context, name string) (block uint64, ok bool, err error)
	Save(ctx context.Context, name string, block uint64) error
}

type cursorRepository struct {
	db *gorm.DB
}

// NewCursorRepository creates a gorm-backed CursorRepository
func NewCursorRepository(db *gorm.DB) CursorRepository {
	return &cursorRepository{db: db}
}

func (r *cursorRepository) Load(ctx context.Context, name string) (uint64, bool, error) {
	var cursor models.SyncCursor
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cursor.Block, true, nil
}

func (r *cursorRepository) Save(ctx context.Context, name string, block uint64) error {
	cursor := models.SyncCursor{Name: name, Block: block, UpdatedAt: time.Now()}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"block", "updated_at"}),
		}).
		Create(&cursor).Error
}

type memoryCursorRepository struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewMemoryCursorRepository creates an in-memory CursorRepository
func NewMemoryCursorRepository() CursorRepository {
	return &memoryCursorRepository{cursors: make(map[string]uint64)}
}

func (r *memoryCursorRepository) Load(ctx context.Context, name string) (uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	block, ok := r.cursors[name]
	return block, ok, nil
}

func (r *memoryCursorRepository) Save(ctx context.Context, name string, block uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[name] = block
	return nil
}
