package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"otc-backend/internal/models"
)

// memorySettlementRepository in-process registry used when no database is configured.
// Readers always receive clones.
type memorySettlementRepository struct {
	mu          sync.RWMutex
	settlements map[string]*models.Settlement
	failures    map[string][]*models.StepFailure
}

// NewMemorySettlementRepository creates an empty in-memory SettlementRepository
func NewMemorySettlementRepository() SettlementRepository {
	return &memorySettlementRepository{
		settlements: make(map[string]*models.Settlement),
		failures:    make(map[string][]*models.StepFailure),
	}
}

func (r *memorySettlementRepository) Insert(ctx context.Context, s *models.Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.ID = models.NormalizeSettlementID(s.ID)
	if _, exists := r.settlements[s.ID]; exists {
		return ErrAlreadyExists
	}
	if s.Status == "" {
		s.Status = models.SettlementStatusCreated
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	r.settlements[s.ID] = s.Clone()
	return nil
}

func (r *memorySettlementRepository) Get(ctx context.Context, id string) (*models.Settlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.settlements[models.NormalizeSettlementID(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (r *memorySettlementRepository) UpdateStatus(ctx context.Context, id string, next models.SettlementStatus, mutate func(*models.Settlement)) (*models.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.settlements[models.NormalizeSettlementID(id)]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkTransition(s.Status, next); err != nil {
		return nil, err
	}
	updated := s.Clone()
	updated.Status = next
	if mutate != nil {
		mutate(updated)
	}
	updated.Status = next
	updated.UpdatedAt = time.Now()
	r.settlements[updated.ID] = updated
	return updated.Clone(), nil
}

func (r *memorySettlementRepository) CompareAndSetStatus(ctx context.Context, id string, expected, next models.SettlementStatus, mutate func(*models.Settlement)) (bool, error) {
	if err := checkTransition(expected, next); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.settlements[models.NormalizeSettlementID(id)]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != expected {
		return false, nil
	}
	updated := s.Clone()
	if mutate != nil {
		mutate(updated)
	}
	updated.Status = next
	updated.UpdatedAt = time.Now()
	r.settlements[updated.ID] = updated
	return true, nil
}

func (r *memorySettlementRepository) Patch(ctx context.Context, id string, mutate func(*models.Settlement)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.settlements[models.NormalizeSettlementID(id)]
	if !ok {
		return ErrNotFound
	}
	updated := s.Clone()
	mutate(updated)
	updated.ID = s.ID
	updated.Status = s.Status
	updated.UpdatedAt = time.Now()
	r.settlements[s.ID] = updated
	return nil
}

func (r *memorySettlementRepository) ListByStatus(ctx context.Context, statuses ...models.SettlementStatus) ([]*models.Settlement, error) {
	want := make(map[models.SettlementStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	r.mu.RLock()
	var out []*models.Settlement
	for _, s := range r.settlements {
		if want[s.Status] {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memorySettlementRepository) List(ctx context.Context, status models.SettlementStatus, limit int) ([]*models.Settlement, error) {
	r.mu.RLock()
	var out []*models.Settlement
	for _, s := range r.settlements {
		if status == "" || s.Status == status {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memorySettlementRepository) CountByStatus(ctx context.Context) (map[models.SettlementStatus]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.SettlementStatus]int64)
	for _, s := range r.settlements {
		counts[s.Status]++
	}
	return counts, nil
}

func (r *memorySettlementRepository) RecordFailure(ctx context.Context, f *models.StepFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f.SettlementID = models.NormalizeSettlementID(f.SettlementID)
	cp := *f
	r.failures[f.SettlementID] = append(r.failures[f.SettlementID], &cp)
	return nil
}

func (r *memorySettlementRepository) ListFailures(ctx context.Context, settlementID string) ([]*models.StepFailure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.failures[models.NormalizeSettlementID(settlementID)]
	out := make([]*models.StepFailure, 0, len(stored))
	for _, f := range stored {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memorySettlementRepository) ResolveFailures(ctx context.Context, settlementID string, step models.SettlementStep, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range r.failures[models.NormalizeSettlementID(settlementID)] {
		if f.Step == step && f.ResolvedAt == nil {
			f.MarkResolved(txHash)
		}
	}
	return nil
}
