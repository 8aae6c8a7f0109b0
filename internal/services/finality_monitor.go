package services

import (
	"context"
	"log"
	"sort"

	"otc-backend/internal/models"
	"otc-backend/internal/repository"
)

// FinalityMonitor decides when a funded settlement has enough confirmations.
// It holds no state beyond N; exactly-once execution is enforced by the
// orchestrator's status CAS.
type FinalityMonitor struct {
	repo          repository.SettlementRepository
	confirmations uint64
}

func NewFinalityMonitor(repo repository.SettlementRepository, confirmations uint64) *FinalityMonitor {
	return &FinalityMonitor{repo: repo, confirmations: confirmations}
}

func (m *FinalityMonitor) Confirmations() uint64 {
	return m.confirmations
}

// IsFinal currentBlock - fundedBlock >= N
func (m *FinalityMonitor) IsFinal(fundedBlock, currentBlock uint64) bool {
	return currentBlock >= fundedBlock && currentBlock-fundedBlock >= m.confirmations
}

// Eligible funded and finality_pending settlements that reached finality at currentBlock,
// ordered by funded block then id
func (m *FinalityMonitor) Eligible(ctx context.Context, currentBlock uint64) ([]*models.Settlement, error) {
	candidates, err := m.repo.ListByStatus(ctx, models.SettlementStatusFunded, models.SettlementStatusFinalityPending)
	if err != nil {
		return nil, err
	}

	eligible := make([]*models.Settlement, 0, len(candidates))
	for _, s := range candidates {
		if s.FundedBlock == 0 {
			log.Printf("⚠️ [FinalityMonitor] Settlement %s is %s without a funded block, skipping", s.ID, s.Status)
			continue
		}
		if m.IsFinal(s.FundedBlock, currentBlock) {
			eligible = append(eligible, s)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].FundedBlock != eligible[j].FundedBlock {
			return eligible[i].FundedBlock < eligible[j].FundedBlock
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible, nil
}
