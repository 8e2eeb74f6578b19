package services

import (
	"context"
	"sync"

	"github.com/docshare/vault/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// accountingLockKey identifies the postgres advisory lock shared by every
// incremental mutation and taken exclusively by a bulk recalculation.
const accountingLockKey int64 = 0x7661756c74

// Delta is a change to a container's (size, file_count) aggregate.
type Delta struct {
	Size      int64
	FileCount int64
}

func (d Delta) Neg() Delta {
	return Delta{Size: -d.Size, FileCount: -d.FileCount}
}

func (d Delta) IsZero() bool {
	return d.Size == 0 && d.FileCount == 0
}

// OwnAggregate is what a node contributes to each of its ancestors.
func OwnAggregate(node *models.Node) Delta {
	if node.NodeType == models.NodeTypeFile {
		return Delta{Size: node.Size, FileCount: 1}
	}
	return Delta{Size: node.Size, FileCount: node.FileCount}
}

// AccountingService keeps container aggregates consistent. Incremental
// deltas are applied inside the caller's transaction; Recalculate rebuilds
// every aggregate from scratch while incremental mutations are held off.
type AccountingService struct {
	DB *gorm.DB

	mu sync.RWMutex
}

func NewAccountingService(db *gorm.DB) *AccountingService {
	return &AccountingService{DB: db}
}

// mutate runs fn in a transaction that holds the shared side of the
// accounting lock.
func (a *AccountingService) mutate(ctx context.Context, fn func(tx *gorm.DB) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if isPostgres(tx) {
			if err := tx.Exec("SELECT pg_advisory_xact_lock_shared(?)", accountingLockKey).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

// exclusive runs fn in a transaction with incremental accounting suspended.
func (a *AccountingService) exclusive(ctx context.Context, fn func(tx *gorm.DB) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if isPostgres(tx) {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", accountingLockKey).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

func isPostgres(tx *gorm.DB) bool {
	return tx.Dialector != nil && tx.Dialector.Name() == "postgres"
}

// apply adds d to every listed container with a relative update, so
// concurrent transactions touching the same ancestor never lose a delta.
func (a *AccountingService) apply(tx *gorm.DB, ids []uuid.UUID, d Delta) error {
	if len(ids) == 0 || d.IsZero() {
		return nil
	}
	return tx.Exec(
		"UPDATE nodes SET size = size + ?, file_count = file_count + ? WHERE id IN ?",
		d.Size, d.FileCount, ids,
	).Error
}

func (a *AccountingService) onInsert(tx *gorm.DB, node *models.Node) error {
	if node.NodeType != models.NodeTypeFile || node.Deleted {
		return nil
	}
	ancestors, err := node.AncestorIDs()
	if err != nil {
		return err
	}
	return a.apply(tx, ancestors, Delta{Size: node.Size, FileCount: 1})
}

func (a *AccountingService) onResize(tx *gorm.DB, node *models.Node, sizeDelta int64) error {
	if node.Deleted {
		return nil
	}
	ancestors, err := node.AncestorIDs()
	if err != nil {
		return err
	}
	return a.apply(tx, ancestors, Delta{Size: sizeDelta})
}

// onSoftDelete subtracts the subtree root's aggregate once. The cascaded
// flags on descendants carry no delta of their own.
func (a *AccountingService) onSoftDelete(tx *gorm.DB, node *models.Node) error {
	ancestors, err := node.AncestorIDs()
	if err != nil {
		return err
	}
	return a.apply(tx, ancestors, OwnAggregate(node).Neg())
}

// onHardDelete mirrors onSoftDelete unless the subtree was already
// subtracted by an earlier soft delete.
func (a *AccountingService) onHardDelete(tx *gorm.DB, node *models.Node) error {
	if node.Deleted {
		return nil
	}
	return a.onSoftDelete(tx, node)
}

// onMove transfers the node's aggregate from the old ancestor chain to the
// new one. Ancestors shared by both chains (the lowest common ancestor and
// above) see no change.
func (a *AccountingService) onMove(tx *gorm.DB, node *models.Node, from, to []uuid.UUID) error {
	common := 0
	for common < len(from) && common < len(to) && from[common] == to[common] {
		common++
	}

	d := OwnAggregate(node)
	if err := a.apply(tx, from[common:], d.Neg()); err != nil {
		return err
	}
	return a.apply(tx, to[common:], d)
}
