package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecalcRow is the slice of a node the bulk recalculation needs.
type RecalcRow struct {
	ID        uuid.UUID
	ParentID  *uuid.UUID
	Path      string
	Size      *int64
	FileCount *int64
	NodeType  models.NodeType
}

// Aggregate is the recomputed (size, file_count) of one container.
type Aggregate struct {
	NodeID    uuid.UUID
	Size      int64
	FileCount int64
}

type RecalculateOptions struct {
	DryRun bool
	// CountContainers adds one to a parent's file_count for every non-empty
	// child container, reproducing the historical figures. Leave it off to
	// get values identical to the incremental engine.
	CountContainers bool
}

type RecalculateReport struct {
	Rows       int
	Containers int
	Changed    int
	DryRun     bool
	Duration   time.Duration
}

var errDryRunRollback = errors.New("dry run rollback")

type recalcFrame struct {
	id          uuid.UUID
	size        int64
	fileCount   int64
	hasChildren bool
}

// SortRecalcRows orders rows by the component sequence of their paths,
// which is a depth-first pre-order walk of the forest.
func SortRecalcRows(rows []RecalcRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		return comparePaths(models.SplitPath(rows[i].Path), models.SplitPath(rows[j].Path)) < 0
	})
}

func comparePaths(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return len(a) - len(b)
}

// CalculateParentSizes walks pre-ordered rows once, keeping a stack of open
// containers, and calls emit with the final aggregate of every container as
// soon as its subtree has been fully walked.
func CalculateParentSizes(rows []RecalcRow, countContainers bool, emit func(Aggregate) error) error {
	var stack []*recalcFrame

	pop := func() error {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := emit(Aggregate{NodeID: top.id, Size: top.size, FileCount: top.fileCount}); err != nil {
			return err
		}
		if len(stack) > 0 {
			parent := stack[len(stack)-1]
			parent.size += top.size
			parent.fileCount += top.fileCount
			if countContainers && top.hasChildren {
				parent.fileCount++
			}
		}
		return nil
	}

	for i, row := range rows {
		components := models.SplitPath(row.Path)

		if row.NodeType.IsContainer() {
			if len(stack) > 0 {
				stack[len(stack)-1].hasChildren = true
			}
			stack = append(stack, &recalcFrame{id: row.ID})
		} else {
			parentID := fileParent(row, components)
			for len(stack) > 0 && stack[len(stack)-1].id.String() != parentID {
				if err := pop(); err != nil {
					return err
				}
			}
			if len(stack) == 0 {
				logger.Warn("recalculate_orphan_file", map[string]interface{}{
					"node_id": row.ID.String(),
					"path":    row.Path,
				})
			} else {
				top := stack[len(stack)-1]
				if row.Size != nil {
					top.size += *row.Size
				}
				top.fileCount++
				top.hasChildren = true
			}
			components = components[:len(components)-1]
		}

		var next []string
		if i+1 < len(rows) {
			next = models.SplitPath(rows[i+1].Path)
		}
		for j := len(components) - 1; j >= 0; j-- {
			if j < len(next) && components[j] == next[j] {
				continue
			}
			if len(stack) > 0 && stack[len(stack)-1].id.String() == components[j] {
				if err := pop(); err != nil {
					return err
				}
			}
		}
	}

	for len(stack) > 0 {
		if err := pop(); err != nil {
			return err
		}
	}
	return nil
}

func fileParent(row RecalcRow, components []string) string {
	if row.ParentID != nil {
		return row.ParentID.String()
	}
	if len(components) < 2 {
		return ""
	}
	return components[len(components)-2]
}

// Recalculate rebuilds every container aggregate from the live FILE nodes.
// Incremental accounting is suspended for the whole run; a dry run computes
// and writes inside the transaction and then rolls it back.
func (a *AccountingService) Recalculate(ctx context.Context, opts RecalculateOptions) (*RecalculateReport, error) {
	report := &RecalculateReport{DryRun: opts.DryRun}
	start := time.Now()

	err := a.exclusive(ctx, func(tx *gorm.DB) error {
		var rows []RecalcRow
		if err := tx.Model(&models.Node{}).
			Select("id", "parent_id", "path", "size", "file_count", "node_type").
			Find(&rows).Error; err != nil {
			return err
		}
		SortRecalcRows(rows)
		report.Rows = len(rows)

		current := make(map[uuid.UUID]Aggregate, len(rows))
		for _, row := range rows {
			if !row.NodeType.IsContainer() {
				continue
			}
			agg := Aggregate{NodeID: row.ID}
			if row.Size != nil {
				agg.Size = *row.Size
			}
			if row.FileCount != nil {
				agg.FileCount = *row.FileCount
			}
			current[row.ID] = agg
		}

		err := CalculateParentSizes(rows, opts.CountContainers, func(agg Aggregate) error {
			report.Containers++
			if current[agg.NodeID] == agg {
				return nil
			}
			report.Changed++
			return tx.Model(&models.Node{}).Where("id = ?", agg.NodeID).UpdateColumns(map[string]interface{}{
				"size":       agg.Size,
				"file_count": agg.FileCount,
			}).Error
		})
		if err != nil {
			return err
		}
		if opts.DryRun {
			return errDryRunRollback
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDryRunRollback) {
		logger.Error("recalculate_failed", err, map[string]interface{}{
			"rows_seen": report.Rows,
		})
		return nil, err
	}

	report.Duration = time.Since(start)
	logger.Info("recalculate_finished", map[string]interface{}{
		"rows":        report.Rows,
		"containers":  report.Containers,
		"changed":     report.Changed,
		"dry_run":     report.DryRun,
		"duration_ms": report.Duration.Milliseconds(),
	})
	return report, nil
}
