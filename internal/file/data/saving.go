package data

import (
	"context"
	"fmt"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StorageSavingPO 每日节省统计持久化对象，date 唯一
type StorageSavingPO struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	Date           time.Time `gorm:"type:date;not null;uniqueIndex:idx_storage_savings_date"`
	BytesSaved     int64     `gorm:"not null;default:0"`
	DuplicateCount int64     `gorm:"not null;default:0"`
}

// TableName 指定表名
func (StorageSavingPO) TableName() string {
	return "storage_savings"
}

// savingRepo 节省统计仓储实现
type savingRepo struct {
	db *database.DB
}

// NewSavingRepo 创建节省统计仓储
func NewSavingRepo(db *database.DB) biz.SavingRepo {
	return &savingRepo{db: db}
}

// AddSaving 将 size 累加到 asOf 所在 UTC 日期的 bucket。
// 单条 INSERT ... ON CONFLICT DO UPDATE 原子递增，并发累加不丢失。
func (r *savingRepo) AddSaving(ctx context.Context, asOf time.Time, size int64) error {
	day := asOf.UTC()
	date := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	po := &StorageSavingPO{
		Date:           date,
		BytesSaved:     size,
		DuplicateCount: 1,
	}

	err := r.db.GetDBFromContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"bytes_saved":     gorm.Expr("storage_savings.bytes_saved + ?", size),
			"duplicate_count": gorm.Expr("storage_savings.duplicate_count + 1"),
		}),
	}).Create(po).Error
	if err != nil {
		return fmt.Errorf("failed to add storage saving: %w", err)
	}
	return nil
}

// Totals 所有日期 bucket 的总和
func (r *savingRepo) Totals(ctx context.Context) (*biz.SavingTotals, error) {
	var row struct {
		TotalBytesSaved     int64
		TotalDuplicateCount int64
	}
	err := r.db.GetDBFromContext(ctx).Model(&StorageSavingPO{}).
		Select("COALESCE(SUM(bytes_saved), 0) AS total_bytes_saved, COALESCE(SUM(duplicate_count), 0) AS total_duplicate_count").
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum storage savings: %w", err)
	}
	return &biz.SavingTotals{
		TotalBytesSaved:     row.TotalBytesSaved,
		TotalDuplicateCount: row.TotalDuplicateCount,
	}, nil
}
