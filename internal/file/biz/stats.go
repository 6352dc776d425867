package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// 大小区间边界（字节）。超过 SizeBucketLargeMax 的文件不计入任何区间。
const (
	SizeBucketSmallMax  int64 = 1 << 20    // 1 MiB
	SizeBucketMediumMax int64 = 10 << 20   // 10 MiB
	SizeBucketLargeMax  int64 = 1000 << 20 // 1000 MiB
)

// 统计缓存键
const (
	cacheKeyTypes   = "cache:files:types"
	cacheKeySavings = "cache:files:savings"
	cacheKeyStats   = "cache:files:stats"
)

// TypeCount 按 MIME 主类型的计数
type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// SizeBucket 大小区间 [Min, Max) 的计数
type SizeBucket struct {
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
	Count int64 `json:"count"`
}

// SizeDistribution 固定三档大小分布
type SizeDistribution struct {
	Small  SizeBucket `json:"small"`
	Medium SizeBucket `json:"medium"`
	Large  SizeBucket `json:"large"`
}

// NewSizeDistribution 返回边界已填充、计数为零的分布
func NewSizeDistribution() *SizeDistribution {
	return &SizeDistribution{
		Small:  SizeBucket{Min: 0, Max: SizeBucketSmallMax},
		Medium: SizeBucket{Min: SizeBucketSmallMax, Max: SizeBucketMediumMax},
		Large:  SizeBucket{Min: SizeBucketMediumMax, Max: SizeBucketLargeMax},
	}
}

// MonthCount 按月份（YYYY-MM）的计数
type MonthCount struct {
	Month string `json:"month"`
	Count int64  `json:"count"`
}

// SavingsSummary 去重节省汇总
type SavingsSummary struct {
	TotalBytesSaved      int64   `json:"total_bytes_saved"`
	TotalDuplicateCount  int64   `json:"total_duplicate_count"`
	TotalFiles           int64   `json:"total_files"`
	EfficiencyPercentage float64 `json:"efficiency_percentage"`
	FormattedBytesSaved  string  `json:"formatted_bytes_saved"`
}

// StatsReport 聚合统计报告
type StatsReport struct {
	TotalFiles           int64             `json:"total_files"`
	TotalSize            int64             `json:"total_size"`
	DuplicateCount       int64             `json:"duplicate_count"`
	BytesSaved           int64             `json:"bytes_saved"`
	EfficiencyPercentage float64           `json:"efficiency_percentage"`
	FileTypes            []TypeCount       `json:"file_types"`
	SizeDistribution     *SizeDistribution `json:"size_distribution"`
	DateDistribution     []MonthCount      `json:"date_distribution"`
}

// safeRatio 分母为零时返回 0
func safeRatio(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

// EfficiencyPercentage 去重效率：节省字节数占理论总字节数
// （实际存量 + 节省）的百分比，保留两位小数。
// 取值范围 [0, 100)，四舍五入不得越过上界。
func EfficiencyPercentage(bytesSaved, totalSize int64) float64 {
	pct := safeRatio(float64(bytesSaved), float64(totalSize+bytesSaved)) * 100
	pct = math.Round(pct*100) / 100
	if pct >= 100 {
		pct = 99.99
	}
	return pct
}

// FormatBytes 人类可读的字节数（1024 进制，两位小数）
func FormatBytes(size int64) string {
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB", "TB"} {
		if value < 1024 {
			return fmt.Sprintf("%.2f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.2f PB", value)
}

// FileTypes 按 MIME 主类型统计文件数量
func (uc *FileUseCase) FileTypes(ctx context.Context) ([]TypeCount, error) {
	var cached []TypeCount
	if uc.cacheGet(ctx, cacheKeyTypes, &cached) {
		return cached, nil
	}

	types, err := uc.fileRepo.TypeCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate file types: %w", err)
	}

	uc.cacheSet(ctx, cacheKeyTypes, types)
	return types, nil
}

// StorageSavings 去重节省汇总
func (uc *FileUseCase) StorageSavings(ctx context.Context) (*SavingsSummary, error) {
	cached := &SavingsSummary{}
	if uc.cacheGet(ctx, cacheKeySavings, cached) {
		return cached, nil
	}

	totals, err := uc.savingRepo.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum storage savings: %w", err)
	}

	totalFiles, err := uc.fileRepo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	totalSize, err := uc.fileRepo.SumSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum file sizes: %w", err)
	}

	// totalSize 含 duplicate 的逻辑大小；实际存量 = totalSize - 节省
	storedSize := totalSize - totals.TotalBytesSaved

	summary := &SavingsSummary{
		TotalBytesSaved:      totals.TotalBytesSaved,
		TotalDuplicateCount:  totals.TotalDuplicateCount,
		TotalFiles:           totalFiles,
		EfficiencyPercentage: EfficiencyPercentage(totals.TotalBytesSaved, storedSize),
		FormattedBytesSaved:  FormatBytes(totals.TotalBytesSaved),
	}

	uc.cacheSet(ctx, cacheKeySavings, summary)
	return summary, nil
}

// Stats 聚合统计报告
func (uc *FileUseCase) Stats(ctx context.Context) (*StatsReport, error) {
	cached := &StatsReport{}
	if uc.cacheGet(ctx, cacheKeyStats, cached) {
		return cached, nil
	}

	totalFiles, err := uc.fileRepo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}

	totalSize, err := uc.fileRepo.SumSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum file sizes: %w", err)
	}

	duplicateCount, err := uc.fileRepo.CountDuplicates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count duplicates: %w", err)
	}

	totals, err := uc.savingRepo.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum storage savings: %w", err)
	}

	types, err := uc.fileRepo.TypeCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate file types: %w", err)
	}

	sizes, err := uc.fileRepo.SizeBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate size distribution: %w", err)
	}

	months, err := uc.fileRepo.MonthlyCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate monthly distribution: %w", err)
	}

	storedSize := totalSize - totals.TotalBytesSaved

	report := &StatsReport{
		TotalFiles:           totalFiles,
		TotalSize:            totalSize,
		DuplicateCount:       duplicateCount,
		BytesSaved:           totals.TotalBytesSaved,
		EfficiencyPercentage: EfficiencyPercentage(totals.TotalBytesSaved, storedSize),
		FileTypes:            types,
		SizeDistribution:     sizes,
		DateDistribution:     months,
	}

	uc.cacheSet(ctx, cacheKeyStats, report)
	return report, nil
}

// cacheGet 读缓存，未命中或出错返回 false（缓存故障不影响查询）
func (uc *FileUseCase) cacheGet(ctx context.Context, key string, dest interface{}) bool {
	if uc.cache == nil {
		return false
	}
	val, ok, err := uc.cache.Get(ctx, key)
	if err != nil {
		uc.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		uc.logger.Warn("cache entry corrupted", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (uc *FileUseCase) cacheSet(ctx context.Context, key string, value interface{}) {
	if uc.cache == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		uc.logger.Warn("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := uc.cache.Set(ctx, key, string(data), uc.cacheTTL); err != nil {
		uc.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// invalidateStatsCaches 上传成功后清除统计缓存
func (uc *FileUseCase) invalidateStatsCaches(ctx context.Context) {
	if uc.cache == nil {
		return
	}
	if err := uc.cache.Del(ctx, cacheKeyTypes, cacheKeySavings, cacheKeyStats); err != nil {
		uc.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}
