package data

import (
	"context"
	"fmt"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"gorm.io/gorm"
)

// FilePO 文件记录持久化对象
//
// idx_files_canonical_hash 是 is_duplicate = false 上的部分唯一索引，
// 由数据库保证同一 content_hash 至多一条 canonical 记录。
type FilePO struct {
	ID              string    `gorm:"type:uuid;primaryKey"`
	ContentHash     string    `gorm:"type:varchar(64);not null;index:idx_files_content_hash;uniqueIndex:idx_files_canonical_hash,where:is_duplicate = false"`
	OriginalName    string    `gorm:"type:varchar(255);not null"`
	FileType        string    `gorm:"type:varchar(100);not null;index:idx_files_file_type"`
	Size            int64     `gorm:"not null"`
	UploadedAt      time.Time `gorm:"not null;index:idx_files_uploaded_at"`
	IsDuplicate     bool      `gorm:"not null;default:false"`
	ReferenceFileID *string   `gorm:"type:uuid"`
}

// TableName 指定表名
func (FilePO) TableName() string {
	return "files"
}

// sortColumns 排序字段白名单，键为请求参数（响应 JSON 的字段名），值为数据库列
var sortColumns = map[string]string{
	"id":                "id",
	"original_filename": "original_name",
	"original_name":     "original_name",
	"file_type":         "file_type",
	"size":              "size",
	"uploaded_at":       "uploaded_at",
	"is_duplicate":      "is_duplicate",
	"file_hash":         "content_hash",
}

// NormalizeSort 归一化排序参数，未识别字段回退 uploaded_at 降序
func NormalizeSort(sortBy string, desc bool) (string, bool) {
	col, ok := sortColumns[sortBy]
	if !ok {
		return "uploaded_at", true
	}
	return col, desc
}

func toFilePO(f *biz.File) *FilePO {
	po := &FilePO{
		ID:           f.ID,
		ContentHash:  f.ContentHash,
		OriginalName: f.OriginalName,
		FileType:     f.FileType,
		Size:         f.Size,
		UploadedAt:   f.UploadedAt,
		IsDuplicate:  f.IsDuplicate,
	}
	if f.ReferenceFileID != "" {
		ref := f.ReferenceFileID
		po.ReferenceFileID = &ref
	}
	return po
}

func toFileDomain(po *FilePO) *biz.File {
	f := &biz.File{
		ID:           po.ID,
		ContentHash:  po.ContentHash,
		OriginalName: po.OriginalName,
		FileType:     po.FileType,
		Size:         po.Size,
		UploadedAt:   po.UploadedAt,
		IsDuplicate:  po.IsDuplicate,
	}
	if po.ReferenceFileID != nil {
		f.ReferenceFileID = *po.ReferenceFileID
	}
	return f
}

// fileRepo 文件记录仓储实现
type fileRepo struct {
	db *database.DB
}

// NewFileRepo 创建文件记录仓储
func NewFileRepo(db *database.DB) biz.FileRepo {
	return &fileRepo{db: db}
}

// Create 创建文件记录。canonical 记录撞部分唯一索引时
// 翻译为 biz.ErrCanonicalExists，由用例层重试为 duplicate。
func (r *fileRepo) Create(ctx context.Context, f *biz.File) error {
	po := toFilePO(f)
	if err := r.db.GetDBFromContext(ctx).Create(po).Error; err != nil {
		if !f.IsDuplicate && database.IsDuplicateKeyError(err) {
			return biz.ErrCanonicalExists
		}
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

func (r *fileRepo) GetByID(ctx context.Context, id string) (*biz.File, error) {
	var po FilePO
	err := r.db.GetDBFromContext(ctx).Where("id = ?", id).First(&po).Error
	if err != nil {
		if database.IsRecordNotFoundError(err) {
			return nil, biz.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return toFileDomain(&po), nil
}

func (r *fileRepo) GetCanonicalByHash(ctx context.Context, contentHash string) (*biz.File, error) {
	var po FilePO
	err := r.db.GetDBFromContext(ctx).
		Where("content_hash = ? AND is_duplicate = false", contentHash).
		First(&po).Error
	if err != nil {
		if database.IsRecordNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get canonical record: %w", err)
	}
	return toFileDomain(&po), nil
}

// Search 过滤/排序/分页查询
func (r *fileRepo) Search(ctx context.Context, req *biz.SearchRequest) ([]*biz.File, int64, error) {
	f := req.Filters

	// WhereIf 的参数无条件求值，空指针先取默认值
	var minSize, maxSize int64
	if f.MinSize != nil {
		minSize = *f.MinSize
	}
	if f.MaxSize != nil {
		maxSize = *f.MaxSize
	}
	var startDate, endDate time.Time
	if f.StartDate != nil {
		startDate = *f.StartDate
	}
	if f.EndDate != nil {
		// 上界按整天包含
		endDate = f.EndDate.Add(24 * time.Hour)
	}

	query := r.db.GetDBFromContext(ctx).Model(&FilePO{}).Scopes(
		database.WhereIf(f.Query != "", "original_name ILIKE ?", "%"+f.Query+"%"),
		database.WhereIf(f.FileType != "" && f.FileType != "all", "file_type LIKE ?", f.FileType+"%"),
		database.WhereIf(f.MinSize != nil, "size >= ?", minSize),
		database.WhereIf(f.MaxSize != nil, "size <= ?", maxSize),
		database.WhereIf(f.StartDate != nil, "uploaded_at >= ?", startDate),
		database.WhereIf(f.EndDate != nil, "uploaded_at < ?", endDate),
	)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count search results: %w", err)
	}

	sortCol, sortDesc := NormalizeSort(req.SortBy, req.SortDesc)

	var pos []*FilePO
	err := query.
		Scopes(database.OrderBy(sortCol, sortDesc), database.Paginate(req.Page, req.PageSize)).
		Find(&pos).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search file records: %w", err)
	}

	files := make([]*biz.File, 0, len(pos))
	for _, po := range pos {
		files = append(files, toFileDomain(po))
	}
	return files, total, nil
}

func (r *fileRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.GetDBFromContext(ctx).Model(&FilePO{}).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count file records: %w", err)
	}
	return count, nil
}

func (r *fileRepo) CountDuplicates(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.GetDBFromContext(ctx).Model(&FilePO{}).
		Where("is_duplicate = true").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count duplicate records: %w", err)
	}
	return count, nil
}

func (r *fileRepo) SumSize(ctx context.Context) (int64, error) {
	var sum int64
	err := r.db.GetDBFromContext(ctx).Model(&FilePO{}).
		Select("COALESCE(SUM(size), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum file sizes: %w", err)
	}
	return sum, nil
}

// TypeCounts 按 MIME 主类型（斜杠前部分）分组计数
func (r *fileRepo) TypeCounts(ctx context.Context) ([]biz.TypeCount, error) {
	var rows []biz.TypeCount
	err := r.db.GetDBFromContext(ctx).Model(&FilePO{}).
		Select("split_part(file_type, '/', 1) AS type, COUNT(*) AS count").
		Group("split_part(file_type, '/', 1)").
		Order("count DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate type counts: %w", err)
	}
	return rows, nil
}

// SizeBuckets 单趟扫描统计三档大小分布，超出最大档的文件不计入
func (r *fileRepo) SizeBuckets(ctx context.Context) (*biz.SizeDistribution, error) {
	var row struct {
		Small  int64
		Medium int64
		Large  int64
	}
	err := r.db.GetDBFromContext(ctx).Raw(`
		SELECT
			COUNT(*) FILTER (WHERE size >= 0 AND size < ?) AS small,
			COUNT(*) FILTER (WHERE size >= ? AND size < ?) AS medium,
			COUNT(*) FILTER (WHERE size >= ? AND size < ?) AS large
		FROM files`,
		biz.SizeBucketSmallMax,
		biz.SizeBucketSmallMax, biz.SizeBucketMediumMax,
		biz.SizeBucketMediumMax, biz.SizeBucketLargeMax,
	).Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate size buckets: %w", err)
	}

	dist := biz.NewSizeDistribution()
	dist.Small.Count = row.Small
	dist.Medium.Count = row.Medium
	dist.Large.Count = row.Large
	return dist, nil
}

// MonthlyCounts 按上传月份分组计数，升序返回
func (r *fileRepo) MonthlyCounts(ctx context.Context) ([]biz.MonthCount, error) {
	var rows []biz.MonthCount
	err := r.db.GetDBFromContext(ctx).Model(&FilePO{}).
		Select("to_char(date_trunc('month', uploaded_at), 'YYYY-MM') AS month, COUNT(*) AS count").
		Group("to_char(date_trunc('month', uploaded_at), 'YYYY-MM')").
		Order("month ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate monthly counts: %w", err)
	}
	return rows, nil
}

// transactor 基于 database.DB 的事务实现，事务句柄通过 context 传递
type transactor struct {
	db *database.DB
}

// NewTransactor 创建事务执行器
func NewTransactor(db *database.DB) biz.Transactor {
	return &transactor{db: db}
}

// 序列化失败/死锁时自动重试，回调须可重入
const txRetries = 3

func (t *transactor) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.db.ExecuteWithRetry(ctx, txRetries, func(ctx context.Context, tx *gorm.DB) error {
		return fn(database.ContextWithTransaction(ctx, tx))
	})
}
