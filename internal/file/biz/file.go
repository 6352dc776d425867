package biz

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"go.uber.org/zap"
)

// 哨兵错误：仓储层将数据库约束冲突翻译为这些错误
var (
	// ErrCanonicalExists 同一 content_hash 的 canonical 记录已存在（唯一约束冲突）
	ErrCanonicalExists = errors.New("canonical record already exists for content hash")

	// ErrFileNotFound 文件记录不存在
	ErrFileNotFound = errors.New("file record not found")
)

// canonicalCreateRetries canonical 创建竞争时的重试次数
const canonicalCreateRetries = 3

// File 文件记录模型（每次上传一条，canonical 或 duplicate）
type File struct {
	ID              string
	ContentHash     string // 内容SHA256哈希（去重键）
	OriginalName    string
	FileType        string // MIME 类型，如 image/png
	Size            int64
	UploadedAt      time.Time
	IsDuplicate     bool
	ReferenceFileID string // duplicate 记录指向 canonical 记录的 ID；canonical 为空
}

// StorageSaving 每日去重节省统计
type StorageSaving struct {
	Date           time.Time
	BytesSaved     int64
	DuplicateCount int64
}

// SavingTotals 节省统计总和
type SavingTotals struct {
	TotalBytesSaved     int64
	TotalDuplicateCount int64
}

// FileRepo 文件记录仓储接口
type FileRepo interface {
	// Create 创建文件记录；canonical 记录撞唯一约束时返回 ErrCanonicalExists
	Create(ctx context.Context, f *File) error

	// GetByID 根据 ID 获取记录；不存在时返回 ErrFileNotFound
	GetByID(ctx context.Context, id string) (*File, error)

	// GetCanonicalByHash 获取指定哈希的 canonical 记录；不存在时返回 (nil, nil)
	GetCanonicalByHash(ctx context.Context, contentHash string) (*File, error)

	// Search 过滤/排序/分页查询
	Search(ctx context.Context, req *SearchRequest) ([]*File, int64, error)

	// Count 记录总数
	Count(ctx context.Context) (int64, error)

	// CountDuplicates duplicate 记录数
	CountDuplicates(ctx context.Context) (int64, error)

	// SumSize 所有记录的 size 总和（canonical + duplicate）
	SumSize(ctx context.Context) (int64, error)

	// TypeCounts 按 MIME 主类型分组计数
	TypeCounts(ctx context.Context) ([]TypeCount, error)

	// SizeBuckets 固定大小区间直方图
	SizeBuckets(ctx context.Context) (*SizeDistribution, error)

	// MonthlyCounts 按上传月份分组计数（按时间升序）
	MonthlyCounts(ctx context.Context) ([]MonthCount, error)
}

// SavingRepo 节省统计仓储接口
type SavingRepo interface {
	// AddSaving 原子地将 size 累加到 asOf 所在日期的 bucket
	AddSaving(ctx context.Context, asOf time.Time, size int64) error

	// Totals 所有 bucket 的总和
	Totals(ctx context.Context) (*SavingTotals, error)
}

// BlobStore 内容寻址的物理存储接口（MinIO）
type BlobStore interface {
	// Put 按哈希写入 blob；同一哈希重复写入为幂等操作
	Put(ctx context.Context, contentHash string, data []byte, contentType string) error

	// Get 按哈希读取 blob
	Get(ctx context.Context, contentHash string) ([]byte, error)

	// Exists 检查 blob 是否存在
	Exists(ctx context.Context, contentHash string) (bool, error)
}

// Cache 读路径缓存接口（Redis）
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Transactor 跨仓储事务接口
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Clock 时间源，注入以便测试（替代隐式的"当前时间"全局状态）
type Clock func() time.Time

// UploadRequest 上传请求
type UploadRequest struct {
	OriginalName string
	FileType     string
	Data         []byte
}

// FileUseCase 文件用例
type FileUseCase struct {
	fileRepo   FileRepo
	savingRepo SavingRepo
	blobs      BlobStore
	cache      Cache
	tx         Transactor
	clock      Clock
	cacheTTL   time.Duration
	logger     *logger.Logger
}

// NewFileUseCase 创建文件用例
func NewFileUseCase(
	fileRepo FileRepo,
	savingRepo SavingRepo,
	blobs BlobStore,
	cache Cache,
	tx Transactor,
	clock Clock,
	cacheTTL time.Duration,
	log *logger.Logger,
) *FileUseCase {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logger.L()
	}
	return &FileUseCase{
		fileRepo:   fileRepo,
		savingRepo: savingRepo,
		blobs:      blobs,
		cache:      cache,
		tx:         tx,
		clock:      clock,
		cacheTTL:   cacheTTL,
		logger:     log,
	}
}

// HashContent 计算内容指纹（SHA-256 十六进制）
func HashContent(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

// UploadFile 上传文件（内容去重）
//
// 同一哈希的 canonical 记录由 files 表的部分唯一索引保证至多一条。
// 并发上传未见过的相同内容时，落败方撞到唯一约束后重试，
// 重新读到胜出方的 canonical 记录并提交为 duplicate。
func (uc *FileUseCase) UploadFile(ctx context.Context, req *UploadRequest) (*File, error) {
	if req == nil || len(req.Data) == 0 {
		return nil, apperrors.New(apperrors.ErrFileEmpty)
	}

	fileType := req.FileType
	if fileType == "" {
		fileType = "application/octet-stream"
	}

	contentHash := HashContent(req.Data)
	size := int64(len(req.Data))

	for attempt := 0; attempt < canonicalCreateRetries; attempt++ {
		canonical, err := uc.fileRepo.GetCanonicalByHash(ctx, contentHash)
		if err != nil {
			return nil, fmt.Errorf("failed to check canonical record: %w", err)
		}

		now := uc.clock()

		if canonical != nil {
			// 已有 canonical：创建 duplicate 记录并累计节省，同一事务提交
			rec := &File{
				ID:              uuid.New().String(),
				ContentHash:     contentHash,
				OriginalName:    req.OriginalName,
				FileType:        fileType,
				Size:            size,
				UploadedAt:      now,
				IsDuplicate:     true,
				ReferenceFileID: canonical.ID,
			}

			err = uc.tx.Transaction(ctx, func(txCtx context.Context) error {
				if err := uc.fileRepo.Create(txCtx, rec); err != nil {
					return err
				}
				return uc.savingRepo.AddSaving(txCtx, now, size)
			})
			if err != nil {
				return nil, fmt.Errorf("failed to record duplicate: %w", err)
			}

			uc.invalidateStatsCaches(ctx)

			uc.logger.Info("duplicate content detected",
				zap.String("file_id", rec.ID),
				zap.String("content_hash", contentHash),
				zap.String("reference_file_id", canonical.ID),
				zap.Int64("bytes_saved", size))

			return rec, nil
		}

		// 新内容：先写 blob，再提交 canonical 记录。
		// Put 幂等，竞争落败方不会留下多余 blob。
		if err := uc.blobs.Put(ctx, contentHash, req.Data, fileType); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrFileStorageFailed)
		}

		rec := &File{
			ID:           uuid.New().String(),
			ContentHash:  contentHash,
			OriginalName: req.OriginalName,
			FileType:     fileType,
			Size:         size,
			UploadedAt:   now,
			IsDuplicate:  false,
		}

		err = uc.fileRepo.Create(ctx, rec)
		if err == nil {
			uc.invalidateStatsCaches(ctx)

			uc.logger.Info("new content stored",
				zap.String("file_id", rec.ID),
				zap.String("content_hash", contentHash),
				zap.Int64("size", size))

			return rec, nil
		}

		if errors.Is(err, ErrCanonicalExists) {
			// 并发竞争：对方已成为 canonical，重试为 duplicate
			uc.logger.Warn("lost canonical creation race, retrying as duplicate",
				zap.String("content_hash", contentHash),
				zap.Int("attempt", attempt+1))
			continue
		}

		return nil, fmt.Errorf("failed to create file record: %w", err)
	}

	return nil, apperrors.New(apperrors.ErrFileHashConflict, contentHash)
}

// GetFile 获取文件记录
func (uc *FileUseCase) GetFile(ctx context.Context, id string) (*File, error) {
	return uc.fileRepo.GetByID(ctx, id)
}

// DownloadFile 获取文件记录及其内容。
// duplicate 记录解析到 canonical 的 blob（相同哈希，相同对象键）。
func (uc *FileUseCase) DownloadFile(ctx context.Context, id string) (*File, []byte, error) {
	rec, err := uc.fileRepo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	data, err := uc.blobs.Get(ctx, rec.ContentHash)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrFileBlobMissing, rec.ContentHash)
	}

	return rec, data, nil
}
