package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/response"
	"github.com/lk2023060901/filevault-backend/internal/pkg/workerpool"
	"go.uber.org/zap"
)

// FileService 文件 HTTP 服务
type FileService struct {
	fileUseCase *biz.FileUseCase
	uploadPool  *workerpool.Pool
	uploadCfg   conf.UploadConfig
	logger      *zap.Logger
}

// NewFileService 创建文件服务
func NewFileService(
	fileUseCase *biz.FileUseCase,
	uploadPool *workerpool.Pool,
	uploadCfg conf.UploadConfig,
	logger *zap.Logger,
) *FileService {
	return &FileService{
		fileUseCase: fileUseCase,
		uploadPool:  uploadPool,
		uploadCfg:   uploadCfg,
		logger:      logger,
	}
}

// RegisterRoutes 注册路由
func (s *FileService) RegisterRoutes(r *gin.RouterGroup) {
	files := r.Group("/files")
	{
		files.POST("", s.UploadFile)
		files.POST("/batch", s.BatchUploadFiles)
		files.GET("/search", s.SearchFiles)
		files.GET("/types", s.FileTypes)
		files.GET("/storage-savings", s.StorageSavings)
		files.GET("/stats", s.Stats)
		files.GET("/:id", s.GetFile)
		files.GET("/:id/download", s.DownloadFile)
	}
}

// FileResponse 文件记录响应
type FileResponse struct {
	ID               string  `json:"id"`
	OriginalFilename string  `json:"original_filename"`
	FileType         string  `json:"file_type"`
	Size             int64   `json:"size"`
	UploadedAt       string  `json:"uploaded_at"`
	IsDuplicate      bool    `json:"is_duplicate"`
	FileHash         string  `json:"file_hash"`
	ReferenceFileID  *string `json:"reference_file_id"`
}

func toFileResponse(f *biz.File) *FileResponse {
	resp := &FileResponse{
		ID:               f.ID,
		OriginalFilename: f.OriginalName,
		FileType:         f.FileType,
		Size:             f.Size,
		UploadedAt:       f.UploadedAt.UTC().Format(time.RFC3339),
		IsDuplicate:      f.IsDuplicate,
		FileHash:         f.ContentHash,
	}
	if f.ReferenceFileID != "" {
		ref := f.ReferenceFileID
		resp.ReferenceFileID = &ref
	}
	return resp
}

// UploadFile 上传单个文件
// POST /api/v1/files
func (s *FileService) UploadFile(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.ErrorWithCode(c, apperrors.ErrFileEmpty)
		return
	}

	rec, appErr := s.uploadOne(c.Request.Context(), fileHeader)
	if appErr != nil {
		response.HandleError(c, appErr)
		return
	}

	response.Created(c, toFileResponse(rec))
}

// BatchUploadFiles 批量上传，通过协程池并发处理
// POST /api/v1/files/batch
func (s *FileService) BatchUploadFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		response.ErrorWithCode(c, apperrors.ErrInvalidParams, "invalid multipart form")
		return
	}

	fileHeaders := form.File["files"]
	if len(fileHeaders) == 0 {
		response.ErrorWithCode(c, apperrors.ErrFileEmpty)
		return
	}
	if len(fileHeaders) > s.uploadCfg.BatchMaxFiles {
		response.ErrorWithCode(c, apperrors.ErrInvalidParams,
			fmt.Sprintf("batch exceeds limit of %d files", s.uploadCfg.BatchMaxFiles))
		return
	}

	type batchItem struct {
		Filename string        `json:"filename"`
		Success  bool          `json:"success"`
		Error    string        `json:"error,omitempty"`
		File     *FileResponse `json:"file,omitempty"`
	}

	// gin.Context 不能跨协程使用，提前取出请求 context
	ctx := c.Request.Context()

	items := make([]batchItem, len(fileHeaders))
	var wg sync.WaitGroup

	for i, fh := range fileHeaders {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			rec, err := s.uploadOne(ctx, fh)
			if err != nil {
				items[i] = batchItem{Filename: fh.Filename, Error: err.Error()}
				return
			}
			items[i] = batchItem{Filename: fh.Filename, Success: true, File: toFileResponse(rec)}
		}
		if err := s.uploadPool.Submit(task); err != nil {
			wg.Done()
			items[i] = batchItem{Filename: fh.Filename, Error: err.Error()}
		}
	}
	wg.Wait()

	succeeded := 0
	for _, item := range items {
		if item.Success {
			succeeded++
		}
	}

	response.Created(c, gin.H{
		"total":     len(items),
		"succeeded": succeeded,
		"failed":    len(items) - succeeded,
		"results":   items,
	})
}

// uploadOne 读取 multipart 文件并执行去重上传
func (s *FileService) uploadOne(ctx context.Context, fh *multipart.FileHeader) (*biz.File, error) {
	maxBytes := s.uploadCfg.MaxFileSizeMB * 1024 * 1024
	if fh.Size > maxBytes {
		return nil, apperrors.New(apperrors.ErrFileTooLarge,
			fmt.Sprintf("file %s exceeds limit of %d MB", fh.Filename, s.uploadCfg.MaxFileSizeMB))
	}

	f, err := fh.Open()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrFileReadFailed, fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrFileReadFailed, fh.Filename)
	}

	return s.fileUseCase.UploadFile(ctx, &biz.UploadRequest{
		OriginalName: fh.Filename,
		FileType:     fh.Header.Get("Content-Type"),
		Data:         data,
	})
}

// SearchFiles 过滤/排序/分页查询
// GET /api/v1/files/search
func (s *FileService) SearchFiles(c *gin.Context) {
	req := buildSearchRequest(c)

	files, pagination, err := s.fileUseCase.SearchFiles(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("file search failed", zap.Error(err))
		response.ErrorWithCode(c, apperrors.ErrInternalServer)
		return
	}

	results := make([]*FileResponse, 0, len(files))
	for _, f := range files {
		results = append(results, toFileResponse(f))
	}

	response.Success(c, gin.H{
		"results":    results,
		"pagination": pagination,
	})
}

// buildSearchRequest 从查询参数构造查询请求，无效参数值忽略而非报错
func buildSearchRequest(c *gin.Context) *biz.SearchRequest {
	req := &biz.SearchRequest{
		Filters: biz.SearchFilters{
			Query:     c.Query("query"),
			FileType:  c.Query("file_type"),
			MinSize:   parseSizeParam(c.Query("min_size")),
			MaxSize:   parseSizeParam(c.Query("max_size")),
			StartDate: parseDateParam(c.Query("start_date")),
			EndDate:   parseDateParam(c.Query("end_date")),
		},
		SortBy:   c.DefaultQuery("sort_by", "uploaded_at"),
		SortDesc: c.DefaultQuery("sort_order", "desc") != "asc",
		Page:     parseIntParam(c.Query("page"), biz.DefaultPage),
		PageSize: parseIntParam(c.Query("page_size"), biz.DefaultPageSize),
	}
	return req
}

// parseSizeParam 解析非负字节数，无效值返回 nil
func parseSizeParam(raw string) *int64 {
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// parseDateParam 解析 YYYY-MM-DD 日期，无效值返回 nil
func parseDateParam(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil
	}
	return &t
}

// parseIntParam 解析正整数查询参数，无效值用默认值
func parseIntParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// GetFile 获取单条文件记录
// GET /api/v1/files/:id
func (s *FileService) GetFile(c *gin.Context) {
	rec, err := s.fileUseCase.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleFileError(c, err)
		return
	}
	response.Success(c, toFileResponse(rec))
}

// DownloadFile 下载文件内容。duplicate 记录下载到与
// canonical 相同的 blob，文件名用本记录的原始文件名。
// GET /api/v1/files/:id/download
func (s *FileService) DownloadFile(c *gin.Context) {
	rec, data, err := s.fileUseCase.DownloadFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleFileError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, rec.OriginalName))
	c.Data(http.StatusOK, rec.FileType, data)
}

// FileTypes 按 MIME 主类型统计
// GET /api/v1/files/types
func (s *FileService) FileTypes(c *gin.Context) {
	types, err := s.fileUseCase.FileTypes(c.Request.Context())
	if err != nil {
		s.logger.Error("file type aggregation failed", zap.Error(err))
		response.ErrorWithCode(c, apperrors.ErrInternalServer)
		return
	}
	response.Success(c, gin.H{"types": types})
}

// StorageSavings 去重节省汇总
// GET /api/v1/files/storage-savings
func (s *FileService) StorageSavings(c *gin.Context) {
	summary, err := s.fileUseCase.StorageSavings(c.Request.Context())
	if err != nil {
		s.logger.Error("storage savings aggregation failed", zap.Error(err))
		response.ErrorWithCode(c, apperrors.ErrInternalServer)
		return
	}
	response.Success(c, summary)
}

// Stats 聚合统计报告
// GET /api/v1/files/stats
func (s *FileService) Stats(c *gin.Context) {
	report, err := s.fileUseCase.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("stats aggregation failed", zap.Error(err))
		response.ErrorWithCode(c, apperrors.ErrInternalServer)
		return
	}

	// file_types 以 map 形式返回，与其余统计字段并列
	typeMap := make(map[string]int64, len(report.FileTypes))
	for _, tc := range report.FileTypes {
		typeMap[tc.Type] = tc.Count
	}

	response.Success(c, gin.H{
		"total_files":           report.TotalFiles,
		"total_size":            report.TotalSize,
		"duplicate_count":       report.DuplicateCount,
		"bytes_saved":           report.BytesSaved,
		"efficiency_percentage": report.EfficiencyPercentage,
		"file_types":            typeMap,
		"size_distribution":     report.SizeDistribution,
		"date_distribution":     report.DateDistribution,
	})
}

// handleFileError 文件记录相关错误统一映射
func (s *FileService) handleFileError(c *gin.Context, err error) {
	if errors.Is(err, biz.ErrFileNotFound) {
		response.ErrorWithCode(c, apperrors.ErrFileNotFound)
		return
	}
	s.logger.Error("file request failed", zap.Error(err))
	response.HandleError(c, err)
}
