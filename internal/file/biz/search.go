package biz

import (
	"context"
	"time"
)

// 分页默认值与上限
const (
	DefaultPage     = 1
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// SearchFilters 查询过滤条件，零值/nil 表示不过滤
type SearchFilters struct {
	Query     string     // 文件名子串（不区分大小写）
	FileType  string     // MIME 类型前缀，如 image 或 image/png
	MinSize   *int64     // 最小字节数（含）
	MaxSize   *int64     // 最大字节数（含）
	StartDate *time.Time // 上传日期下界（含）
	EndDate   *time.Time // 上传日期上界（含，整天）
}

// SearchRequest 查询请求
type SearchRequest struct {
	Filters  SearchFilters
	SortBy   string // 排序字段，未识别时回退 uploaded_at
	SortDesc bool
	Page     int
	PageSize int
}

// Pagination 分页元数据
type Pagination struct {
	Total       int64 `json:"total"`
	Page        int   `json:"page"`
	PageSize    int   `json:"page_size"`
	TotalPages  int   `json:"total_pages"`
	HasNext     bool  `json:"has_next"`
	HasPrevious bool  `json:"has_previous"`
}

// NewPagination 根据总数计算分页元数据。空结果集 total_pages 为 1。
func NewPagination(total int64, page, pageSize int) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	if totalPages < 1 {
		totalPages = 1
	}
	return Pagination{
		Total:       total,
		Page:        page,
		PageSize:    pageSize,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
}

// SearchFiles 过滤/排序/分页查询文件记录
func (uc *FileUseCase) SearchFiles(ctx context.Context, req *SearchRequest) ([]*File, Pagination, error) {
	if req.Page < 1 {
		req.Page = DefaultPage
	}
	if req.PageSize < 1 {
		req.PageSize = DefaultPageSize
	}
	if req.PageSize > MaxPageSize {
		req.PageSize = MaxPageSize
	}

	files, total, err := uc.fileRepo.Search(ctx, req)
	if err != nil {
		return nil, Pagination{}, err
	}

	return files, NewPagination(total, req.Page, req.PageSize), nil
}
