package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	"github.com/lk2023060901/filevault-backend/internal/pkg/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 内存实现，覆盖 handler 到用例的完整链路
type memFileRepo struct {
	mu      sync.Mutex
	records []*biz.File
}

func (r *memFileRepo) Create(ctx context.Context, f *biz.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !f.IsDuplicate {
		for _, rec := range r.records {
			if !rec.IsDuplicate && rec.ContentHash == f.ContentHash {
				return biz.ErrCanonicalExists
			}
		}
	}
	cp := *f
	r.records = append(r.records, &cp)
	return nil
}

func (r *memFileRepo) GetByID(ctx context.Context, id string) (*biz.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, biz.ErrFileNotFound
}

func (r *memFileRepo) GetCanonicalByHash(ctx context.Context, hash string) (*biz.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if !rec.IsDuplicate && rec.ContentHash == hash {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memFileRepo) Search(ctx context.Context, req *biz.SearchRequest) ([]*biz.File, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*biz.File, len(r.records))
	copy(out, r.records)
	return out, int64(len(out)), nil
}

func (r *memFileRepo) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.records)), nil
}

func (r *memFileRepo) CountDuplicates(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.records {
		if rec.IsDuplicate {
			n++
		}
	}
	return n, nil
}

func (r *memFileRepo) SumSize(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, rec := range r.records {
		sum += rec.Size
	}
	return sum, nil
}

func (r *memFileRepo) TypeCounts(ctx context.Context) ([]biz.TypeCount, error) {
	return nil, nil
}

func (r *memFileRepo) SizeBuckets(ctx context.Context) (*biz.SizeDistribution, error) {
	return biz.NewSizeDistribution(), nil
}

func (r *memFileRepo) MonthlyCounts(ctx context.Context) ([]biz.MonthCount, error) {
	return nil, nil
}

type memSavingRepo struct {
	mu     sync.Mutex
	totals biz.SavingTotals
}

func (r *memSavingRepo) AddSaving(ctx context.Context, asOf time.Time, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.TotalBytesSaved += size
	r.totals.TotalDuplicateCount++
	return nil
}

func (r *memSavingRepo) Totals(ctx context.Context) (*biz.SavingTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.totals
	return &cp, nil
}

type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (s *memBlobStore) Put(ctx context.Context, hash string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs == nil {
		s.blobs = make(map[string][]byte)
	}
	s.blobs[hash] = data
	return nil
}

func (s *memBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, biz.ErrFileNotFound
	}
	return data, nil
}

func (s *memBlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

type memTransactor struct{}

func (memTransactor) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	uc := biz.NewFileUseCase(&memFileRepo{}, &memSavingRepo{}, &memBlobStore{}, nil, memTransactor{}, nil, 0, nil)

	pool, err := workerpool.New(workerpool.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	svc := NewFileService(uc, pool, conf.UploadConfig{MaxFileSizeMB: 10, BatchMaxFiles: 5, WorkerPoolSize: 4}, zap.NewNop())

	r := gin.New()
	svc.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func multipartBody(t *testing.T, field, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestUploadFileHandler(t *testing.T) {
	r := newTestRouter(t)

	body, contentType := multipartBody(t, "file", "hello.txt", "text/plain", []byte("hello world"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var envelope struct {
		Code int          `json:"code"`
		Data FileResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Zero(t, envelope.Code)
	assert.Equal(t, "hello.txt", envelope.Data.OriginalFilename)
	assert.Equal(t, "text/plain", envelope.Data.FileType)
	assert.Equal(t, int64(11), envelope.Data.Size)
	assert.False(t, envelope.Data.IsDuplicate)
	assert.Nil(t, envelope.Data.ReferenceFileID)
	assert.Equal(t, biz.HashContent([]byte("hello world")), envelope.Data.FileHash)

	// 相同内容再次上传判定为 duplicate
	body2, contentType2 := multipartBody(t, "file", "copy.txt", "text/plain", []byte("hello world"))
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/files", body2)
	req2.Header.Set("Content-Type", contentType2)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)

	require.Equal(t, http.StatusCreated, w2.Code)
	var envelope2 struct {
		Data FileResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &envelope2))
	assert.True(t, envelope2.Data.IsDuplicate)
	require.NotNil(t, envelope2.Data.ReferenceFileID)
	assert.Equal(t, envelope.Data.ID, *envelope2.Data.ReferenceFileID)
}

func TestUploadFileHandler_NoFile(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadFileHandler_NotFound(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/unknown-id/download", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestParseSizeParam(t *testing.T) {
	assert.Nil(t, parseSizeParam(""))
	assert.Nil(t, parseSizeParam("abc"))
	assert.Nil(t, parseSizeParam("-1"))
	assert.Nil(t, parseSizeParam("1.5"))

	v := parseSizeParam("1024")
	require.NotNil(t, v)
	assert.Equal(t, int64(1024), *v)

	zero := parseSizeParam("0")
	require.NotNil(t, zero)
	assert.Equal(t, int64(0), *zero)
}

func TestParseDateParam(t *testing.T) {
	assert.Nil(t, parseDateParam(""))
	assert.Nil(t, parseDateParam("not-a-date"))
	assert.Nil(t, parseDateParam("2026/01/02"))

	v := parseDateParam("2026-01-02")
	require.NotNil(t, v)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), *v)
}

func TestParseIntParam(t *testing.T) {
	assert.Equal(t, 1, parseIntParam("", 1))
	assert.Equal(t, 10, parseIntParam("abc", 10))
	assert.Equal(t, 10, parseIntParam("0", 10))
	assert.Equal(t, 10, parseIntParam("-3", 10))
	assert.Equal(t, 7, parseIntParam("7", 1))
}

func TestBuildSearchRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet,
		"/api/v1/files/search?query=report&file_type=image&min_size=100&max_size=bogus&start_date=2026-01-01&end_date=junk&sort_by=size&sort_order=asc&page=2&page_size=25", nil)

	req := buildSearchRequest(c)

	assert.Equal(t, "report", req.Filters.Query)
	assert.Equal(t, "image", req.Filters.FileType)
	require.NotNil(t, req.Filters.MinSize)
	assert.Equal(t, int64(100), *req.Filters.MinSize)
	assert.Nil(t, req.Filters.MaxSize)
	require.NotNil(t, req.Filters.StartDate)
	assert.Nil(t, req.Filters.EndDate)
	assert.Equal(t, "size", req.SortBy)
	assert.False(t, req.SortDesc)
	assert.Equal(t, 2, req.Page)
	assert.Equal(t, 25, req.PageSize)
}
