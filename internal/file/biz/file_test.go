package biz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFileRepo 内存实现，模拟 canonical 部分唯一索引
type fakeFileRepo struct {
	mu      sync.Mutex
	records map[string]*File // id -> record
	byHash  map[string]*File // content_hash -> canonical record
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{
		records: make(map[string]*File),
		byHash:  make(map[string]*File),
	}
}

func (r *fakeFileRepo) Create(ctx context.Context, f *File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !f.IsDuplicate {
		if _, exists := r.byHash[f.ContentHash]; exists {
			return ErrCanonicalExists
		}
		cp := *f
		r.byHash[f.ContentHash] = &cp
	}
	cp := *f
	r.records[f.ID] = &cp
	return nil
}

func (r *fakeFileRepo) GetByID(ctx context.Context, id string) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeFileRepo) GetCanonicalByHash(ctx context.Context, contentHash string) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byHash[contentHash]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeFileRepo) Search(ctx context.Context, req *SearchRequest) ([]*File, int64, error) {
	return nil, 0, nil
}

func (r *fakeFileRepo) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.records)), nil
}

func (r *fakeFileRepo) CountDuplicates(ctx context.Context) (int64, error) {
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

func (r *fakeFileRepo) SumSize(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, rec := range r.records {
		sum += rec.Size
	}
	return sum, nil
}

func (r *fakeFileRepo) TypeCounts(ctx context.Context) ([]TypeCount, error) {
	return nil, nil
}

func (r *fakeFileRepo) SizeBuckets(ctx context.Context) (*SizeDistribution, error) {
	return NewSizeDistribution(), nil
}

func (r *fakeFileRepo) MonthlyCounts(ctx context.Context) ([]MonthCount, error) {
	return nil, nil
}

// fakeSavingRepo 内存节省统计
type fakeSavingRepo struct {
	mu      sync.Mutex
	buckets map[string]*StorageSaving // "2006-01-02" -> bucket
}

func newFakeSavingRepo() *fakeSavingRepo {
	return &fakeSavingRepo{buckets: make(map[string]*StorageSaving)}
}

func (r *fakeSavingRepo) AddSaving(ctx context.Context, asOf time.Time, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	day := asOf.UTC().Format("2006-01-02")
	b, ok := r.buckets[day]
	if !ok {
		date, _ := time.Parse("2006-01-02", day)
		b = &StorageSaving{Date: date}
		r.buckets[day] = b
	}
	b.BytesSaved += size
	b.DuplicateCount++
	return nil
}

func (r *fakeSavingRepo) Totals(ctx context.Context) (*SavingTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	totals := &SavingTotals{}
	for _, b := range r.buckets {
		totals.TotalBytesSaved += b.BytesSaved
		totals.TotalDuplicateCount += b.DuplicateCount
	}
	return totals, nil
}

// fakeBlobStore 内存 blob 存储
type fakeBlobStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	puts    int
	failPut bool
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (s *fakeBlobStore) Put(ctx context.Context, contentHash string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("object storage unavailable")
	}
	s.puts++
	if _, exists := s.blobs[contentHash]; exists {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[contentHash] = cp
	return nil
}

func (s *fakeBlobStore) Get(ctx context.Context, contentHash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[contentHash]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

func (s *fakeBlobStore) Exists(ctx context.Context, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[contentHash]
	return ok, nil
}

func (s *fakeBlobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// noopTransactor 直接执行回调（fake 仓储自带锁保护）
type noopTransactor struct{}

func (noopTransactor) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type testEnv struct {
	uc      *FileUseCase
	files   *fakeFileRepo
	savings *fakeSavingRepo
	blobs   *fakeBlobStore
}

func newTestEnv(clock Clock) *testEnv {
	files := newFakeFileRepo()
	savings := newFakeSavingRepo()
	blobs := newFakeBlobStore()
	uc := NewFileUseCase(files, savings, blobs, nil, noopTransactor{}, clock, 0, nil)
	return &testEnv{uc: uc, files: files, savings: savings, blobs: blobs}
}

func TestHashContent(t *testing.T) {
	// SHA-256("hello") 的已知值
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		HashContent([]byte("hello")))
	assert.Len(t, HashContent(nil), 64)
}

func TestUploadFile_NewContent(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()

	rec, err := env.uc.UploadFile(ctx, &UploadRequest{
		OriginalName: "report.pdf",
		FileType:     "application/pdf",
		Data:         []byte("unique content"),
	})
	require.NoError(t, err)
	assert.False(t, rec.IsDuplicate)
	assert.Empty(t, rec.ReferenceFileID)
	assert.Equal(t, int64(14), rec.Size)
	assert.Equal(t, HashContent([]byte("unique content")), rec.ContentHash)
	assert.Equal(t, 1, env.blobs.count())

	totals, err := env.savings.Totals(ctx)
	require.NoError(t, err)
	assert.Zero(t, totals.TotalBytesSaved)
}

func TestUploadFile_EmptyContent(t *testing.T) {
	env := newTestEnv(nil)

	_, err := env.uc.UploadFile(context.Background(), &UploadRequest{
		OriginalName: "empty.txt",
		Data:         nil,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrFileEmpty))
	assert.Equal(t, 0, env.blobs.count())
}

func TestUploadFile_DefaultContentType(t *testing.T) {
	env := newTestEnv(nil)

	rec, err := env.uc.UploadFile(context.Background(), &UploadRequest{
		OriginalName: "mystery",
		Data:         []byte("x"),
	})
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", rec.FileType)
}

func TestUploadFile_DedupScenario(t *testing.T) {
	// 固定时间源，保证节省统计落在同一天
	clock := func() time.Time {
		return time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	}
	env := newTestEnv(clock)
	ctx := context.Background()

	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i % 251)
	}

	// 文件 A：新内容
	recA, err := env.uc.UploadFile(ctx, &UploadRequest{OriginalName: "a.bin", FileType: "application/octet-stream", Data: content})
	require.NoError(t, err)
	assert.False(t, recA.IsDuplicate)
	assert.Equal(t, 1, env.blobs.count())

	// 文件 B：相同字节，应判定为 duplicate 并指向 A
	recB, err := env.uc.UploadFile(ctx, &UploadRequest{OriginalName: "b.bin", FileType: "application/octet-stream", Data: content})
	require.NoError(t, err)
	assert.True(t, recB.IsDuplicate)
	assert.Equal(t, recA.ID, recB.ReferenceFileID)
	assert.Equal(t, recA.ContentHash, recB.ContentHash)
	assert.Equal(t, 1, env.blobs.count())

	totals, err := env.savings.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), totals.TotalBytesSaved)
	assert.Equal(t, int64(1), totals.TotalDuplicateCount)

	// 文件 C：不同内容，节省不变
	recC, err := env.uc.UploadFile(ctx, &UploadRequest{OriginalName: "c.bin", FileType: "text/plain", Data: make([]byte, 500)})
	require.NoError(t, err)
	assert.False(t, recC.IsDuplicate)
	assert.Equal(t, 2, env.blobs.count())

	totals, err = env.savings.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), totals.TotalBytesSaved)
	assert.Equal(t, int64(1), totals.TotalDuplicateCount)

	// 汇总：3 条记录，效率 10000/(10500+10000)*100 ≈ 48.78
	summary, err := env.uc.StorageSavings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalFiles)
	assert.Equal(t, int64(10000), summary.TotalBytesSaved)
	assert.Equal(t, int64(1), summary.TotalDuplicateCount)
	assert.InDelta(t, 48.78, summary.EfficiencyPercentage, 0.001)
	assert.Equal(t, "9.77 KB", summary.FormattedBytesSaved)
}

func TestUploadFile_ConcurrentSameContent(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()

	content := []byte("concurrently uploaded payload")
	const uploaders = 32

	var wg sync.WaitGroup
	results := make([]*File, uploaders)
	errs := make([]error, uploaders)
	for i := 0; i < uploaders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.uc.UploadFile(ctx, &UploadRequest{
				OriginalName: fmt.Sprintf("copy-%d.txt", i),
				FileType:     "text/plain",
				Data:         content,
			})
		}(i)
	}
	wg.Wait()

	var canonicals, duplicates int
	for i := 0; i < uploaders; i++ {
		require.NoError(t, errs[i])
		if results[i].IsDuplicate {
			duplicates++
			assert.NotEmpty(t, results[i].ReferenceFileID)
		} else {
			canonicals++
		}
	}
	assert.Equal(t, 1, canonicals)
	assert.Equal(t, uploaders-1, duplicates)
	assert.Equal(t, 1, env.blobs.count())

	totals, err := env.savings.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(uploaders-1), totals.TotalDuplicateCount)
	assert.Equal(t, int64(len(content))*(uploaders-1), totals.TotalBytesSaved)
}

func TestUploadFile_StorageFailure(t *testing.T) {
	env := newTestEnv(nil)
	env.blobs.failPut = true
	ctx := context.Background()

	_, err := env.uc.UploadFile(ctx, &UploadRequest{OriginalName: "a.txt", Data: []byte("data")})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrFileStorageFailed))

	// 存储失败不得留下元数据记录
	count, err := env.files.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDownloadFile(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()

	content := []byte("downloadable bytes")
	canonical, err := env.uc.UploadFile(ctx, &UploadRequest{OriginalName: "orig.txt", FileType: "text/plain", Data: content})
	require.NoError(t, err)
	dup, err := env.uc.UploadFile(ctx, &UploadRequest{OriginalName: "copy.txt", FileType: "text/plain", Data: content})
	require.NoError(t, err)
	require.True(t, dup.IsDuplicate)

	// duplicate 记录解析到 canonical 的 blob
	rec, data, err := env.uc.DownloadFile(ctx, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, dup.ID, rec.ID)
	assert.Equal(t, content, data)

	rec, data, err = env.uc.DownloadFile(ctx, canonical.ID)
	require.NoError(t, err)
	assert.Equal(t, canonical.ID, rec.ID)
	assert.Equal(t, content, data)

	_, _, err = env.uc.DownloadFile(ctx, "missing-id")
	assert.ErrorIs(t, err, ErrFileNotFound)
}
