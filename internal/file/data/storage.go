package data

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	"github.com/minio/minio-go/v7"
)

// MinIOBlobStore 实现 biz.BlobStore 接口，按内容哈希寻址存储
type MinIOBlobStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOBlobStore 创建 MinIO blob 存储
func NewMinIOBlobStore(client *minio.Client, bucket string) *MinIOBlobStore {
	return &MinIOBlobStore{
		client: client,
		bucket: bucket,
	}
}

// ObjectKey 哈希前两位作为目录前缀，避免单目录对象过多
func ObjectKey(contentHash string) string {
	return fmt.Sprintf("files/%s/%s", contentHash[:2], contentHash)
}

// Put 写入 blob。对象键由内容哈希决定，已存在时直接返回，
// 并发写同一哈希收敛到同一对象。
func (s *MinIOBlobStore) Put(ctx context.Context, contentHash string, data []byte, contentType string) error {
	exists, err := s.Exists(ctx, contentHash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	reader := bytes.NewReader(data)
	_, err = s.client.PutObject(ctx, s.bucket, ObjectKey(contentHash), reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put blob: %w", err)
	}
	return nil
}

// Get 按哈希读取 blob
func (s *MinIOBlobStore) Get(ctx context.Context, contentHash string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ObjectKey(contentHash), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Exists 检查 blob 是否存在
func (s *MinIOBlobStore) Exists(ctx context.Context, contentHash string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, ObjectKey(contentHash), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

var _ biz.BlobStore = (*MinIOBlobStore)(nil)
