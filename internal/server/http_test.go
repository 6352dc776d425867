package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/file/service"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()

	log, err := logger.Development()
	require.NoError(t, err)

	svc := service.NewFileService(nil, nil, conf.UploadConfig{}, zap.NewNop())
	config := &conf.Config{}
	config.Server.Host = "127.0.0.1"
	config.Server.Port = 8080
	config.Upload.MaxFileSizeMB = 1

	return NewHTTPServer(config, log, svc, nil)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)

	// 日志中间件为每个请求注入 request ID
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDPropagation(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-12345")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "req-12345", w.Header().Get("X-Request-ID"))
}
