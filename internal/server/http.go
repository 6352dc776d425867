package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/file/service"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"go.uber.org/zap"
)

type HTTPServer struct {
	server      *http.Server
	logger      *logger.Logger
	fileService *service.FileService
}

func NewHTTPServer(
	config *conf.Config,
	log *logger.Logger,
	fileService *service.FileService,
	db *database.DB,
) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(logger.GinRecovery(log))
	router.Use(logger.GinLogger(log))

	// 批量上传的 multipart 表单内存上限
	router.MaxMultipartMemory = config.Upload.MaxFileSizeMB * 1024 * 1024

	// Health check (incl. database connectivity when wired)
	router.GET("/health", func(c *gin.Context) {
		if db != nil {
			if err := db.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unavailable",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// API routes
	api := router.Group("/api/v1")
	fileService.RegisterRoutes(api)

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)

	return &HTTPServer{
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
		logger:      log,
		fileService: fileService,
	}
}

func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler 返回底层路由，测试用
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}
