package data

import (
	"context"
	"fmt"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	filedata "github.com/lk2023060901/filevault-backend/internal/file/data"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Data struct {
	DB          *database.DB
	RedisClient *redis.Client
	MinIOClient *minio.Client
	Logger      *logger.Logger
}

func NewData(config *conf.Config, log *logger.Logger) (*Data, func(), error) {
	// Initialize PostgreSQL
	db, err := initDB(config, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init database: %w", err)
	}

	// Initialize Redis
	redisClient := initRedis(config)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Initialize MinIO
	minioClient, err := initMinIO(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init minio: %w", err)
	}

	d := &Data{
		DB:          db,
		RedisClient: redisClient,
		MinIOClient: minioClient,
		Logger:      log,
	}

	cleanup := func() {
		log.Info("cleaning up data resources")

		if err := db.Close(); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}

		if err := redisClient.Close(); err != nil {
			log.Warn("failed to close redis client", zap.Error(err))
		}
	}

	return d, cleanup, nil
}

func initDB(config *conf.Config, log *logger.Logger) (*database.DB, error) {
	dbCfg := database.DefaultConfig()
	dbCfg.Host = config.Database.Host
	dbCfg.Port = config.Database.Port
	dbCfg.User = config.Database.User
	dbCfg.Password = config.Database.Password
	dbCfg.DBName = config.Database.DBName
	dbCfg.SSLMode = config.Database.SSLMode

	db, err := database.New(dbCfg, log)
	if err != nil {
		return nil, err
	}

	// Auto migrate
	if err := db.GetDB().AutoMigrate(&filedata.FilePO{}, &filedata.StorageSavingPO{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return db, nil
}

func initRedis(config *conf.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
}

func initMinIO(config *conf.Config) (*minio.Client, error) {
	minioClient, err := minio.New(config.MinIO.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.MinIO.AccessKey, config.MinIO.SecretKey, ""),
		Secure: config.MinIO.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	// Create bucket if not exists
	ctx := context.Background()
	exists, err := minioClient.BucketExists(ctx, config.MinIO.Bucket)
	if err != nil {
		return nil, err
	}

	if !exists {
		if err := minioClient.MakeBucket(ctx, config.MinIO.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", config.MinIO.Bucket, err)
		}
	}

	return minioClient, nil
}
