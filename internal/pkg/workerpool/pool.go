package workerpool

import (
	"errors"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Config Worker Pool 配置
type Config struct {
	Workers   int // worker 数量
	QueueSize int // 队列缓冲区大小
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Workers:   16,
		QueueSize: 256,
	}
}

// Pool 基于 ants 的固定大小 Worker Pool
type Pool struct {
	pool   *ants.Pool
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New 创建 Worker Pool
func New(cfg *Config, logger *zap.Logger) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	p, err := ants.NewPool(cfg.Workers,
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(v interface{}) {
			if logger != nil {
				logger.Error("worker pool task panicked", zap.Any("panic", v))
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	return &Pool{
		pool:   p,
		logger: logger,
	}, nil
}

// Submit 提交任务，队列满时阻塞
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	return p.pool.Submit(task)
}

// Running 当前运行中的 worker 数
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release 关闭 pool，等待已提交任务完成
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.pool.Release()
}
