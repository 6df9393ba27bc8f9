package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/athena/checkout/internal/metrics"
	"github.com/athena/checkout/internal/saga"
	"github.com/athena/checkout/pkg/logger"
	redispkg "github.com/athena/checkout/pkg/redis"
)

// Sweeper 周期清扫租约过期的 processing 步骤记录，重置为 pending。
// 崩溃遗留的执行中状态由此兜底，不依赖调用方恰好再次 advance。
type Sweeper struct {
	store   saga.SessionStore
	lock    *redispkg.Lock
	log     *logger.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron
	spec    string
}

// NewSweeper 创建清扫器；lock 可为 nil（单实例部署）
func NewSweeper(store saga.SessionStore, lock *redispkg.Lock,
	log *logger.Logger, m *metrics.Metrics, spec string) *Sweeper {
	if spec == "" {
		spec = "@every 1m"
	}
	return &Sweeper{
		store:   store,
		lock:    lock,
		log:     log,
		metrics: m,
		spec:    spec,
	}
}

// Start 启动调度
func (s *Sweeper) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.spec, s.sweep); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Infof("stuck-processing sweeper started", map[string]interface{}{"spec": s.spec})
	return nil
}

// Stop 停止调度，等待当前清扫结束
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 多实例部署下只允许一个实例清扫
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			s.log.WithError(err).Warn("sweeper lock acquire failed")
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				s.log.WithError(err).Warn("sweeper lock release failed")
			}
		}()
	}

	n, err := s.store.RequeueExpiredProcessing(ctx, time.Now().UnixMilli())
	if err != nil {
		s.log.WithError(err).Error("requeue expired processing failed")
		return
	}
	if n > 0 {
		s.metrics.AddRequeuedSteps(n)
		s.log.Infof("requeued stuck processing steps", map[string]interface{}{"count": n})
	}
}
