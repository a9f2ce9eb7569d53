// Package maintenance 定期執行的背景維護工作
//
// 目前的工作：
//   - 清除過期的房間登記記錄（Registry 只增不減，需要定期修剪）
//   - 回收 badger value log 空間
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/koopa0/system-design/14-race-matchmaking/internal/registry"
)

// Job 一個週期性工作
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler 包裝 gocron，統一處理 context、逾時與日誌
type Scheduler struct {
	sched   gocron.Scheduler
	logger  *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New 創建排程器；timeout 為單次工作的執行上限
func New(clock clockwork.Clock, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	logger = logger.With("component", "maintenance")

	sched, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sched:   sched,
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Add 註冊工作；同一個工作不會重疊執行
func (s *Scheduler) Add(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}

	_, err := s.sched.NewJob(
		gocron.DurationJob(job.Interval),
		gocron.NewTask(s.wrap(job)),
		gocron.WithName(job.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("add job %s: %w", job.Name, err)
	}
	return nil
}

func (s *Scheduler) wrap(job Job) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Warn("維護工作失敗", "job", job.Name, "error", err)
			return
		}
		s.logger.Debug("維護工作完成", "job", job.Name, "duration", time.Since(start))
	}
}

// Start 開始排程
func (s *Scheduler) Start() {
	s.sched.Start()
	s.logger.Info("維護排程已啟動", "jobs", len(s.sched.Jobs()))
}

// Stop 取消執行中的工作並停止排程
func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// PruneRegistry 清除建立超過 retention 的房間記錄
func PruneRegistry(reg *registry.Registry, retention, interval time.Duration) Job {
	return Job{
		Name:     "prune-registry",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := reg.Prune(ctx, retention)
			return err
		},
	}
}

// GarbageCollector 可回收空間的存儲
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// CollectGarbage 定期回收存儲空間
func CollectGarbage(store GarbageCollector, discardRatio float64, interval time.Duration) Job {
	return Job{
		Name:     "store-gc",
		Interval: interval,
		Run: func(ctx context.Context) error {
			return store.RunGC(discardRatio)
		},
	}
}
