package debounce

import (
	"context"
	"sync"
	"time"

	"desk-assist-go/internal/config"
	"desk-assist-go/internal/model"
	"desk-assist-go/internal/repository"
	"desk-assist-go/pkg/log"
	"desk-assist-go/pkg/metrics"
)

// DeadlineSource 枚举所有带防抖截止时间的会话。
type DeadlineSource interface {
	Deadlines(ctx context.Context) ([]model.DebounceDeadline, error)
}

// Drainer 排空单个会话，由 Coordinator 实现。
type Drainer interface {
	Drain(ctx context.Context, chatID string) (Outcome, error)
}

// SchedulerOptions 控制扫描节奏。
type SchedulerOptions struct {
	Interval      time.Duration
	BackoffFactor int
	// DrainTimeout 是单次排空的最长时间，应大于租约 TTL，由心跳续约覆盖超出的部分。
	DrainTimeout time.Duration
	// Now 与 After 用于测试中注入时钟。
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

// Scheduler 周期性地扫描到期会话，并为每个会话启动一个独立的排空任务。
type Scheduler struct {
	source  DeadlineSource
	drainer Drainer
	opts    SchedulerOptions
	wg      sync.WaitGroup
}

// NewScheduler 创建一个新的 Scheduler 实例。
func NewScheduler(source DeadlineSource, drainer Drainer, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Scheduler{source: source, drainer: drainer, opts: opts}
}

// New 按缓冲区配置组装排空协调器与防抖扫描器。
func New(buffer repository.BufferRepository, processor Processor, cfg config.BufferConfig) *Scheduler {
	coordinator := NewCoordinator(buffer, processor, CoordinatorOptions{
		RenewInterval: cfg.LeaseRenewInterval,
	})
	return NewScheduler(buffer, coordinator, SchedulerOptions{
		Interval:      cfg.SweepInterval,
		BackoffFactor: cfg.ErrorBackoffFactor,
		DrainTimeout:  cfg.DrainTimeout,
	})
}

// Run 持续扫描直到 ctx 被取消。取消只会在两次扫描之间生效，已启动的排空任务不受影响，用 Wait 等待它们结束。
func (s *Scheduler) Run(ctx context.Context) {
	log.Infof("[Scheduler] 防抖扫描已启动, interval: %s", s.opts.Interval)
	// 扫描本身不响应取消，避免在枚举途中放弃
	sweepCtx := context.WithoutCancel(ctx)
	for {
		delay := s.opts.Interval
		started, err := s.Sweep(sweepCtx)
		if err != nil {
			metrics.SweepErrors.Inc()
			delay = s.opts.Interval * time.Duration(s.opts.BackoffFactor)
			log.Errorf("[Scheduler] 扫描失败, %s 后重试, error: %v", delay, err)
		} else if started > 0 {
			log.Infof("[Scheduler] 本轮扫描启动了 %d 个排空任务", started)
		}

		select {
		case <-ctx.Done():
			log.Info("[Scheduler] 防抖扫描已停止")
			return
		case <-s.opts.After(delay):
		}
	}
}

// Sweep 执行一轮扫描，为每个截止时间已到的会话启动排空任务，返回启动的任务数。
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	deadlines, err := s.source.Deadlines(ctx)
	if err != nil {
		return 0, err
	}
	now := s.opts.Now()
	started := 0
	for _, d := range deadlines {
		if !d.Expired(now) {
			continue
		}
		s.spawn(ctx, d.ChatID)
		started++
	}
	return started, nil
}

// spawn 启动一个与扫描解耦的排空任务：它不随调用方取消，但受 DrainTimeout 限制。
func (s *Scheduler) spawn(ctx context.Context, chatID string) {
	s.wg.Add(1)
	metrics.InflightDrains.Inc()
	go func() {
		defer s.wg.Done()
		defer metrics.InflightDrains.Dec()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DrainTimeout)
		defer cancel()

		outcome, err := s.drainer.Drain(drainCtx, chatID)
		if err != nil {
			log.Errorf("[Scheduler] 排空会话失败, chat: %s, outcome: %s, error: %v", chatID, outcome, err)
			return
		}
		log.Debugf("[Scheduler] 排空完成, chat: %s, outcome: %s", chatID, outcome)
	}()
}

// Wait 等待所有已启动的排空任务结束。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
