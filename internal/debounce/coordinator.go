// Package debounce 实现了防抖扫描与按会话排空缓冲区的协调逻辑。
package debounce

import (
	"context"
	"errors"
	"sync"
	"time"

	"desk-assist-go/internal/model"
	"desk-assist-go/internal/pipeline"
	"desk-assist-go/internal/repository"
	"desk-assist-go/pkg/log"
	"desk-assist-go/pkg/metrics"
)

// Outcome 是一次排空尝试的结果。
type Outcome string

const (
	// OutcomeSkipped 租约被其他持有者占用。
	OutcomeSkipped Outcome = "skipped"
	// OutcomeEmpty 取得租约后发现缓冲区已空。
	OutcomeEmpty Outcome = "empty"
	// OutcomeProcessed 流水线成功，已处理的消息已从缓冲区移除。
	OutcomeProcessed Outcome = "processed"
	// OutcomeFailed 流水线或存储失败，批次保留等待下一轮扫描。
	OutcomeFailed Outcome = "failed"
)

// state 是单个会话排空过程中的状态，只用于日志。
type state string

const (
	stateIdle            state = "IDLE"
	stateLeasePending    state = "LEASE_PENDING"
	stateLeaseDenied     state = "LEASE_DENIED"
	stateDraining        state = "DRAINING"
	statePipelineRunning state = "PIPELINE_RUNNING"
	stateDone            state = "DONE"
)

// Processor 处理一批按到达顺序排列的消息，由 pipeline.Pipeline 实现。
type Processor interface {
	Run(ctx context.Context, batch []model.BufferedMessage) pipeline.Result
}

// CoordinatorOptions 控制租约心跳与释放。
type CoordinatorOptions struct {
	// RenewInterval 是流水线运行期间续约的间隔，为 0 时不续约。
	RenewInterval time.Duration
	// ReleaseTimeout 限制收尾阶段 Redis 调用的耗时。
	ReleaseTimeout time.Duration
}

// Coordinator 负责单个会话的 取得租约 → 读取 → 运行流水线 → 清理。
type Coordinator struct {
	buffer    repository.BufferRepository
	processor Processor
	opts      CoordinatorOptions
}

// NewCoordinator 创建一个新的 Coordinator 实例。
func NewCoordinator(buffer repository.BufferRepository, processor Processor, opts CoordinatorOptions) *Coordinator {
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = 5 * time.Second
	}
	return &Coordinator{buffer: buffer, processor: processor, opts: opts}
}

// Drain 尝试排空一个会话。租约被占用或缓冲区为空都是正常结果，不返回错误。
func (c *Coordinator) Drain(ctx context.Context, chatID string) (outcome Outcome, err error) {
	defer func() { metrics.DrainOutcomes.WithLabelValues(string(outcome)).Inc() }()

	c.transition(chatID, stateIdle, stateLeasePending)
	token, ok, err := c.buffer.AcquireLease(ctx, chatID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		c.transition(chatID, stateLeasePending, stateLeaseDenied)
		log.Debugf("[Coordinator] 会话正在被其他实例处理, chat: %s", chatID)
		return OutcomeSkipped, nil
	}

	// 无论结果如何都释放租约；提交成功时租约已被删除，这里是空操作
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ReleaseTimeout)
		defer cancel()
		if rerr := c.buffer.ReleaseLease(releaseCtx, chatID, token); rerr != nil {
			log.Errorf("[Coordinator] 释放租约失败, chat: %s, error: %v", chatID, rerr)
		}
	}()

	c.transition(chatID, stateLeasePending, stateDraining)
	batch, err := c.buffer.ReadIfLeased(ctx, chatID, token)
	if err != nil {
		return OutcomeFailed, err
	}
	if len(batch.Messages) == 0 {
		// 其他持有者已在扫描与取得租约之间排空，或者只剩无法解析的条目
		if _, err := c.buffer.CommitDrain(ctx, chatID, token, batch.Entries); err != nil && !errors.Is(err, repository.ErrLeaseLost) {
			log.Warnf("[Coordinator] 清理空缓冲区失败, chat: %s, error: %v", chatID, err)
		}
		c.transition(chatID, stateDraining, stateDone)
		return OutcomeEmpty, nil
	}

	c.transition(chatID, stateDraining, statePipelineRunning)
	log.Infof("[Coordinator] 开始处理缓冲消息, chat: %s, count: %d", chatID, len(batch.Messages))
	stop := c.startHeartbeat(ctx, chatID, token)
	result := c.processor.Run(ctx, batch.Messages)
	stop()

	if !result.Success {
		c.transition(chatID, statePipelineRunning, stateDone)
		log.Errorf("[Coordinator] 流水线失败, 批次保留等待重试, chat: %s, error: %v", chatID, result.Err())
		return OutcomeFailed, result.Err()
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ReleaseTimeout)
	defer cancel()
	left, err := c.buffer.CommitDrain(commitCtx, chatID, token, batch.Entries)
	switch {
	case errors.Is(err, repository.ErrLeaseLost):
		// 租约在处理期间被他人取得，批次可能会被重放，持久化按批次哈希去重
		log.Warnf("[Coordinator] 提交时租约已丢失, chat: %s", chatID)
	case err != nil:
		log.Errorf("[Coordinator] 提交排空结果失败, chat: %s, error: %v", chatID, err)
	case left > 0:
		log.Infof("[Coordinator] 处理期间有新消息到达, 保留等待下一轮, chat: %s, pending: %d", chatID, left)
	}
	c.transition(chatID, statePipelineRunning, stateDone)
	return OutcomeProcessed, nil
}

// startHeartbeat 在后台按 RenewInterval 续约，返回的函数停止心跳并等待其退出。
func (c *Coordinator) startHeartbeat(ctx context.Context, chatID, token string) func() {
	if c.opts.RenewInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.opts.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				ok, err := c.buffer.RenewLease(hbCtx, chatID, token)
				if err != nil {
					if hbCtx.Err() == nil {
						log.Warnf("[Coordinator] 续约失败, chat: %s, error: %v", chatID, err)
					}
					continue
				}
				if !ok {
					metrics.LeaseRenewalsLost.Inc()
					log.Warnf("[Coordinator] 续约时发现租约已丢失, chat: %s", chatID)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (c *Coordinator) transition(chatID string, from, to state) {
	log.Debugw("[Coordinator] state transition", "chat", chatID, "from", from, "to", to)
}
