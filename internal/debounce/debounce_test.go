package debounce

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"desk-assist-go/internal/config"
	"desk-assist-go/internal/model"
	"desk-assist-go/internal/pipeline"
	"desk-assist-go/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingProcessor 记录收到的批次，按 fail 决定流水线结果。
type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]model.BufferedMessage
	fail    bool
	hook    func()
}

func (p *recordingProcessor) Run(_ context.Context, batch []model.BufferedMessage) pipeline.Result {
	p.mu.Lock()
	p.batches = append(p.batches, batch)
	hook := p.hook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if p.fail {
		return pipeline.Result{Stages: []pipeline.StageResult{{
			Name:   pipeline.StageGenerate,
			Kind:   pipeline.Fatal,
			Status: pipeline.StatusFailure,
			Err:    errors.New("generation unavailable"),
		}}}
	}
	return pipeline.Result{Success: true}
}

func (p *recordingProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func joined(batch []model.BufferedMessage) string {
	texts := make([]string, 0, len(batch))
	for _, m := range batch {
		texts = append(texts, m.Text)
	}
	return strings.Join(texts, " ")
}

type env struct {
	mr        *miniredis.Miniredis
	clock     *fakeClock
	buffer    repository.BufferRepository
	processor *recordingProcessor
	coord     *Coordinator
	scheduler *Scheduler
}

func newEnv(t *testing.T, opts CoordinatorOptions) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	buffer := repository.NewBufferRepository(rdb, repository.BufferOptions{
		DebounceWindow: 90 * time.Second,
		SafetySlack:    30 * time.Second,
		LeaseTTL:       300 * time.Second,
		Now:            clock.Now,
	})
	processor := &recordingProcessor{}
	coord := NewCoordinator(buffer, processor, opts)
	scheduler := NewScheduler(buffer, coord, SchedulerOptions{
		Interval:      10 * time.Second,
		BackoffFactor: 3,
		DrainTimeout:  300 * time.Second,
		Now:           clock.Now,
	})
	return &env{mr: mr, clock: clock, buffer: buffer, processor: processor, coord: coord, scheduler: scheduler}
}

func (e *env) append(t *testing.T, chatID, text string) {
	t.Helper()
	_, err := e.buffer.Append(context.Background(), model.BufferedMessage{ChatID: chatID, UserID: 42, Text: text})
	require.NoError(t, err)
}

func (e *env) sweep(t *testing.T) int {
	t.Helper()
	n, err := e.scheduler.Sweep(context.Background())
	require.NoError(t, err)
	e.scheduler.Wait()
	return n
}

func TestBurstIsDrainedOnceAfterQuietWindow(t *testing.T) {
	e := newEnv(t, CoordinatorOptions{})

	e.append(t, "C1", "A")
	e.clock.Advance(5 * time.Second)
	e.append(t, "C1", "B")

	// 距离 A 到达 94 个单位：仍在 B 的防抖窗口内
	e.clock.Advance(89 * time.Second)
	require.Zero(t, e.sweep(t))
	require.Zero(t, e.processor.calls())

	// 距离 B 到达 90 个单位（距离 A 95 个单位）：到期
	e.clock.Advance(1 * time.Second)
	require.Equal(t, 1, e.sweep(t))
	require.Equal(t, 1, e.processor.calls())
	require.Equal(t, "A B", joined(e.processor.batches[0]))

	require.False(t, e.mr.Exists("buffer:C1"))
	require.False(t, e.mr.Exists("deadline:C1"))
	require.False(t, e.mr.Exists("lease:C1"))

	// 下一轮扫描没有任何工作
	e.clock.Advance(10 * time.Second)
	require.Zero(t, e.sweep(t))
	require.Equal(t, 1, e.processor.calls())
}

func TestFailedDrainKeepsBatchForRetry(t *testing.T) {
	e := newEnv(t, CoordinatorOptions{})
	e.processor.fail = true

	e.append(t, "C2", "hello")
	e.clock.Advance(90 * time.Second)

	outcome, err := e.coord.Drain(context.Background(), "C2")
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	items, lerr := e.mr.List("buffer:C2")
	require.NoError(t, lerr)
	require.Len(t, items, 1)
	require.Contains(t, items[0], `"message":"hello"`)
	require.True(t, e.mr.Exists("deadline:C2"))
	require.False(t, e.mr.Exists("lease:C2"))

	// 下一轮扫描以相同批次重试
	e.processor.fail = false
	require.Equal(t, 1, e.sweep(t))
	require.Equal(t, 2, e.processor.calls())
	require.Equal(t, "hello", joined(e.processor.batches[1]))
	require.False(t, e.mr.Exists("buffer:C2"))
}

func TestEmptyBufferDoesNotInvokePipeline(t *testing.T) {
	e := newEnv(t, CoordinatorOptions{})

	e.append(t, "C3", "x")
	e.mr.Del("buffer:C3")

	outcome, err := e.coord.Drain(context.Background(), "C3")
	require.NoError(t, err)
	require.Equal(t, OutcomeEmpty, outcome)
	require.Zero(t, e.processor.calls())
	require.False(t, e.mr.Exists("deadline:C3"))
	require.False(t, e.mr.Exists("lease:C3"))
}

func TestConcurrentDrainsRunPipelineOnce(t *testing.T) {
	e := newEnv(t, CoordinatorOptions{})
	e.append(t, "C4", "A")

	started := make(chan struct{})
	release := make(chan struct{})
	e.processor.hook = func() {
		close(started)
		<-release
	}

	type drainResult struct {
		outcome Outcome
		err     error
	}
	first := make(chan drainResult, 1)
	go func() {
		o, err := e.coord.Drain(context.Background(), "C4")
		first <- drainResult{o, err}
	}()
	<-started

	outcome, err := e.coord.Drain(context.Background(), "C4")
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)

	e.processor.mu.Lock()
	e.processor.hook = nil
	e.processor.mu.Unlock()
	close(release)
	r := <-first
	require.NoError(t, r.err)
	require.Equal(t, OutcomeProcessed, r.outcome)

	// 迟到的竞争者取得租约后只会看到空缓冲区
	outcome, err = e.coord.Drain(context.Background(), "C4")
	require.NoError(t, err)
	require.Equal(t, OutcomeEmpty, outcome)
	require.Equal(t, 1, e.processor.calls())
}

func TestMessagesArrivingDuringDrainArePreserved(t *testing.T) {
	e := newEnv(t, CoordinatorOptions{})
	e.append(t, "C5", "A")
	e.processor.hook = func() { e.append(t, "C5", "late") }

	outcome, err := e.coord.Drain(context.Background(), "C5")
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)
	require.Equal(t, "A", joined(e.processor.batches[0]))

	items, lerr := e.mr.List("buffer:C5")
	require.NoError(t, lerr)
	require.Len(t, items, 1)
	require.True(t, e.mr.Exists("deadline:C5"))
	require.False(t, e.mr.Exists("lease:C5"))
}

func TestHeartbeatRenewsLease(t *testing.T) {
	e := newEnv(t, CoordinatorOptions{RenewInterval: 5 * time.Millisecond})
	e.append(t, "C6", "A")

	var renewedTTL atomic.Int64
	e.processor.hook = func() {
		e.mr.FastForward(200 * time.Second)
		require.Eventually(t, func() bool {
			return e.mr.TTL("lease:C6") == 300*time.Second
		}, time.Second, 5*time.Millisecond)
		renewedTTL.Store(int64(e.mr.TTL("lease:C6")))
	}

	outcome, err := e.coord.Drain(context.Background(), "C6")
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)
	require.Equal(t, int64(300*time.Second), renewedTTL.Load())
}

func TestLostLeaseIsNeverDeletedByFormerHolder(t *testing.T) {
	e := newEnv(t, CoordinatorOptions{RenewInterval: 5 * time.Millisecond})
	e.append(t, "C7", "A")
	e.processor.hook = func() {
		// 模拟租约过期后被另一个实例取得
		require.NoError(t, e.mr.Set("lease:C7", "other-holder"))
		time.Sleep(20 * time.Millisecond)
	}

	outcome, err := e.coord.Drain(context.Background(), "C7")
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)

	holder, gerr := e.mr.Get("lease:C7")
	require.NoError(t, gerr)
	require.Equal(t, "other-holder", holder)
	// 未能提交，批次仍在，由新持有者负责
	require.True(t, e.mr.Exists("buffer:C7"))
}

type failingSource struct {
	calls atomic.Int32
}

func (s *failingSource) Deadlines(context.Context) ([]model.DebounceDeadline, error) {
	s.calls.Add(1)
	return nil, errors.New("redis unavailable")
}

func TestRunBacksOffAfterSweepError(t *testing.T) {
	source := &failingSource{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var delays []time.Duration
	s := NewScheduler(source, nil, SchedulerOptions{
		Interval:      10 * time.Second,
		BackoffFactor: 3,
		After: func(d time.Duration) <-chan time.Time {
			mu.Lock()
			delays = append(delays, d)
			if len(delays) == 2 {
				cancel()
			}
			mu.Unlock()
			ch := make(chan time.Time, 1)
			ch <- time.Now()
			return ch
		},
	})

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 30*time.Second, delays[0])
	require.GreaterOrEqual(t, source.calls.Load(), int32(2))
}

func TestRunStopsOnCancelAndLetsDrainsFinish(t *testing.T) {
	e := newEnv(t, CoordinatorOptions{})
	e.append(t, "C8", "A")
	e.clock.Advance(90 * time.Second)

	finished := make(chan struct{})
	e.processor.hook = func() {
		time.Sleep(20 * time.Millisecond)
		close(finished)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.scheduler.opts.After = func(time.Duration) <-chan time.Time {
		cancel()
		return make(chan time.Time)
	}
	e.scheduler.Run(ctx)
	e.scheduler.Wait()

	select {
	case <-finished:
	default:
		t.Fatal("in-flight drain was abandoned")
	}
	require.False(t, e.mr.Exists("buffer:C8"))
}

// countingBuffer 统计成功的续约次数。
type countingBuffer struct {
	repository.BufferRepository
	renewals atomic.Int64
}

func (b *countingBuffer) RenewLease(ctx context.Context, chatID, token string) (bool, error) {
	ok, err := b.BufferRepository.RenewLease(ctx, chatID, token)
	if ok {
		b.renewals.Add(1)
	}
	return ok, err
}

// slowProcessor 运行 d 时长，期间让 miniredis 的时钟与真实时间同步推进，使租约按 TTL 过期。
type slowProcessor struct {
	mr     *miniredis.Miniredis
	d      time.Duration
	step   time.Duration
	ctxErr error
}

func (p *slowProcessor) Run(ctx context.Context, _ []model.BufferedMessage) pipeline.Result {
	end := time.Now().Add(p.d)
	for time.Now().Before(end) {
		select {
		case <-ctx.Done():
			p.ctxErr = ctx.Err()
			return pipeline.Result{Stages: []pipeline.StageResult{{
				Name: pipeline.StageGenerate, Kind: pipeline.Fatal, Status: pipeline.StatusFailure, Err: ctx.Err(),
			}}}
		case <-time.After(p.step):
			p.mr.FastForward(p.step)
		}
	}
	return pipeline.Result{Success: true}
}

func TestPipelineOutlivingLeaseTTLKeepsLeaseAndFinishes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.BufferConfig{
		DebounceWindow:     90 * time.Second,
		SafetySlack:        30 * time.Second,
		SweepInterval:      10 * time.Second,
		ErrorBackoffFactor: 3,
		LeaseTTL:           200 * time.Millisecond,
		LeaseRenewInterval: 60 * time.Millisecond,
		DrainTimeout:       time.Second,
	}
	// 消息的截止时间落在过去，扫描立即认为到期
	past := time.Now().Add(-2 * time.Minute)
	buffer := &countingBuffer{BufferRepository: repository.NewBufferRepository(rdb, repository.BufferOptions{
		DebounceWindow: cfg.DebounceWindow,
		SafetySlack:    cfg.SafetySlack,
		LeaseTTL:       cfg.LeaseTTL,
		Now:            func() time.Time { return past },
	})}
	_, err := buffer.Append(context.Background(), model.BufferedMessage{ChatID: "C9", UserID: 1, Text: "долгий вопрос"})
	require.NoError(t, err)

	processor := &slowProcessor{mr: mr, d: 500 * time.Millisecond, step: 20 * time.Millisecond}
	scheduler := New(buffer, processor, cfg)

	started, err := scheduler.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, started)
	scheduler.Wait()

	require.NoError(t, processor.ctxErr)
	require.GreaterOrEqual(t, buffer.renewals.Load(), int64(2))
	require.False(t, mr.Exists("buffer:C9"))
	require.False(t, mr.Exists("deadline:C9"))
	require.False(t, mr.Exists("lease:C9"))
}
