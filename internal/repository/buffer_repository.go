package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"desk-assist-go/internal/model"
	"desk-assist-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLeaseLost 表示调用方持有的处理租约已经过期或被其他实例取得。
var ErrLeaseLost = errors.New("processing lease lost")

const (
	bufferKeyPrefix   = "buffer:"
	deadlineKeyPrefix = "deadline:"
	leaseKeyPrefix    = "lease:"
)

// BufferRepository 定义了会话防抖缓冲区的原子操作。
// 所有状态都保存在 Redis 中，因此任意数量的服务实例都可以同时运行扫描任务。
type BufferRepository interface {
	// Append 追加一条消息，重置防抖截止时间并刷新安全 TTL，返回追加后的缓冲长度。
	Append(ctx context.Context, msg model.BufferedMessage) (int64, error)
	// AcquireLease 尝试以 SET NX 方式取得会话的处理租约。
	AcquireLease(ctx context.Context, chatID string) (token string, ok bool, err error)
	// RenewLease 在租约仍归 token 所有时延长其有效期。
	RenewLease(ctx context.Context, chatID, token string) (bool, error)
	// ReleaseLease 仅在租约仍归 token 所有时删除它。
	ReleaseLease(ctx context.Context, chatID, token string) error
	// ReadIfLeased 在持有租约时按到达顺序读取全部待处理消息。
	ReadIfLeased(ctx context.Context, chatID, token string) (Batch, error)
	// CommitDrain 原子地移除已处理的前 drained 条消息；缓冲区清空时一并删除截止时间键，并释放租约。
	// 返回仍在缓冲区中的消息数（处理期间新到达的消息）。
	CommitDrain(ctx context.Context, chatID, token string, drained int) (int64, error)
	// Deadlines 枚举所有存在截止时间的会话。
	Deadlines(ctx context.Context) ([]model.DebounceDeadline, error)
	// Len 返回会话当前的缓冲长度。
	Len(ctx context.Context, chatID string) (int64, error)
}

// BufferOptions 控制防抖窗口、安全余量与租约时长。
type BufferOptions struct {
	DebounceWindow time.Duration
	SafetySlack    time.Duration
	LeaseTTL       time.Duration
	// Now 用于测试中注入时钟，为空时使用 time.Now。
	Now func() time.Time
}

// Batch 是一次读取的结果。Entries 是列表中的原始条目数（含无法解析的条目），提交时按它裁剪。
type Batch struct {
	Messages []model.BufferedMessage
	Entries  int
}

type redisBufferRepository struct {
	rdb  *redis.Client
	opts BufferOptions
}

// NewBufferRepository 创建一个基于 Redis 的 BufferRepository 实例。
func NewBufferRepository(rdb *redis.Client, opts BufferOptions) BufferRepository {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &redisBufferRepository{rdb: rdb, opts: opts}
}

func bufferKey(chatID string) string   { return bufferKeyPrefix + chatID }
func deadlineKey(chatID string) string { return deadlineKeyPrefix + chatID }
func leaseKey(chatID string) string    { return leaseKeyPrefix + chatID }

var (
	// KEYS[1]=lease ARGV[1]=token ARGV[2]=ttl(ms)
	renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	// KEYS[1]=lease ARGV[1]=token
	releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

	// KEYS[1]=lease KEYS[2]=buffer ARGV[1]=token
	readIfLeasedScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return false
end
return redis.call('LRANGE', KEYS[2], 0, -1)`)

	// KEYS[1]=lease KEYS[2]=buffer KEYS[3]=deadline ARGV[1]=token ARGV[2]=drained
	commitDrainScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return -1
end
local drained = tonumber(ARGV[2])
if drained > 0 then
	redis.call('LTRIM', KEYS[2], drained, -1)
end
local left = redis.call('LLEN', KEYS[2])
if left == 0 then
	redis.call('DEL', KEYS[2], KEYS[3])
end
redis.call('DEL', KEYS[1])
return left`)
)

// Append 在一个 MULTI 事务中完成追加、重置截止时间与刷新 TTL。
func (r *redisBufferRepository) Append(ctx context.Context, msg model.BufferedMessage) (int64, error) {
	now := r.opts.Now()
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal buffered message: %w", err)
	}

	expireAt := now.Add(r.opts.DebounceWindow)
	ttl := r.opts.DebounceWindow + r.opts.SafetySlack

	var push *redis.IntCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, bufferKey(msg.ChatID), payload)
		pipe.Set(ctx, deadlineKey(msg.ChatID), expireAt.Format(time.RFC3339Nano), ttl)
		pipe.Expire(ctx, bufferKey(msg.ChatID), ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append to buffer: %w", err)
	}
	return push.Val(), nil
}

func (r *redisBufferRepository) AcquireLease(ctx context.Context, chatID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, leaseKey(chatID), token, r.opts.LeaseTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *redisBufferRepository) RenewLease(ctx context.Context, chatID, token string) (bool, error) {
	n, err := renewLeaseScript.Run(ctx, r.rdb, []string{leaseKey(chatID)}, token, r.opts.LeaseTTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return n == 1, nil
}

func (r *redisBufferRepository) ReleaseLease(ctx context.Context, chatID, token string) error {
	if err := releaseLeaseScript.Run(ctx, r.rdb, []string{leaseKey(chatID)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (r *redisBufferRepository) ReadIfLeased(ctx context.Context, chatID, token string) (Batch, error) {
	raw, err := readIfLeasedScript.Run(ctx, r.rdb, []string{leaseKey(chatID), bufferKey(chatID)}, token).StringSlice()
	if err == redis.Nil {
		return Batch{}, ErrLeaseLost
	}
	if err != nil {
		return Batch{}, fmt.Errorf("failed to read buffer: %w", err)
	}

	messages := make([]model.BufferedMessage, 0, len(raw))
	for _, item := range raw {
		var msg model.BufferedMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			// 损坏的条目无法重放，跳过它但不阻塞其余消息
			log.Warnf("[BufferRepository] 跳过无法解析的缓冲消息, chat: %s, error: %v", chatID, err)
			continue
		}
		messages = append(messages, msg)
	}
	return Batch{Messages: messages, Entries: len(raw)}, nil
}

func (r *redisBufferRepository) CommitDrain(ctx context.Context, chatID, token string, drained int) (int64, error) {
	keys := []string{leaseKey(chatID), bufferKey(chatID), deadlineKey(chatID)}
	left, err := commitDrainScript.Run(ctx, r.rdb, keys, token, drained).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to commit drain: %w", err)
	}
	if left < 0 {
		return 0, ErrLeaseLost
	}
	return left, nil
}

func (r *redisBufferRepository) Deadlines(ctx context.Context) ([]model.DebounceDeadline, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, deadlineKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan deadlines: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load deadlines: %w", err)
	}

	deadlines := make([]model.DebounceDeadline, 0, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// 扫描与读取之间键已被删除或过期
			continue
		}
		expiresAt, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			log.Warnf("[BufferRepository] 无法解析截止时间, key: %s, value: %s", keys[i], s)
			continue
		}
		deadlines = append(deadlines, model.DebounceDeadline{
			ChatID:    strings.TrimPrefix(keys[i], deadlineKeyPrefix),
			ExpiresAt: expiresAt,
		})
	}
	return deadlines, nil
}

func (r *redisBufferRepository) Len(ctx context.Context, chatID string) (int64, error) {
	return r.rdb.LLen(ctx, bufferKey(chatID)).Result()
}
