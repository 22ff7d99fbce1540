// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"desk-assist-go/internal/config"
	"desk-assist-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// ErrMalformed 表示记录无法解析，重试没有意义，消费者会直接提交 offset。
var ErrMalformed = errors.New("malformed kafka record")

const attemptsKeyPrefix = "outbox:attempts:"

// Processor 处理一条 Kafka 记录，把消费者与具体业务解耦。
type Processor interface {
	Process(ctx context.Context, m kafka.Message) error
}

// Writer 是 kafka.Writer 的最小子集。
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader 是 kafka.Reader 的最小子集，消费者只使用手动提交。
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter 根据配置创建写入 outbox 主题的生产者。
func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	return NewTopicWriter(cfg.Brokers, cfg.OutboxTopic)
}

// NewTopicWriter 创建写入指定主题的生产者，死信主题也用它创建。
func NewTopicWriter(brokers, topic string) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	log.Infof("Kafka 生产者初始化成功, topic: %s", topic)
	return w
}

// NewReader 根据配置创建 outbox 主题的消费者组读取器。
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.OutboxTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
}

// PublishJSON 以 key 为分区键发送一条 JSON 记录。
func PublishJSON(ctx context.Context, w Writer, key string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal kafka record: %w", err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("failed to write kafka record: %w", err)
	}
	return nil
}

// ConsumerOptions 控制单条记录的重试节奏与最终去向。
type ConsumerOptions struct {
	MaxAttempts int
	// Backoff 是同一条记录两次处理之间的初始等待，逐次翻倍，不超过 MaxBackoff。
	Backoff    time.Duration
	MaxBackoff time.Duration
	// DeadLetter 接收多次重试仍失败或无法解析的记录；为空时放弃的记录只写日志。
	DeadLetter Writer
	// After 用于测试中注入计时器。
	After func(d time.Duration) <-chan time.Time
}

// Consumer 逐条拉取记录并交给 Processor。一条记录在成功、进入死信或放弃之前会原地重试，
// 不会先去拉取后面的记录，因此提交后面的 offset 不会越过失败的记录。
type Consumer struct {
	reader    Reader
	rdb       *redis.Client
	processor Processor
	opts      ConsumerOptions
}

// NewConsumer 创建一个新的 Consumer。rdb 用于跨实例、跨重启统计失败次数。
func NewConsumer(reader Reader, rdb *redis.Client, processor Processor, opts ConsumerOptions) *Consumer {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Consumer{reader: reader, rdb: rdb, processor: processor, opts: opts}
}

// Run 持续消费直到 ctx 被取消，退出时关闭读取器。读取失败时退避后继续。
func (c *Consumer) Run(ctx context.Context) {
	log.Info("[OutboxConsumer] Kafka 消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("[OutboxConsumer] 关闭 Kafka 消费者失败: %v", err)
		}
	}()

	fetchFailures := 0
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("[OutboxConsumer] Kafka 消费者已停止")
				return
			}
			fetchFailures++
			delay := c.backoff(fetchFailures)
			log.Errorf("[OutboxConsumer] 从 Kafka 读取消息失败, %s 后重试, error: %v", delay, err)
			if !c.sleep(ctx, delay) {
				log.Info("[OutboxConsumer] Kafka 消费者已停止")
				return
			}
			continue
		}
		fetchFailures = 0
		c.handle(ctx, m)
	}
}

// handle 处理单条记录直到可以提交 offset，ctx 被取消时保持未提交，重启后重新投递。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	key := string(m.Key)
	log.Infof("[OutboxConsumer] 收到 Kafka 消息, offset: %d, key: %s", m.Offset, key)

	for attempt := 1; ; attempt++ {
		err := c.processor.Process(ctx, m)
		if err == nil {
			if key != "" {
				_ = c.rdb.Del(ctx, attemptsKeyPrefix+key).Err()
			}
			c.commit(ctx, m)
			return
		}
		if errors.Is(err, ErrMalformed) {
			// 格式错误的记录重试没有意义：尽力写入死信后提交，避免阻塞分区
			log.Errorf("[OutboxConsumer] 无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			if dlqErr := c.deadLetter(ctx, m, err); dlqErr != nil {
				log.Errorf("[OutboxConsumer] 写入死信主题失败, key: %s, error: %v", key, dlqErr)
			}
			c.commit(ctx, m)
			return
		}

		attempts := c.recordFailure(ctx, key, attempt)
		log.Errorf("[OutboxConsumer] 处理消息失败, key: %s, attempts: %d, error: %v", key, attempts, err)
		if attempts >= int64(c.opts.MaxAttempts) {
			dlqErr := c.deadLetter(ctx, m, err)
			if dlqErr == nil {
				log.Errorf("[OutboxConsumer] 消息多次处理失败(>=%d), 已转入死信并提交, key: %s", c.opts.MaxAttempts, key)
				c.commit(ctx, m)
				return
			}
			// 死信也写不进去时继续原地重试，记录不能被跳过
			log.Errorf("[OutboxConsumer] 写入死信主题失败, 继续重试, key: %s, error: %v", key, dlqErr)
		}

		if !c.sleep(ctx, c.backoff(attempt)) {
			log.Warnf("[OutboxConsumer] 重试等待中被取消, 保留 offset 未提交, key: %s", key)
			return
		}
	}
}

// recordFailure 累加失败次数；Redis 不可用时退回本地计数。
func (c *Consumer) recordFailure(ctx context.Context, key string, local int) int64 {
	attemptsKey := attemptsKeyPrefix + key
	attempts, err := c.rdb.Incr(ctx, attemptsKey).Result()
	if err != nil {
		return int64(local)
	}
	_ = c.rdb.Expire(ctx, attemptsKey, 24*time.Hour).Err()
	return attempts
}

// deadLetter 把原始记录连同失败原因写入死信主题。未配置死信主题时视为成功。
func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, cause error) error {
	if c.opts.DeadLetter == nil {
		log.Errorf("[OutboxConsumer] 未配置死信主题, 丢弃消息, key: %s, value: %s", string(m.Key), string(m.Value))
		return nil
	}
	headers := append([]kafka.Header{}, m.Headers...)
	headers = append(headers, kafka.Header{Key: "outbox-error", Value: []byte(cause.Error())})
	return c.opts.DeadLetter.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: m.Value, Headers: headers})
}

// backoff 返回第 n 次失败后的等待时间。
func (c *Consumer) backoff(n int) time.Duration {
	d := c.opts.Backoff
	for i := 1; i < n && d < c.opts.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.opts.MaxBackoff {
		d = c.opts.MaxBackoff
	}
	return d
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.opts.After(d):
		return true
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("[OutboxConsumer] 提交 Kafka 消息 offset 失败: %v", err)
	}
}
