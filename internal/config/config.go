// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Log            LogConfig            `mapstructure:"log"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	Tika           TikaConfig           `mapstructure:"tika"`
	Elasticsearch  ElasticsearchConfig  `mapstructure:"elasticsearch"`
	MinIO          MinIOConfig          `mapstructure:"minio"`
	Embedding      EmbeddingConfig      `mapstructure:"embedding"`
	LLM            LLMConfig            `mapstructure:"llm"`
	Helpdesk       HelpdeskConfig       `mapstructure:"helpdesk"`
	Buffer         BufferConfig         `mapstructure:"buffer"`
	Pipeline       PipelineConfig       `mapstructure:"pipeline"`
	Classification ClassificationConfig `mapstructure:"classification"`
	Admin          AdminConfig          `mapstructure:"admin"`
	JWT            JWTConfig            `mapstructure:"jwt"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。OutboxTopic 承载持久化失败后待重放的消息记录，
// 重放多次失败的记录转入 DeadLetterTopic。
type KafkaConfig struct {
	Brokers         string        `mapstructure:"brokers"`
	OutboxTopic     string        `mapstructure:"outbox_topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	GroupID         string        `mapstructure:"group_id"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses  string `mapstructure:"addresses"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	CaseIndex  string `mapstructure:"case_index"`
	LabelIndex string `mapstructure:"label_index"`
	Dimensions int    `mapstructure:"dimensions"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于归档用户发送的附件。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey          string              `mapstructure:"api_key"`
	BaseURL         string              `mapstructure:"base_url"`
	Model           string              `mapstructure:"model"`
	VisionModel     string              `mapstructure:"vision_model"`
	TranscribeModel string              `mapstructure:"transcribe_model"`
	Timeout         time.Duration       `mapstructure:"timeout"`
	Generation      LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// HelpdeskConfig 存储外部客服系统 (Omnidesk) 的连接配置。
type HelpdeskConfig struct {
	Domain       string  `mapstructure:"domain"`
	StaffID      int64   `mapstructure:"staff_id"`
	UserEmail    string  `mapstructure:"user_email"`
	APIKey       string  `mapstructure:"api_key"`
	RatePerSec   float64 `mapstructure:"rate_per_sec"`
	Burst        int     `mapstructure:"burst"`
	AttachMarker string  `mapstructure:"attachment_marker"`
}

// BufferConfig 控制消息防抖缓冲、扫描与租约。
type BufferConfig struct {
	DebounceWindow     time.Duration `mapstructure:"debounce_window"`
	SafetySlack        time.Duration `mapstructure:"safety_slack"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	ErrorBackoffFactor int           `mapstructure:"error_backoff_factor"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	LeaseRenewInterval time.Duration `mapstructure:"lease_renew_interval"`
	// DrainTimeout 是单次排空（含流水线）的总时长上限，依靠续约可以超过 LeaseTTL。
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
}

// PipelineConfig 控制回复流水线的各项参数与提示词。
type PipelineConfig struct {
	ContextLimit      int           `mapstructure:"context_limit"`
	HistoryLimit      int           `mapstructure:"history_limit"`
	GreetingWindow    time.Duration `mapstructure:"greeting_window"`
	Timezone          string        `mapstructure:"timezone"`
	ClassifyAfter     int           `mapstructure:"classify_after"`
	ClassifyExactOnly bool          `mapstructure:"classify_exact_only"`
	ManagerNote       string        `mapstructure:"manager_note"`
	Prompt            PromptConfig  `mapstructure:"prompt"`
}

// PromptConfig 存储各阶段使用的系统提示词，留空时使用内置默认值。
type PromptConfig struct {
	System         string `mapstructure:"system"`
	StripGreeting  string `mapstructure:"strip_greeting"`
	AddGreeting    string `mapstructure:"add_greeting"`
	Escalation     string `mapstructure:"escalation"`
	Classification string `mapstructure:"classification"`
}

// ClassificationConfig 存储可用的标签与路由分组。
type ClassificationConfig struct {
	Labels    []LabelConfig `mapstructure:"labels"`
	SuccessID string        `mapstructure:"success_id"`
	SupportID string        `mapstructure:"support_id"`
}

// LabelConfig 是一个可用标签。
type LabelConfig struct {
	ID   int    `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// AdminConfig 存储管理接口的登录凭据，PasswordHash 为 bcrypt 哈希。
type AdminConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// Init 初始化配置加载：先加载 .env（若存在），再读取 YAML 文件并解析到 Conf 变量中。
// 环境变量 DESK_<SECTION>_<KEY> 会覆盖文件中的值。
func Init(configPath string) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			panic(fmt.Errorf("加载 .env 失败: %w", err))
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := v.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}

	if err := Conf.Validate(); err != nil {
		panic(fmt.Errorf("配置校验失败: %w", err))
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("kafka.outbox_topic", d.Kafka.OutboxTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.dead_letter_topic", d.Kafka.DeadLetterTopic)
	v.SetDefault("kafka.max_attempts", d.Kafka.MaxAttempts)
	v.SetDefault("kafka.retry_backoff", d.Kafka.RetryBackoff)
	v.SetDefault("elasticsearch.case_index", d.Elasticsearch.CaseIndex)
	v.SetDefault("elasticsearch.label_index", d.Elasticsearch.LabelIndex)
	v.SetDefault("elasticsearch.dimensions", d.Elasticsearch.Dimensions)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("helpdesk.rate_per_sec", d.Helpdesk.RatePerSec)
	v.SetDefault("helpdesk.burst", d.Helpdesk.Burst)
	v.SetDefault("helpdesk.attachment_marker", d.Helpdesk.AttachMarker)
	v.SetDefault("buffer.debounce_window", d.Buffer.DebounceWindow)
	v.SetDefault("buffer.safety_slack", d.Buffer.SafetySlack)
	v.SetDefault("buffer.sweep_interval", d.Buffer.SweepInterval)
	v.SetDefault("buffer.error_backoff_factor", d.Buffer.ErrorBackoffFactor)
	v.SetDefault("buffer.lease_ttl", d.Buffer.LeaseTTL)
	v.SetDefault("buffer.lease_renew_interval", d.Buffer.LeaseRenewInterval)
	v.SetDefault("buffer.drain_timeout", d.Buffer.DrainTimeout)
	v.SetDefault("pipeline.context_limit", d.Pipeline.ContextLimit)
	v.SetDefault("pipeline.history_limit", d.Pipeline.HistoryLimit)
	v.SetDefault("pipeline.greeting_window", d.Pipeline.GreetingWindow)
	v.SetDefault("pipeline.timezone", d.Pipeline.Timezone)
	v.SetDefault("pipeline.classify_after", d.Pipeline.ClassifyAfter)
	v.SetDefault("pipeline.manager_note", d.Pipeline.ManagerNote)
	v.SetDefault("jwt.access_token_expire_hours", d.JWT.AccessTokenExpireHours)

	// 敏感字段通常只通过环境变量提供，需要显式登记才能被 AutomaticEnv 解析
	for _, key := range []string{
		"database.mysql.dsn", "database.redis.password",
		"llm.api_key", "embedding.api_key", "helpdesk.api_key",
		"minio.secret_access_key", "elasticsearch.password",
		"admin.password_hash", "jwt.secret",
	} {
		v.SetDefault(key, "")
	}
}

// Defaults 返回一份带有默认值的配置。
func Defaults() Config {
	return Config{
		Server: ServerConfig{Port: "8080", Mode: "release"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Kafka: KafkaConfig{
			OutboxTopic:     "desk-assist-message-outbox",
			DeadLetterTopic: "desk-assist-message-outbox-dlq",
			GroupID:         "desk-assist-outbox-consumer",
			MaxAttempts:     5,
			RetryBackoff:    time.Second,
		},
		Elasticsearch: ElasticsearchConfig{
			CaseIndex:  "support_cases",
			LabelIndex: "support_labels",
			Dimensions: 1024,
		},
		LLM:      LLMConfig{Timeout: 60 * time.Second},
		Helpdesk: HelpdeskConfig{RatePerSec: 5, Burst: 5, AttachMarker: "attachment/download/chat/"},
		Buffer: BufferConfig{
			DebounceWindow:     90 * time.Second,
			SafetySlack:        30 * time.Second,
			SweepInterval:      10 * time.Second,
			ErrorBackoffFactor: 3,
			LeaseTTL:           300 * time.Second,
			LeaseRenewInterval: 100 * time.Second,
			DrainTimeout:       15 * time.Minute,
		},
		Pipeline: PipelineConfig{
			ContextLimit:   5,
			HistoryLimit:   10,
			GreetingWindow: time.Hour,
			Timezone:       "Asia/Almaty",
			ClassifyAfter:  10,
			ManagerNote:    "ВЫЗОВ МЕНЕДЖЕРА",
		},
		JWT: JWTConfig{AccessTokenExpireHours: 12},
	}
}

// BufferTTL 返回缓冲列表与截止时间键共用的安全过期时间。
func (b BufferConfig) BufferTTL() time.Duration {
	return b.DebounceWindow + b.SafetySlack
}

// Validate 检查配置中互相约束的字段。
func (c Config) Validate() error {
	var errs []error
	b := c.Buffer
	if b.DebounceWindow <= 0 {
		errs = append(errs, errors.New("buffer.debounce_window 必须大于 0"))
	}
	if b.SafetySlack <= 0 {
		errs = append(errs, errors.New("buffer.safety_slack 必须大于 0"))
	}
	if b.SweepInterval <= 0 {
		errs = append(errs, errors.New("buffer.sweep_interval 必须大于 0"))
	}
	if b.ErrorBackoffFactor < 1 {
		errs = append(errs, errors.New("buffer.error_backoff_factor 不能小于 1"))
	}
	if b.LeaseTTL <= 0 {
		errs = append(errs, errors.New("buffer.lease_ttl 必须大于 0"))
	}
	if b.LeaseRenewInterval <= 0 || b.LeaseRenewInterval >= b.LeaseTTL {
		errs = append(errs, errors.New("buffer.lease_renew_interval 必须介于 0 与 lease_ttl 之间"))
	}
	if b.DrainTimeout <= b.LeaseTTL {
		errs = append(errs, errors.New("buffer.drain_timeout 必须大于 lease_ttl"))
	}
	p := c.Pipeline
	if p.ContextLimit <= 0 || p.HistoryLimit <= 0 {
		errs = append(errs, errors.New("pipeline.context_limit 与 pipeline.history_limit 必须大于 0"))
	}
	if p.ClassifyAfter <= 0 || p.ClassifyAfter > p.HistoryLimit {
		errs = append(errs, errors.New("pipeline.classify_after 必须介于 1 与 history_limit 之间"))
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.timezone 无效: %w", err))
	}
	return errors.Join(errs...)
}
