// Package pipeline 定义了针对一批防抖消息生成并投递回复的流水线。
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"desk-assist-go/internal/config"
	"desk-assist-go/internal/model"
	"desk-assist-go/pkg/log"
	"desk-assist-go/pkg/metrics"
)

// ErrEmptyQuery 表示合并后的消息为空。
var ErrEmptyQuery = errors.New("empty query after concatenation")

// Kind 标记阶段失败时对整条流水线的影响。
type Kind int

const (
	// Fatal 阶段失败会中止流水线，批次留待下一轮扫描重试。
	Fatal Kind = iota
	// BestEffort 阶段失败只记录日志。
	BestEffort
)

// Status 是单个阶段的执行结果。
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// 阶段名称，同时用作指标标签。
const (
	StageConcatenate = "concatenate"
	StageRetrieve    = "retrieve"
	StageHistory     = "history"
	StageGreeting    = "greeting"
	StageGenerate    = "generate"
	StageTone        = "tone"
	StagePersist     = "persist"
	StageDeliver     = "deliver"
	StageEscalate    = "escalate"
	StageClassify    = "classify"
)

// StageResult 记录一个阶段的结果。
type StageResult struct {
	Name   string
	Kind   Kind
	Status Status
	Err    error
}

// Result 是一次流水线运行的结果。Success 当且仅当检索与生成都成功。
type Result struct {
	Success  bool
	Response string
	Tokens   int
	Stages   []StageResult
}

// Stage 返回指定阶段的结果；阶段未运行时 Status 为空。
func (r Result) Stage(name string) StageResult {
	for _, s := range r.Stages {
		if s.Name == name {
			return s
		}
	}
	return StageResult{Name: name}
}

// Err 返回导致流水线失败的致命阶段错误。
func (r Result) Err() error {
	for _, s := range r.Stages {
		if s.Kind == Fatal && s.Status == StatusFailure {
			return fmt.Errorf("stage %s: %w", s.Name, s.Err)
		}
	}
	return nil
}

// Options 控制流水线的行为。
type Options struct {
	ContextLimit      int
	HistoryLimit      int
	GreetingWindow    time.Duration
	Location          *time.Location
	ClassifyAfter     int
	ClassifyExactOnly bool
	LabelHintsPerMsg  int
	ManagerNote       string
	Prompts           Prompts
	Catalog           Catalog
	// Now 用于测试中注入时钟，为空时使用 time.Now。
	Now func() time.Time
}

// OptionsFromConfig 根据配置构造 Options。
func OptionsFromConfig(p config.PipelineConfig, c config.ClassificationConfig) (Options, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return Options{}, fmt.Errorf("failed to load timezone %q: %w", p.Timezone, err)
	}
	return Options{
		ContextLimit:      p.ContextLimit,
		HistoryLimit:      p.HistoryLimit,
		GreetingWindow:    p.GreetingWindow,
		Location:          loc,
		ClassifyAfter:     p.ClassifyAfter,
		ClassifyExactOnly: p.ClassifyExactOnly,
		LabelHintsPerMsg:  3,
		ManagerNote:       p.ManagerNote,
		Prompts:           PromptsFromConfig(p.Prompt),
		Catalog:           Catalog{Labels: c.Labels, SuccessID: c.SuccessID, SupportID: c.SupportID},
	}, nil
}

// Deps 是流水线依赖的外部协作者。Outbox 可以为空。
type Deps struct {
	Generator Generator
	Searcher  Searcher
	Store     ConversationStore
	Deliverer Deliverer
	Outbox    Outbox
}

type stage struct {
	name string
	kind Kind
	run  func(ctx context.Context, st *state) (Status, error)
}

// state 在阶段之间传递的中间结果。
type state struct {
	chatID     string
	userID     int64
	batch      []model.BufferedMessage
	now        time.Time
	query      string
	hits       []model.SearchHit
	contextIDs []string
	history    []model.Message
	transcript string
	greeted    bool
	response   string
	tokens     int
}

// Pipeline 依次执行各阶段。它不持有任何可变状态，可被多个排空任务并发使用。
type Pipeline struct {
	deps   Deps
	opts   Options
	stages []stage
}

// New 创建一个新的 Pipeline 实例。
func New(deps Deps, opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LabelHintsPerMsg <= 0 {
		opts.LabelHintsPerMsg = 3
	}
	p := &Pipeline{deps: deps, opts: opts}
	p.stages = []stage{
		{StageConcatenate, Fatal, p.concatenate},
		{StageRetrieve, Fatal, p.retrieve},
		{StageHistory, BestEffort, p.loadHistory},
		{StageGreeting, BestEffort, p.detectGreeting},
		{StageGenerate, Fatal, p.generate},
		{StageTone, BestEffort, p.normalizeTone},
		{StagePersist, BestEffort, p.persist},
		{StageDeliver, BestEffort, p.deliver},
		{StageEscalate, BestEffort, p.escalate},
		{StageClassify, BestEffort, p.classify},
	}
	return p
}

// Run 对同一会话按到达顺序排列的一批消息执行全部阶段。
// 同一批次可能被重复投递，持久化以批次内容的哈希去重。
func (p *Pipeline) Run(ctx context.Context, batch []model.BufferedMessage) Result {
	start := time.Now()
	defer func() { metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()

	st := &state{batch: batch, now: p.opts.Now()}
	if len(batch) > 0 {
		st.chatID = batch[0].ChatID
		st.userID = batch[0].UserID
	}

	res := Result{Stages: make([]StageResult, 0, len(p.stages))}
	for _, s := range p.stages {
		status, err := s.run(ctx, st)
		if err != nil && status == StatusSuccess {
			status = StatusFailure
		}
		res.Stages = append(res.Stages, StageResult{Name: s.name, Kind: s.kind, Status: status, Err: err})
		metrics.StageResults.WithLabelValues(s.name, string(status)).Inc()

		if status != StatusFailure {
			continue
		}
		if s.kind == Fatal {
			log.Errorf("[Pipeline] 致命阶段失败, 中止处理, chat: %s, stage: %s, error: %v", st.chatID, s.name, err)
			return res
		}
		log.Warnf("[Pipeline] 阶段失败, 继续处理, chat: %s, stage: %s, error: %v", st.chatID, s.name, err)
	}

	res.Success = true
	res.Response = st.response
	res.Tokens = st.tokens
	return res
}

// 1. 合并消息
func (p *Pipeline) concatenate(_ context.Context, st *state) (Status, error) {
	texts := make([]string, 0, len(st.batch))
	for _, m := range st.batch {
		if t := strings.TrimSpace(m.Text); t != "" {
			texts = append(texts, t)
		}
	}
	st.query = strings.Join(texts, " ")
	if st.query == "" {
		return StatusFailure, ErrEmptyQuery
	}
	return StatusSuccess, nil
}

// 2. 检索上下文
func (p *Pipeline) retrieve(ctx context.Context, st *state) (Status, error) {
	hits, err := p.deps.Searcher.Search(ctx, st.query, p.opts.ContextLimit)
	if err != nil {
		return StatusFailure, err
	}
	if len(hits) > p.opts.ContextLimit {
		hits = hits[:p.opts.ContextLimit]
	}
	st.hits = hits
	st.contextIDs = make([]string, 0, len(hits))
	for _, h := range hits {
		st.contextIDs = append(st.contextIDs, h.ID)
	}
	return StatusSuccess, nil
}

// 3. 加载历史，失败时退化为空记录
func (p *Pipeline) loadHistory(ctx context.Context, st *state) (Status, error) {
	history, err := p.deps.Store.GetRecentMessages(ctx, st.chatID, p.opts.HistoryLimit)
	if err != nil {
		st.history = nil
		st.transcript = ""
		return StatusFailure, err
	}
	st.history = history
	st.transcript = formatTranscript(history, p.opts.Location)
	return StatusSuccess, nil
}

// 4. 检测近期问候
func (p *Pipeline) detectGreeting(_ context.Context, st *state) (Status, error) {
	if len(st.history) == 0 {
		return StatusSkipped, nil
	}
	st.greeted = recentGreeting(st.history, st.now, p.opts.GreetingWindow)
	return StatusSuccess, nil
}

// 5. 生成回复
func (p *Pipeline) generate(ctx context.Context, st *state) (Status, error) {
	prompt := buildGenerationPrompt(st.transcript, formatContext(st.hits), st.query, model.FormatLocal(st.now, p.opts.Location))
	completion, err := p.deps.Generator.Generate(ctx, prompt, p.opts.Prompts.System)
	if err != nil {
		return StatusFailure, err
	}
	st.response = completion.Text
	st.tokens = completion.TotalTokens
	metrics.TokensUsed.Add(float64(completion.TotalTokens))
	log.Infof("[Pipeline] 生成回复成功, chat: %s, tokens: %d", st.chatID, completion.TotalTokens)
	return StatusSuccess, nil
}

// 6. 调整语气：近期已问候则去掉开头的问候，否则补上一句；并去掉强调标记
func (p *Pipeline) normalizeTone(ctx context.Context, st *state) (Status, error) {
	system := p.opts.Prompts.AddGreeting
	if st.greeted {
		system = p.opts.Prompts.StripGreeting
	}
	completion, err := p.deps.Generator.Generate(ctx, st.response, system)
	if err != nil {
		return StatusFailure, err
	}
	st.response = stripEmphasis(strings.TrimSpace(completion.Text))
	return StatusSuccess, nil
}

// 7. 持久化，失败时写入 outbox
func (p *Pipeline) persist(ctx context.Context, st *state) (Status, error) {
	msg := model.Message{
		ChatID:       st.chatID,
		UserID:       st.userID,
		Text:         st.query,
		Response:     st.response,
		RetrievedIDs: st.contextIDs,
		DedupKey:     batchKey(st.batch),
		CreatedAt:    st.now,
	}
	err := p.deps.Store.AppendMessage(ctx, &msg)
	if err == nil {
		return StatusSuccess, nil
	}
	if p.deps.Outbox == nil {
		return StatusFailure, err
	}
	if oerr := p.deps.Outbox.Enqueue(ctx, msg); oerr != nil {
		return StatusFailure, errors.Join(err, fmt.Errorf("outbox: %w", oerr))
	}
	log.Warnf("[Pipeline] 持久化失败, 已写入 outbox 等待重放, chat: %s, error: %v", st.chatID, err)
	return StatusFailure, err
}

// 8. 投递回复
func (p *Pipeline) deliver(ctx context.Context, st *state) (Status, error) {
	code, err := p.deps.Deliverer.SendText(ctx, st.chatID, st.response)
	if err != nil {
		return StatusFailure, err
	}
	log.Infof("[Pipeline] 回复已投递, chat: %s, status: %d", st.chatID, code)
	return StatusSuccess, nil
}

// 9. 判断是否需要人工介入
func (p *Pipeline) escalate(ctx context.Context, st *state) (Status, error) {
	need := mentionsPricing(st.query)
	if !need {
		prompt := buildEscalationPrompt(st.transcript, st.query, st.response, model.FormatLocal(st.now, p.opts.Location))
		raw, err := p.deps.Generator.GenerateJSON(ctx, prompt, p.opts.Prompts.Escalation)
		if err != nil {
			return StatusFailure, err
		}
		need, err = parseEscalation(raw)
		if err != nil {
			return StatusFailure, err
		}
	}
	if !need {
		return StatusSkipped, nil
	}
	code, err := p.deps.Deliverer.SummonHuman(ctx, st.chatID, st.userID, p.opts.ManagerNote)
	if err != nil {
		return StatusFailure, err
	}
	log.Infof("[Pipeline] 已呼叫人工, chat: %s, status: %d", st.chatID, code)
	return StatusSuccess, nil
}

// 10. 一次性会话分类
func (p *Pipeline) classify(ctx context.Context, st *state) (Status, error) {
	count, err := p.deps.Store.CountMessages(ctx, st.chatID)
	if err != nil {
		return StatusFailure, err
	}
	threshold := int64(p.opts.ClassifyAfter)
	if count < threshold || (p.opts.ClassifyExactOnly && count != threshold) {
		return StatusSkipped, nil
	}
	chat, err := p.deps.Store.GetChat(ctx, st.chatID)
	if err != nil {
		return StatusFailure, err
	}
	if chat.Classified {
		return StatusSkipped, nil
	}

	history, err := p.deps.Store.GetRecentMessages(ctx, st.chatID, p.opts.ClassifyAfter)
	if err != nil {
		return StatusFailure, err
	}
	queries := make([]string, 0, len(history))
	for _, m := range history {
		queries = append(queries, m.Text)
	}
	hints, err := p.deps.Searcher.LabelHints(ctx, queries, p.opts.LabelHintsPerMsg)
	if err != nil {
		// 标签提示只是辅助信息
		log.Warnf("[Pipeline] 获取标签提示失败, chat: %s, error: %v", st.chatID, err)
		hints = nil
	}

	prompt := buildClassificationPrompt(history, hints, p.opts.Catalog.Labels, p.opts.Catalog.SuccessID, p.opts.Catalog.SupportID)
	raw, err := p.deps.Generator.GenerateJSON(ctx, prompt, p.opts.Prompts.Classification)
	if err != nil {
		return StatusFailure, err
	}
	result, err := parseClassification(raw, p.opts.Catalog)
	if err != nil {
		return StatusFailure, err
	}
	if _, err := p.deps.Deliverer.SetRoutingAndLabels(ctx, st.chatID, result.Labels, result.Group); err != nil {
		return StatusFailure, err
	}
	if err := p.deps.Store.MarkClassified(ctx, st.chatID); err != nil {
		return StatusFailure, err
	}
	log.Infof("[Pipeline] 会话分类完成, chat: %s, labels: %v, group: %s", st.chatID, result.Labels, result.Group)
	return StatusSuccess, nil
}

// batchKey 由批次内容派生持久化去重键，同一批次重放时得到相同的键。
func batchKey(batch []model.BufferedMessage) string {
	h := sha256.New()
	for _, m := range batch {
		h.Write([]byte(m.ChatID))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(m.EnqueuedAt.UnixNano(), 10)))
		h.Write([]byte{0})
		h.Write([]byte(m.Text))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
