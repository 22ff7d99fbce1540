// Package llm provides a client for OpenAI-compatible chat completion APIs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"desk-assist-go/internal/config"
	"desk-assist-go/pkg/log"
)

var (
	// ErrEmptyCompletion 表示接口返回了空的 choices 或空文本。
	ErrEmptyCompletion = errors.New("llm returned empty completion")
	// ErrInvalidJSON 表示要求结构化输出时模型返回的内容不是合法 JSON 对象。
	ErrInvalidJSON = errors.New("llm returned invalid json")
)

// Client defines the interface for an LLM client.
type Client interface {
	// Chat 以 role-based 消息与可选生成参数调用聊天接口。
	Chat(ctx context.Context, messages []Message, gen *GenerationParams) (Completion, error)
	// Generate 以一条 system 指令加一条 user 消息生成文本。
	Generate(ctx context.Context, prompt, system string) (Completion, error)
	// GenerateJSON 要求模型返回 JSON 对象 (response_format=json_object)。
	GenerateJSON(ctx context.Context, prompt, system string) (json.RawMessage, error)
	// DescribeImage 调用视觉模型描述一张图片。
	DescribeImage(ctx context.Context, imageURL string) (string, error)
	// Transcribe 下载音频并调用转写接口。
	Transcribe(ctx context.Context, audioURL string) (string, error)
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(cfg config.LLMConfig) Client {
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	JSON        bool
}

// Completion 是一次非流式生成的结果。
type Completion struct {
	Text        string
	TotalTokens int
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       interface{}     `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAICompatibleClient) Generate(ctx context.Context, prompt, system string) (Completion, error) {
	return c.Chat(ctx, buildMessages(prompt, system), nil)
}

func (c *openAICompatibleClient) GenerateJSON(ctx context.Context, prompt, system string) (json.RawMessage, error) {
	zero := 0.0
	completion, err := c.Chat(ctx, buildMessages(prompt, system), &GenerationParams{Temperature: &zero, JSON: true})
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(strings.TrimSpace(completion.Text))
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return raw, nil
}

func buildMessages(prompt, system string) []Message {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	return append(messages, Message{Role: "user", Content: prompt})
}

func (c *openAICompatibleClient) Chat(ctx context.Context, messages []Message, gen *GenerationParams) (Completion, error) {
	return c.complete(ctx, c.cfg.Model, messages, gen)
}

func (c *openAICompatibleClient) complete(ctx context.Context, model string, messages interface{}, gen *GenerationParams) (Completion, error) {
	reqBody := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	}
	// 从配置或传参注入生成参数（传参优先生效）
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		reqBody.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		reqBody.MaxTokens = &m
	}
	if gen != nil {
		if gen.Temperature != nil {
			reqBody.Temperature = gen.Temperature
		}
		if gen.TopP != nil {
			reqBody.TopP = gen.TopP
		}
		if gen.MaxTokens != nil {
			reqBody.MaxTokens = gen.MaxTokens
		}
		if gen.JSON {
			reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
		}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Completion{}, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Completion{}, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 || strings.TrimSpace(chatResp.Choices[0].Message.Content) == "" {
		return Completion{}, ErrEmptyCompletion
	}

	log.Debugf("[LLMClient] model: %s, total_tokens: %d", model, chatResp.Usage.TotalTokens)
	return Completion{
		Text:        chatResp.Choices[0].Message.Content,
		TotalTokens: chatResp.Usage.TotalTokens,
	}, nil
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type visionMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

const describeImagePrompt = "Опиши, что изображено на картинке. Если на изображении есть текст, перепиши его полностью."

func (c *openAICompatibleClient) DescribeImage(ctx context.Context, url string) (string, error) {
	model := c.cfg.VisionModel
	if model == "" {
		model = c.cfg.Model
	}
	messages := []visionMessage{{
		Role: "user",
		Content: []contentPart{
			{Type: "text", Text: describeImagePrompt},
			{Type: "image_url", ImageURL: &imageURL{URL: url}},
		},
	}}
	completion, err := c.complete(ctx, model, messages, nil)
	if err != nil {
		return "", fmt.Errorf("failed to describe image: %w", err)
	}
	return completion.Text, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (c *openAICompatibleClient) Transcribe(ctx context.Context, audioURL string) (string, error) {
	// 1. 下载音频
	dl, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}
	audioResp, err := c.client.Do(dl)
	if err != nil {
		return "", fmt.Errorf("failed to download audio: %w", err)
	}
	defer audioResp.Body.Close()
	if audioResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("audio download returned non-200 status: %s", audioResp.Status)
	}

	// 2. 组装 multipart 请求
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	model := c.cfg.TranscribeModel
	if model == "" {
		model = "whisper-1"
	}
	if err := mw.WriteField("model", model); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", path.Base(dl.URL.Path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, audioResp.Body); err != nil {
		return "", fmt.Errorf("failed to buffer audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	// 3. 调用转写接口
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call transcription api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("transcription api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode transcription response: %w", err)
	}
	return tr.Text, nil
}
