// Package helpdesk 提供了与外部客服系统 (Omnidesk) 交互的客户端。
package helpdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"desk-assist-go/internal/config"
	"desk-assist-go/pkg/log"

	"golang.org/x/time/rate"
)

// StatusError 表示客服系统返回了非 2xx 状态码。
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helpdesk %s returned status %d: %s", e.Op, e.Status, e.Body)
}

// Client 封装了回复投递、路由打标与呼叫人工三个操作。
// 每个方法都返回 HTTP 状态码，便于调用方记录投递结果。
type Client struct {
	baseURL   string
	staffID   int64
	userEmail string
	apiKey    string
	http      *http.Client
	limiter   *rate.Limiter
}

// NewClient 创建一个新的客服系统客户端，所有请求共享一个令牌桶限流器。
func NewClient(cfg config.HelpdeskConfig) *Client {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.Domain, "/"),
		staffID:   cfg.StaffID,
		userEmail: cfg.UserEmail,
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type sendMessageRequest struct {
	Message struct {
		Content string `json:"content"`
		StaffID int64  `json:"staff_id"`
	} `json:"message"`
}

// SendText 以配置的坐席身份向会话发送一条回复。
func (c *Client) SendText(ctx context.Context, chatID, text string) (int, error) {
	var body sendMessageRequest
	body.Message.Content = text
	body.Message.StaffID = c.staffID
	return c.do(ctx, "send_message", http.MethodPost, "/cases/"+url.PathEscape(chatID)+"/messages.json", body)
}

type updateCaseRequest struct {
	Case struct {
		Labels  []int  `json:"labels"`
		GroupID string `json:"group_id"`
	} `json:"case"`
}

// SetRoutingAndLabels 为会话设置标签并把它路由到指定分组。
func (c *Client) SetRoutingAndLabels(ctx context.Context, chatID string, labels []int, group string) (int, error) {
	var body updateCaseRequest
	body.Case.Labels = labels
	body.Case.GroupID = group
	return c.do(ctx, "set_labels_and_group", http.MethodPut, "/cases/"+url.PathEscape(chatID)+".json", body)
}

type noteRequest struct {
	Note struct {
		Content string `json:"content"`
		UserID  int64  `json:"user_id"`
		StaffID int64  `json:"staff_id"`
	} `json:"note"`
}

// SummonHuman 在会话中留下一条内部备注，提醒人工坐席接手。
func (c *Client) SummonHuman(ctx context.Context, chatID string, userID int64, note string) (int, error) {
	var body noteRequest
	body.Note.Content = note
	body.Note.UserID = userID
	body.Note.StaffID = c.staffID
	return c.do(ctx, "call_human", http.MethodPost, "/cases/"+url.PathEscape(chatID)+"/note.json", body)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("helpdesk rate limiter: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.userEmail, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to call helpdesk %s: %w", op, err)
	}
	defer resp.Body.Close()

	log.Debugf("[HelpdeskClient] %s %s -> %d", method, path, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, &StatusError{Op: op, Status: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
