package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"desk-assist-go/internal/middleware"
	"desk-assist-go/internal/model"
	"desk-assist-go/internal/pipeline"
	"desk-assist-go/internal/service"
	"desk-assist-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubChatService struct {
	got model.InboundMessage
	res service.IngestResult
	err error
}

func (s *stubChatService) Ingest(_ context.Context, in model.InboundMessage) (service.IngestResult, error) {
	s.got = in
	return s.res, s.err
}

type stubConversationService struct{}

func (stubConversationService) GetHistory(_ context.Context, chatID string, limit int) (*service.ChatHistory, error) {
	return &service.ChatHistory{Chat: &model.Chat{ChatID: chatID}}, nil
}

func (stubConversationService) ListPendingBuffers(context.Context) ([]service.PendingBuffer, error) {
	return []service.PendingBuffer{{ChatID: "c1", Length: 2}}, nil
}

func serve(r *gin.Engine, method, path, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReceiveBuffersMessage(t *testing.T) {
	chat := &stubChatService{res: service.IngestResult{Buffered: true, BufferLen: 2}}
	r := gin.New()
	r.POST("/chat", NewChatHandler(chat).Receive)

	w := serve(r, http.MethodPost, "/chat", `{"chat_id":"c1","user_id":"42","last_message":"привет"}`, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Contains(t, w.Body.String(), `"pending":2`)
	require.Equal(t, int64(42), chat.got.UserID)
	require.Equal(t, "привет", chat.got.LastMessage)
}

func TestReceiveReportsFallbackAndErrors(t *testing.T) {
	chat := &stubChatService{res: service.IngestResult{Fallback: &pipeline.Result{Success: true, Response: "Ответ"}}}
	r := gin.New()
	r.POST("/chat", NewChatHandler(chat).Receive)

	w := serve(r, http.MethodPost, "/chat", `{"chat_id":"c1","user_id":42,"last_message":"вопрос"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Ответ")

	w = serve(r, http.MethodPost, "/chat", `{"chat_id":"c1","user_id":"abc"}`, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	chat.err = service.ErrEmptyMessage
	w = serve(r, http.MethodPost, "/chat", `{"chat_id":"c1","user_id":1,"last_message":" "}`, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	chat.err = errors.New("boom")
	w = serve(r, http.MethodPost, "/chat", `{"chat_id":"c1","user_id":1,"last_message":"x"}`, "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	jwt := token.NewJWTManager("secret", 1)
	r := gin.New()
	admin := r.Group("/admin")
	admin.Use(middleware.AuthMiddleware(jwt), middleware.AdminAuthMiddleware(service.AdminRole))
	admin.GET("/buffers", NewConversationHandler(stubConversationService{}).ListBuffers)
	admin.GET("/conversations/:chatId/messages", NewConversationHandler(stubConversationService{}).GetMessages)

	w := serve(r, http.MethodGet, "/admin/buffers", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(r, http.MethodGet, "/admin/buffers", "", "not-a-token")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	viewer, err := jwt.GenerateToken("viewer", "USER")
	require.NoError(t, err)
	w = serve(r, http.MethodGet, "/admin/buffers", "", viewer)
	require.Equal(t, http.StatusForbidden, w.Code)

	adminToken, err := jwt.GenerateToken("operator", service.AdminRole)
	require.NoError(t, err)
	w = serve(r, http.MethodGet, "/admin/buffers", "", adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"chatId":"c1"`)

	w = serve(r, http.MethodGet, "/admin/conversations/c9/messages?limit=0", "", adminToken)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = serve(r, http.MethodGet, "/admin/conversations/c9/messages?limit=20", "", adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"chatId":"c9"`)
}

func TestHealthzReportsFailingDependency(t *testing.T) {
	r := gin.New()
	r.GET("/healthz", NewHealthHandler(map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
		"mysql": func(context.Context) error { return errors.New("connection refused") },
	}).Healthz)

	w := serve(r, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "connection refused")
	require.Contains(t, w.Body.String(), `"redis":"ok"`)
}
