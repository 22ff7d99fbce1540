package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"desk-assist-go/internal/config"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o"})
}

func TestGenerateSendsSystemAndUserMessages(t *testing.T) {
	var got chatRequest
	var rawMessages []Message
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		var probe struct {
			Messages []Message `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(body, &probe))
		rawMessages = probe.Messages
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"answer"}}],"usage":{"total_tokens":42}}`))
	})

	completion, err := client.Generate(context.Background(), "question", "be nice")
	require.NoError(t, err)
	require.Equal(t, "answer", completion.Text)
	require.Equal(t, 42, completion.TotalTokens)
	require.Equal(t, "gpt-4o", got.Model)
	require.False(t, got.Stream)
	require.Nil(t, got.ResponseFormat)
	require.Equal(t, []Message{{Role: "system", Content: "be nice"}, {Role: "user", Content: "question"}}, rawMessages)
}

func TestGenerateJSONRequestsJSONObject(t *testing.T) {
	var got chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" {\"response_required\": true} "}}]}`))
	})

	raw, err := client.GenerateJSON(context.Background(), "classify", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"response_required": true}`, string(raw))
	require.NotNil(t, got.ResponseFormat)
	require.Equal(t, "json_object", got.ResponseFormat.Type)
	require.NotNil(t, got.Temperature)
	require.Zero(t, *got.Temperature)
}

func TestGenerateJSONRejectsMalformedOutput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"yes, a human is needed"}}]}`))
	})

	_, err := client.GenerateJSON(context.Background(), "classify", "")
	require.ErrorIs(t, err, ErrInvalidJSON)
}

func TestGenerateErrors(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		})
		_, err := client.Generate(context.Background(), "q", "")
		require.Error(t, err)
		require.Contains(t, err.Error(), "503")
	})

	t.Run("empty choices", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		})
		_, err := client.Generate(context.Background(), "q", "")
		require.ErrorIs(t, err, ErrEmptyCompletion)
	})
}

func TestDescribeImageUsesVisionModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Contains(t, string(body), `"model":"vision"`)
		require.Contains(t, string(body), `"image_url":{"url":"https://x/attachment/download/chat/1.png"}`)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"a receipt"}}]}`))
	}))
	defer srv.Close()

	client := NewClient(config.LLMConfig{BaseURL: srv.URL, Model: "gpt-4o", VisionModel: "vision"})
	text, err := client.DescribeImage(context.Background(), "https://x/attachment/download/chat/1.png")
	require.NoError(t, err)
	require.Equal(t, "a receipt", text)
}

func TestTranscribeDownloadsAndUploadsAudio(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/voice.ogg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OggS-audio"))
	})
	mux.HandleFunc("/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		require.Equal(t, "OggS-audio", string(data))
		require.Equal(t, "voice.ogg", header.Filename)
		require.Equal(t, "whisper-1", r.FormValue("model"))
		_, _ = w.Write([]byte(`{"text":"hello from audio"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(config.LLMConfig{BaseURL: srv.URL})
	text, err := client.Transcribe(context.Background(), srv.URL+"/files/voice.ogg")
	require.NoError(t, err)
	require.Equal(t, "hello from audio", text)
}
