package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"desk-assist-go/internal/config"

	"github.com/stretchr/testify/require"
)

func TestCreateEmbeddingsKeepsInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"a", "b"}, req.Input)
		require.Equal(t, 3, req.Dimensions)
		// 返回顺序被打乱，依赖 index 字段还原
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1,0]},{"index":0,"embedding":[1,0,0]}]}`))
	}))
	defer srv.Close()

	client := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Model: "emb", Dimensions: 3})
	vectors, err := client.CreateEmbeddings(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vectors)
}

func TestCreateEmbeddingRejectsEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewClient(config.EmbeddingConfig{BaseURL: srv.URL})
	_, err := client.CreateEmbedding(context.Background(), "a")
	require.ErrorIs(t, err, ErrEmptyEmbedding)
}
