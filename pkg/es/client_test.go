package es

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/require"
)

type indexServer struct {
	mu      sync.Mutex
	exists  map[string]bool
	created map[string]string
	calls   []string
}

func (s *indexServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)

	name := r.URL.Path[1:]
	switch r.Method {
	case http.MethodHead:
		if s.exists[name] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		s.created[name] = string(body)
		s.exists[name] = true
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newIndexServer(t *testing.T, existing ...string) (*indexServer, *elasticsearch.Client) {
	t.Helper()
	s := &indexServer{exists: map[string]bool{}, created: map[string]string{}}
	for _, name := range existing {
		s.exists[name] = true
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return s, client
}

func TestCreateIndexIfNotExistsCreatesMissingIndex(t *testing.T) {
	s, client := newIndexServer(t)

	require.NoError(t, CreateIndexIfNotExists(context.Background(), client, "cases", caseMapping(8)))
	require.Equal(t, []string{"HEAD /cases", "PUT /cases"}, s.calls)
	require.Contains(t, s.created["cases"], `"dims": 8`)
}

func TestCreateIndexIfNotExistsSkipsExistingIndex(t *testing.T) {
	s, client := newIndexServer(t, "labels")

	require.NoError(t, CreateIndexIfNotExists(context.Background(), client, "labels", labelMapping(8)))
	require.Equal(t, []string{"HEAD /labels"}, s.calls)
	require.Empty(t, s.created)
}
