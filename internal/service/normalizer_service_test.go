package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMedia struct {
	images []string
	audios []string
	err    error
}

func (m *fakeMedia) DescribeImage(_ context.Context, u string) (string, error) {
	m.images = append(m.images, u)
	return "скриншот ошибки оплаты", m.err
}

func (m *fakeMedia) Transcribe(_ context.Context, u string) (string, error) {
	m.audios = append(m.audios, u)
	return "не могу войти в кабинет", m.err
}

type fakeExtractor struct {
	names []string
	body  string
}

func (e *fakeExtractor) ExtractText(_ context.Context, r io.Reader, name string) (string, error) {
	data, _ := io.ReadAll(r)
	e.names = append(e.names, name)
	e.body = string(data)
	return "текст договора", nil
}

type fakeArchiver struct {
	objects []string
	err     error
}

func (a *fakeArchiver) Store(_ context.Context, name string, _ []byte, _ string) (string, error) {
	a.objects = append(a.objects, name)
	return "bucket/" + name, a.err
}

const marker = "attachment/download/chat/"

func newAttachmentServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing.pdf") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("file-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassifyAttachment(t *testing.T) {
	cases := []struct {
		raw  string
		kind ContentKind
	}{
		{"просто текст", KindText},
		{"https://x.omnidesk.ru/attachment/download/chat/1/photo.JPG", KindImage},
		{"голосовое https://x/attachment/download/chat/2/voice.ogg", KindAudio},
		{"https://x/attachment/download/chat/3/contract.pdf?token=abc", KindDocument},
		{"https://x/attachment/download/chat/4/archive.zip", KindText},
		{"https://example.com/photo.jpg", KindText},
	}
	for _, tc := range cases {
		kind, _ := classifyAttachment(tc.raw, marker)
		require.Equal(t, tc.kind, kind, tc.raw)
	}
}

func TestNormalizePlainTextIsTrimmed(t *testing.T) {
	n := NewNormalizerService(marker, &fakeMedia{}, &fakeExtractor{}, nil)
	text, err := n.Normalize(context.Background(), "c1", "  привет  ")
	require.NoError(t, err)
	require.Equal(t, "привет", text)
}

func TestNormalizeImageIsDescribedAndArchived(t *testing.T) {
	srv := newAttachmentServer(t)
	media := &fakeMedia{}
	archive := &fakeArchiver{}
	n := NewNormalizerService(marker, media, &fakeExtractor{}, archive)

	link := srv.URL + "/attachment/download/chat/1/screen.png"
	text, err := n.Normalize(context.Background(), "c1", "смотрите "+link)
	require.NoError(t, err)
	require.Equal(t, "смотрите скриншот ошибки оплаты", text)
	require.Equal(t, []string{link}, media.images)
	require.Len(t, archive.objects, 1)
	require.True(t, strings.HasPrefix(archive.objects[0], "attachments/c1/"))
	require.True(t, strings.HasSuffix(archive.objects[0], ".png"))
}

func TestNormalizeAudioIsTranscribed(t *testing.T) {
	media := &fakeMedia{}
	n := NewNormalizerService(marker, media, &fakeExtractor{}, nil)

	text, err := n.Normalize(context.Background(), "c1", "https://x/attachment/download/chat/9/v.opus")
	require.NoError(t, err)
	require.Equal(t, "не могу войти в кабинет", text)
	require.Len(t, media.audios, 1)
}

func TestNormalizeDocumentGoesThroughExtractor(t *testing.T) {
	srv := newAttachmentServer(t)
	extractor := &fakeExtractor{}
	archive := &fakeArchiver{err: errors.New("minio down")}
	n := NewNormalizerService(marker, &fakeMedia{}, extractor, archive)

	text, err := n.Normalize(context.Background(), "c1", srv.URL+"/attachment/download/chat/5/offer.pdf")
	require.NoError(t, err)
	require.Equal(t, "текст договора", text)
	require.Equal(t, []string{"offer.pdf"}, extractor.names)
	require.Equal(t, "file-bytes", extractor.body)
	// 归档失败不影响归一化
	require.Len(t, archive.objects, 1)
}

func TestNormalizeReportsFailures(t *testing.T) {
	srv := newAttachmentServer(t)
	n := NewNormalizerService(marker, &fakeMedia{err: errors.New("vision down")}, &fakeExtractor{}, nil)

	_, err := n.Normalize(context.Background(), "c1", "https://x/attachment/download/chat/1/a.webp")
	require.ErrorContains(t, err, "image")

	_, err = n.Normalize(context.Background(), "c1", srv.URL+"/attachment/download/chat/1/missing.pdf")
	require.ErrorContains(t, err, "404")
}
