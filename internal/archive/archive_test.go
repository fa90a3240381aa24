package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronromeo/mailrelay/internal/config"
	"github.com/aaronromeo/mailrelay/internal/message"
)

func sampleReply() message.Reply {
	return message.Reply{
		From:      "bot@example.org",
		To:        "alice@example.com",
		Subject:   "Response",
		Body:      "Processed: hello",
		MessageID: "abc@example.org",
		Date:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "replies/2024/05/01/abc@example.org.eml", Key("replies", sampleReply()))

	r := sampleReply()
	r.MessageID = "<a/b c>"
	assert.Equal(t, "2024/05/01/a_b_c.eml", Key("", r))

	r.MessageID = ""
	assert.Equal(t, "2024/05/01/unknown.eml", Key("", r))
}

func TestDirSink(t *testing.T) {
	root := t.TempDir()
	a := New(NewDirSink(root, OSFileManager{}), "/replies/")

	require.NoError(t, a.Archive(context.Background(), sampleReply()))

	data, err := os.ReadFile(filepath.Join(root, "replies", "2024", "05", "01", "abc@example.org.eml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Processed: hello")
	assert.Contains(t, string(data), "Subject: Response")
}

type recordingFileManager struct {
	mkdirs []string
	files  map[string][]byte
	err    error
}

func (m *recordingFileManager) MkdirAll(path string, _ os.FileMode) error {
	m.mkdirs = append(m.mkdirs, path)
	return m.err
}

func (m *recordingFileManager) WriteFile(filename string, data []byte, _ os.FileMode) error {
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	m.files[filename] = data
	return nil
}

func TestDirSinkMkdirFailure(t *testing.T) {
	fm := &recordingFileManager{err: errors.New("read-only")}
	err := NewDirSink("/archive", fm).Put(context.Background(), "a/b.eml", []byte("x"))
	assert.Error(t, err)
	assert.Empty(t, fm.files)
}

func TestArchiveInvalidReply(t *testing.T) {
	fm := &recordingFileManager{}
	a := New(NewDirSink("/archive", fm), "")
	r := sampleReply()
	r.To = "nope"
	assert.Error(t, a.Archive(context.Background(), r))
	assert.Empty(t, fm.files)
}

func TestS3Sink(t *testing.T) {
	var (
		mu     sync.Mutex
		path   string
		body   string
		ctype  string
		method string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		path, body, ctype, method = r.URL.Path, string(data), r.Header.Get("Content-Type"), r.Method
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := NewS3Sink(S3Options{
		Bucket:   "mail",
		Region:   "us-east-1",
		Endpoint: server.URL,
		Key:      "key",
		Secret:   "secret",
	})
	require.NoError(t, err)

	require.NoError(t, New(sink, "replies").Archive(context.Background(), sampleReply()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/mail/replies/2024/05/01/abc@example.org.eml", path)
	assert.Equal(t, "message/rfc822", ctype)
	assert.True(t, strings.Contains(body, "Processed: hello"))
}

func TestNewS3SinkRequiresBucket(t *testing.T) {
	_, err := NewS3Sink(S3Options{})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	a, err := FromConfig(config.Archive{})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = FromConfig(config.Archive{Type: "dir", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, a)

	a, err = FromConfig(config.Archive{Type: "s3", Bucket: "b", Region: "us-east-1", Key: "k", Secret: "s"})
	require.NoError(t, err)
	assert.NotNil(t, a)

	_, err = FromConfig(config.Archive{Type: "ftp"})
	assert.Error(t, err)
}
