package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronromeo/mailrelay/internal/config"
)

func TestPrefix(t *testing.T) {
	out, err := Prefix(DefaultPrefix).Process(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Processed: hello", out)
}

func TestFunc(t *testing.T) {
	var p Processor = Func(func(_ context.Context, text string) (string, error) {
		if text == "" {
			return "", errors.New("empty")
		}
		return text + "!", nil
	})

	out, err := p.Process(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi!", out)

	_, err = p.Process(context.Background(), "")
	assert.Error(t, err)
}

func TestTemplate(t *testing.T) {
	tmpl, err := NewTemplate("You wrote: {{ .Text }}")
	require.NoError(t, err)

	out, err := tmpl.Process(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "You wrote: hello", out)

	_, err = NewTemplate("{{ .Text ")
	assert.Error(t, err)
	_, err = NewTemplate("  ")
	assert.Error(t, err)
}

func TestTemplateCancelled(t *testing.T) {
	tmpl, err := NewTemplate("{{ .Text }}")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tmpl.Process(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWebhookJSONReply(t *testing.T) {
	var got webhookRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"echo: hello"}`))
	}))
	defer server.Close()

	hook, err := NewWebhook(server.URL, WithHeader("X-Token", "secret"))
	require.NoError(t, err)

	out, err := hook.Process(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)
	assert.Equal(t, "hello", got.Text)
}

func TestWebhookPlainReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain answer"))
	}))
	defer server.Close()

	hook, err := NewWebhook(server.URL)
	require.NoError(t, err)

	out, err := hook.Process(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "plain answer", out)
}

func TestWebhookErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "bad status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "json without reply",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"other":"x"}`))
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{`))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			hook, err := NewWebhook(server.URL)
			require.NoError(t, err)
			_, err = hook.Process(context.Background(), "hello")
			assert.Error(t, err)
		})
	}
}

func TestWebhookTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	hook, err := NewWebhook(server.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	_, err = hook.Process(context.Background(), "hello")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(config.Processor{Type: "prefix", Prefix: DefaultPrefix})
	require.NoError(t, err)
	out, err := p.Process(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Processed: hello", out)

	p, err = FromConfig(config.Processor{Type: "template", Template: "[{{ .Text }}]"})
	require.NoError(t, err)
	out, err = p.Process(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "[x]", out)

	p, err = FromConfig(config.Processor{Type: "webhook", URL: "http://127.0.0.1/hook", Timeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &Webhook{}, p)

	_, err = FromConfig(config.Processor{Type: "webhook"})
	assert.Error(t, err)
	_, err = FromConfig(config.Processor{Type: "llm"})
	assert.Error(t, err)
}
