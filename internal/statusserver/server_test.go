package statusserver

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

	"github.com/aaronromeo/mailrelay/internal/ledger"
	"github.com/aaronromeo/mailrelay/internal/relay"
)

type fakeStats relay.Stats

func (f fakeStats) Stats() relay.Stats { return relay.Stats(f) }

type fakeHistory struct {
	entries []ledger.Entry
	counts  map[string]int
	err     error
	limit   int
}

func (f *fakeHistory) CountByStatus(context.Context) (map[string]int, error) {
	return f.counts, f.err
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]ledger.Entry, error) {
	f.limit = limit
	return f.entries, f.err
}

func get(t *testing.T, s *Server, target string) (int, []byte) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	code, body := get(t, New(fakeStats{Connected: true}, nil, nil), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	code, body = get(t, New(fakeStats{LastError: "ConnectError: dial: refused"}, nil, nil), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, string(body), "refused")
}

func TestStatus(t *testing.T) {
	code, body := get(t, New(fakeStats{Cycles: 3, Sent: 2, Skipped: 1, Connected: true}, nil, nil), "/status")
	assert.Equal(t, http.StatusOK, code)

	var stats relay.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 3, stats.Cycles)
	assert.Equal(t, 2, stats.Sent)
	assert.Equal(t, 1, stats.Skipped)
	assert.NotContains(t, string(body), `"ledger"`)
}

func TestStatusIncludesLedgerCounts(t *testing.T) {
	history := &fakeHistory{counts: map[string]int{"sent": 4, "failed": 1}}
	code, body := get(t, New(fakeStats{Sent: 4}, history, nil), "/status")
	assert.Equal(t, http.StatusOK, code)

	var got struct {
		Sent   int            `json:"sent"`
		Ledger map[string]int `json:"ledger"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 4, got.Sent)
	assert.Equal(t, map[string]int{"sent": 4, "failed": 1}, got.Ledger)

	code, body = get(t, New(fakeStats{}, &fakeHistory{err: errors.New("db locked")}, nil), "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.NotContains(t, string(body), `"ledger"`)
}

func TestServeReturnsWhenCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- New(fakeStats{}, nil, nil).Serve(ctx, "127.0.0.1:0") }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- New(fakeStats{}, nil, nil).Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServeBadAddress(t *testing.T) {
	err := New(fakeStats{}, nil, nil).Serve(context.Background(), "127.0.0.1:-1")
	assert.Error(t, err)
}

func TestReplies(t *testing.T) {
	history := &fakeHistory{entries: []ledger.Entry{{ID: "1", Status: "sent", Recipient: "alice@example.com"}}}
	s := New(fakeStats{}, history, nil)

	code, body := get(t, s, "/replies?limit=5")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 5, history.limit)

	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "alice@example.com", entries[0].Recipient)

	code, _ = get(t, s, "/replies")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, defaultReplyLimit, history.limit)

	code, _ = get(t, s, "/replies?limit=0")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRepliesErrors(t *testing.T) {
	code, _ := get(t, New(fakeStats{}, nil, nil), "/replies")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get(t, New(fakeStats{}, &fakeHistory{err: errors.New("db locked")}, nil), "/replies")
	assert.Equal(t, http.StatusInternalServerError, code)
}
