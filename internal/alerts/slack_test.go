package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/session-trader/internal/config"
)

func TestSlackClient_DeliversWithRetry(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSlackClient(config.Slack{Enabled: true, WebhookURL: srv.URL, Channel: "#trading", MaxRetries: 3}, nil)
	c.backoff = 10 * time.Millisecond
	defer c.Close()

	err := c.Notify(context.Background(), Message{
		Kind:     KindSessionFailed,
		Severity: Critical,
		Title:    "morning_guard failed",
		Text:     "broker: connection refused",
		Fields:   []Field{{Title: "Session", Value: "morning_guard"}},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "#trading", got.Channel)
	assert.Contains(t, got.Text, "morning_guard failed")
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "danger", got.Attachments[0].Color)
}

func TestSlackClient_DedupesAndDisabled(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := NewSlackClient(config.Slack{Enabled: true, WebhookURL: srv.URL, MaxRetries: 1}, nil)
	defer c.Close()
	msg := Message{Kind: KindSessionSummary, Severity: Info, Title: "same"}
	require.NoError(t, c.Notify(context.Background(), msg))
	require.NoError(t, c.Notify(context.Background(), msg))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	off := NewSlackClient(config.Slack{Enabled: false}, nil)
	defer off.Close()
	assert.NoError(t, off.Notify(context.Background(), msg))
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Message) error { return f.err }

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{LogNotifier{}, failingNotifier{err: boom}}
	err := m.Notify(context.Background(), Message{Kind: KindLifecycle, Severity: Info, Title: "started"})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, Multi{LogNotifier{}}.Notify(context.Background(), Message{Title: "ok"}))
}

func TestSlackClient_CloseDeliversQueuedMessages(t *testing.T) {
	var delivered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
	}))
	defer srv.Close()

	c := NewSlackClient(config.Slack{Enabled: true, WebhookURL: srv.URL, MaxRetries: 1}, nil)
	for i := 0; i < 6; i++ {
		require.NoError(t, c.Notify(context.Background(), Message{
			Kind: KindSessionFailed, Severity: Critical, Title: fmt.Sprintf("alert %d", i),
		}))
	}
	c.Close()

	assert.EqualValues(t, 6, atomic.LoadInt32(&delivered))
	err := c.Notify(context.Background(), Message{Kind: KindLifecycle, Title: "late"})
	assert.ErrorIs(t, err, ErrClosed)
	c.Close()
}

func TestSlackClient_ShutdownHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewSlackClient(config.Slack{Enabled: true, WebhookURL: srv.URL, MaxRetries: 1}, nil)
	require.NoError(t, c.Notify(context.Background(), Message{Kind: KindLifecycle, Title: "stuck"}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFormatMessage_TruncatesOnRuneBoundary(t *testing.T) {
	c := &SlackClient{}
	m := c.formatMessage(Message{Severity: Info, Title: "long", Text: strings.Repeat("é", 2000)})

	assert.LessOrEqual(t, len(m.Text), maxTextLen)
	assert.True(t, utf8.ValidString(m.Text))
	assert.True(t, strings.HasSuffix(m.Text, "..."))
}
