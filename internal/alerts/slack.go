package alerts

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/observ"
)

var (
	ErrQueueFull = errors.New("slack: alert queue full")
	ErrClosed    = errors.New("slack: client closed")
)

const maxTextLen = 3000

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type queuedAlert struct {
	msg      Message
	attempts int
}

// SlackClient posts messages to an incoming webhook from a single worker
// goroutine. Notify only enqueues, so a slow or failing webhook never blocks
// a session.
type SlackClient struct {
	cfg         config.Slack
	http        *resty.Client
	queue       chan queuedAlert
	limiter     *rate.Limiter
	backoff     time.Duration
	metrics     *observ.Metrics
	mu          sync.Mutex
	dedupeCache map[string]time.Time
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	stop        chan struct{}
	done        chan struct{}
}

// NewSlackClient starts the delivery worker. metrics may be nil.
func NewSlackClient(cfg config.Slack, metrics *observ.Metrics) *SlackClient {
	ctx, cancel := context.WithCancel(context.Background())
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}
	s := &SlackClient{
		cfg:         cfg,
		http:        resty.New().SetTimeout(10 * time.Second).SetHeader("Content-Type", "application/json"),
		queue:       make(chan queuedAlert, size),
		limiter:     rate.NewLimiter(rate.Limit(1), 5),
		backoff:     time.Second,
		metrics:     metrics,
		dedupeCache: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *SlackClient) Notify(ctx context.Context, m Message) error {
	if !s.cfg.Enabled {
		return nil
	}

	hash := dedupeHash(m)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.count(m.Kind, "dropped")
		return ErrClosed
	}
	if last, ok := s.dedupeCache[hash]; ok && time.Since(last) < time.Minute {
		s.count(m.Kind, "deduped")
		return nil
	}
	s.dedupeCache[hash] = time.Now()
	for h, at := range s.dedupeCache {
		if time.Since(at) > 5*time.Minute {
			delete(s.dedupeCache, h)
		}
	}

	// the send stays under mu so nothing lands in the queue after Shutdown
	// marked the client closed
	select {
	case s.queue <- queuedAlert{msg: m}:
		return nil
	default:
		s.count(m.Kind, "dropped")
		return ErrQueueFull
	}
}

func dedupeHash(m Message) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", m.Kind, m.Title, m.Text)))
	return fmt.Sprintf("%x", sum[:8])
}

func (s *SlackClient) count(kind Kind, outcome string) {
	if s.metrics != nil {
		s.metrics.AlertsTotal.WithLabelValues(string(kind), outcome).Inc()
	}
}

func (s *SlackClient) worker() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stop:
			s.drain()
			return
		case a := <-s.queue:
			s.deliver(a)
		}
	}
}

func (s *SlackClient) drain() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case a := <-s.queue:
			s.deliver(a)
		default:
			return
		}
	}
}

func (s *SlackClient) deliver(a queuedAlert) {
	maxAttempts := s.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
		err := s.send(a.msg)
		if err == nil {
			s.count(a.msg.Kind, "sent")
			return
		}
		a.attempts++
		if a.attempts >= maxAttempts {
			observ.Error("slack_delivery_failed", err, map[string]any{"kind": string(a.msg.Kind), "attempts": a.attempts})
			s.count(a.msg.Kind, "failed")
			return
		}

		// exponential backoff with jitter
		wait := time.Duration(math.Pow(2, float64(a.attempts-1))) * s.backoff
		wait += time.Duration(rand.Float64() * float64(wait) * 0.1)
		select {
		case <-time.After(wait):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *SlackClient) send(m Message) error {
	resp, err := s.http.R().SetContext(s.ctx).SetBody(s.formatMessage(m)).Post(s.cfg.WebhookURL)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("slack webhook failed with status %d", resp.StatusCode())
	}
	return nil
}

func (s *SlackClient) formatMessage(m Message) SlackMessage {
	emoji, color := "ℹ️", "good"
	switch m.Severity {
	case Warning:
		emoji, color = "⚠️", "warning"
	case Critical:
		emoji, color = "🚨", "danger"
	}

	text := fmt.Sprintf("%s *%s*", emoji, m.Title)
	if m.Text != "" {
		text += "\n" + m.Text
	}
	text = truncate(text, maxTextLen)

	fields := make([]SlackField, 0, len(m.Fields)+1)
	for _, f := range m.Fields {
		fields = append(fields, SlackField{Title: f.Title, Value: f.Value, Short: len(f.Value) < 40})
	}
	if !m.At.IsZero() {
		fields = append(fields, SlackField{Title: "Time", Value: m.At.Format("Mon 15:04:05 MST"), Short: true})
	}

	return SlackMessage{
		Channel:     s.cfg.Channel,
		Text:        text,
		Attachments: []SlackAttachment{{Color: color, Fields: fields}},
	}
}

// truncate cuts s to at most n bytes on a rune boundary, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Shutdown stops accepting messages and delivers what is already queued.
// When ctx expires first, in-flight and queued messages are abandoned.
func (s *SlackClient) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		if left := len(s.queue); left > 0 {
			observ.Warn("slack_shutdown_dropped", map[string]any{"queued": left})
		}
		return ctx.Err()
	}
}

// Close drains the queue for up to 10 seconds.
func (s *SlackClient) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)
}
