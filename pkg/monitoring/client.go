// Package monitoring reports errors and performance transactions to a
// Sentry-compatible ingestion endpoint.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
)

// maxBreadcrumbs bounds the breadcrumb ring buffer
const maxBreadcrumbs = 100

// Level is an event severity
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// User identifies the user an event occurred for
type User struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

// Breadcrumb is one entry in the trail leading up to an event
type Breadcrumb struct {
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message"`
	Level     Level          `json:"level,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event is the wire payload sent to the monitoring backend
type Event struct {
	EventID     string            `json:"event_id"`
	Timestamp   string            `json:"timestamp"`
	Level       Level             `json:"level"`
	Message     string            `json:"message,omitempty"`
	Exception   *ExceptionInfo    `json:"exception,omitempty"`
	User        *User             `json:"user,omitempty"`
	Breadcrumbs []Breadcrumb      `json:"breadcrumbs,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Release     string            `json:"release,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// ExceptionInfo carries error details
type ExceptionInfo struct {
	Type       string `json:"type"`
	Value      string `json:"value"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

// Config configures the monitoring client
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
	QueueSize   int
}

// Client buffers events and sends them to the backend from a background
// worker. A nil *Client is safe to call; every method is a no-op.
type Client struct {
	storeURL  string
	authKey   string
	cfg       Config
	logger    *observability.Logger
	transport *http.Client

	mu          sync.Mutex
	user        *User
	breadcrumbs []Breadcrumb
	closed      bool

	closeOnce sync.Once
	queue     chan *Event
	done      chan struct{}
}

// NewClient creates a monitoring client and starts its sender worker
func NewClient(cfg Config, logger *observability.Logger) (*Client, error) {
	storeURL, authKey, err := parseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	c := &Client{
		storeURL:  storeURL,
		authKey:   authKey,
		cfg:       cfg,
		logger:    logger,
		transport: &http.Client{Timeout: 5 * time.Second},
		queue:     make(chan *Event, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go c.sender()
	return c, nil
}

// parseDSN splits a DSN of the form scheme://key@host/project into the
// store endpoint and auth key
func parseDSN(dsn string) (storeURL, authKey string, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("invalid monitoring DSN: %w", err)
	}
	if u.User == nil || u.Path == "" || u.Path == "/" {
		return "", "", fmt.Errorf("monitoring DSN must include a key and project: %s", dsn)
	}
	project := u.Path[1:]
	return fmt.Sprintf("%s://%s/api/%s/store/", u.Scheme, u.Host, project), u.User.Username(), nil
}

// SetUser attaches user context to subsequent events
func (c *Client) SetUser(user *User) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}

// AddBreadcrumb appends to the breadcrumb trail, evicting the oldest
// entry past the cap
func (c *Client) AddBreadcrumb(crumb Breadcrumb) {
	if c == nil {
		return
	}
	if crumb.Timestamp.IsZero() {
		crumb.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.breadcrumbs = append(c.breadcrumbs, crumb)
	if len(c.breadcrumbs) > maxBreadcrumbs {
		c.breadcrumbs = c.breadcrumbs[len(c.breadcrumbs)-maxBreadcrumbs:]
	}
	c.mu.Unlock()
}

// CaptureException reports an error with its stack trace
func (c *Client) CaptureException(err error) string {
	if c == nil || err == nil {
		return ""
	}
	return c.enqueue(&Event{
		Level: LevelError,
		Exception: &ExceptionInfo{
			Type:       fmt.Sprintf("%T", err),
			Value:      err.Error(),
			Stacktrace: string(debug.Stack()),
		},
	})
}

// CaptureMessage reports a plain message
func (c *Client) CaptureMessage(message string, level Level) string {
	if c == nil {
		return ""
	}
	if level == "" {
		level = LevelInfo
	}
	return c.enqueue(&Event{Level: level, Message: message})
}

// enqueue snapshots the context onto the event and hands it to the
// sender. Events are dropped when the queue is full, the client is
// closed, or sampling skips them; monitoring must never block or panic
// in the caller.
func (c *Client) enqueue(event *Event) string {
	if c.cfg.SampleRate < 1 && rand.Float64() > c.cfg.SampleRate {
		return ""
	}

	event.EventID = uuid.New().String()
	event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	event.Environment = c.cfg.Environment
	event.Release = c.cfg.Release

	// The mutex is held through the send so Close cannot close the
	// queue between the closed check and the send
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ""
	}
	event.User = c.user
	event.Breadcrumbs = make([]Breadcrumb, len(c.breadcrumbs))
	copy(event.Breadcrumbs, c.breadcrumbs)

	select {
	case c.queue <- event:
		return event.EventID
	default:
		c.logger.Warn("monitoring queue full, dropping event")
		return ""
	}
}

func (c *Client) sender() {
	for event := range c.queue {
		if err := c.send(event); err != nil {
			c.logger.WithError(err).Warn("failed to send monitoring event")
		}
	}
	close(c.done)
}

func (c *Client) send(event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.storeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sentry-Auth",
		fmt.Sprintf("Sentry sentry_version=7, sentry_key=%s", c.authKey))

	resp, err := c.transport.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("monitoring endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting events and waits up to timeout for the queue to
// drain. Captures racing Close are dropped; closing twice is a no-op.
func (c *Client) Close(timeout time.Duration) error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.queue)
		c.mu.Unlock()
	})
	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("monitoring queue did not drain within %s", timeout)
	}
}

// Flush is a context-based variant of Close for shutdown managers
func (c *Client) Flush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	deadline := 2 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	return c.Close(deadline)
}
