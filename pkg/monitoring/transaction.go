package monitoring

import (
	"sync"
	"time"
)

// Transaction times a logical operation and its child spans. Finish
// reports the timings as a monitoring message; transactions on a nil
// client still time correctly but report nowhere.
type Transaction struct {
	client *Client
	Name   string
	start  time.Time

	mu    sync.Mutex
	spans []*Span
}

// Span times one step within a transaction
type Span struct {
	Op       string
	start    time.Time
	Duration time.Duration
}

// StartTransaction begins timing a named operation
func (c *Client) StartTransaction(name string) *Transaction {
	return &Transaction{
		client: c,
		Name:   name,
		start:  time.Now(),
	}
}

// StartSpan begins timing a step within the transaction
func (t *Transaction) StartSpan(op string) *Span {
	span := &Span{Op: op, start: time.Now()}
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	return span
}

// Finish ends the span
func (s *Span) Finish() {
	s.Duration = time.Since(s.start)
}

// Finish ends the transaction and reports it
func (t *Transaction) Finish() time.Duration {
	elapsed := time.Since(t.start)
	if t.client == nil {
		return elapsed
	}

	data := map[string]any{"duration_ms": elapsed.Milliseconds()}
	t.mu.Lock()
	for _, span := range t.spans {
		data["span_"+span.Op+"_ms"] = span.Duration.Milliseconds()
	}
	t.mu.Unlock()

	t.client.AddBreadcrumb(Breadcrumb{
		Category: "transaction",
		Message:  t.Name,
		Level:    LevelInfo,
		Data:     data,
	})
	return elapsed
}
