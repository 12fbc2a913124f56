package sink

import (
	"log/slog"
	"sync"

	"github.com/fyaix/yahaha/internal/model"
)

type Reporter interface {
	Report(model.TestResult)
}

// Multi fans a snapshot out to every reporter in order.
type Multi []Reporter

func (m Multi) Report(res model.TestResult) {
	for _, r := range m {
		if r != nil {
			r.Report(res)
		}
	}
}

// Chan forwards snapshots to a channel for a live view. Sends block, so the
// consumer must drain C until Close.
type Chan struct {
	C chan model.TestResult

	mu     sync.RWMutex
	closed bool
}

func NewChan(buffer int) *Chan {
	return &Chan{C: make(chan model.TestResult, buffer)}
}

func (c *Chan) Report(res model.TestResult) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.C <- res
}

func (c *Chan) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.C)
	}
}

// Log writes terminal transitions to the structured log.
type Log struct{}

func (Log) Report(res model.TestResult) {
	if !res.Status.Terminal() {
		return
	}
	attrs := []any{
		"index", res.Index,
		"status", res.Status.Glyph(),
		"latency_ms", res.Latency,
		"country", res.Country,
		"provider", res.Provider,
		"tested_ip", res.TestedIP,
	}
	if res.Account != nil {
		attrs = append(attrs, "server", res.Account.Server, "protocol", res.Account.Protocol)
	}
	slog.Info("account_tested", attrs...)
}
