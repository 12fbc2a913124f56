package model

import (
	"encoding/json"
	"fmt"
)

type Status int

const (
	StatusWaiting Status = iota
	StatusProbing
	StatusRetryPending
	StatusAlive
	StatusDead
	StatusFailed
)

var statusNames = [...]string{"waiting", "probing", "retry_pending", "alive", "dead", "failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusAlive || s == StatusDead || s == StatusFailed
}

// Glyph is the presentation form used by text views.
func (s Status) Glyph() string {
	switch s {
	case StatusWaiting:
		return "WAIT"
	case StatusProbing:
		return "🔄"
	case StatusRetryPending:
		return "🔁"
	case StatusAlive:
		return "✅"
	case StatusDead:
		return "💀"
	default:
		return "❌"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

const (
	// Unmeasured marks latency or jitter that was never taken.
	Unmeasured = -1

	UnknownCountry  = "unknown"
	UnknownProvider = "-"
	UnknownIP       = "-"

	deadMarker = "Dead"
)

// TestResult tracks one account through a test batch. It is written only by
// the tester that owns it; everyone else receives copies via Snapshot.
type TestResult struct {
	Index        int
	Account      *Account
	Status       Status
	Retry        int
	TimeoutCount int
	Latency      int
	Jitter       int
	ICMP         string
	Country      string
	Provider     string
	TestedIP     string
	Method       string
	TestType     string
}

func NewTestResult(index int, acc *Account) *TestResult {
	return &TestResult{
		Index:    index,
		Account:  acc,
		Status:   StatusWaiting,
		Latency:  Unmeasured,
		Jitter:   Unmeasured,
		ICMP:     "N/A",
		Country:  UnknownCountry,
		Provider: UnknownProvider,
		TestedIP: UnknownIP,
		TestType: "N/A",
	}
}

// Dead reports whether the account was confirmed unreachable.
func (r *TestResult) Dead() bool {
	return r.Status == StatusDead
}

func (r *TestResult) Snapshot() TestResult {
	return *r
}

type resultJSON struct {
	Index        int    `json:"index"`
	Type         string `json:"type"`
	Tag          string `json:"tag"`
	Server       string `json:"server"`
	Port         int    `json:"port"`
	Status       Status `json:"status"`
	Retry        int    `json:"retry"`
	TimeoutCount int    `json:"timeout_count"`
	Latency      any    `json:"latency_ms"`
	Jitter       any    `json:"jitter_ms"`
	ICMP         string `json:"icmp"`
	Country      string `json:"country"`
	Provider     string `json:"provider"`
	TestedIP     string `json:"tested_ip"`
	Method       string `json:"method,omitempty"`
	TestType     string `json:"test_type"`
}

// MarshalJSON renders the key-value form used by sinks. Dead accounts carry
// the literal dead marker instead of numbers.
func (r TestResult) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Index:        r.Index,
		Status:       r.Status,
		Retry:        r.Retry,
		TimeoutCount: r.TimeoutCount,
		Latency:      r.Latency,
		Jitter:       r.Jitter,
		ICMP:         r.ICMP,
		Country:      r.Country,
		Provider:     r.Provider,
		TestedIP:     r.TestedIP,
		Method:       r.Method,
		TestType:     r.TestType,
	}
	if r.Account != nil {
		out.Type = string(r.Account.Protocol)
		out.Tag = r.Account.Tag
		out.Server = r.Account.Server
		out.Port = r.Account.Port
	}
	if r.Dead() {
		out.Latency = deadMarker
		out.ICMP = deadMarker
	}
	return json.Marshal(out)
}
