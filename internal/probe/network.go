package probe

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Unmeasured is returned for latency and jitter when no sample succeeded.
const Unmeasured = -1

// Prober checks whether an endpoint answers.
type Prober interface {
	TCP(ctx context.Context, host string, port int, timeout time.Duration) (bool, int)
	Ping(ctx context.Context, host string, samples int) Stats
	Sample(ctx context.Context, host string, port, count int, timeout time.Duration) Stats
}

type Network struct {
	Timeout  time.Duration
	Interval time.Duration

	// Echo sends ICMP echo requests; Exec runs the system ping when Echo
	// is not permitted. Both are replaced in tests.
	Echo func(ctx context.Context, host string, count int) (rtts []float64, err error)
	Exec func(ctx context.Context, host string, count int) (string, error)
}

func NewNetwork(timeout time.Duration) *Network {
	n := &Network{Timeout: timeout, Interval: 200 * time.Millisecond}
	n.Echo = n.echo
	n.Exec = systemPing
	return n
}

// TCP makes one connection attempt and reports the connect time in ms.
func (n *Network) TCP(ctx context.Context, host string, port int, timeout time.Duration) (bool, int) {
	if timeout <= 0 {
		timeout = n.Timeout
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: timeout}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		slog.Debug("tcp_connect_failed", "target", address, "duration", time.Since(start), "error", err)
		return false, Unmeasured
	}
	latency := int(time.Since(start).Milliseconds())
	conn.Close()
	return true, latency
}

// Sample connects count times and summarizes the successful connect times.
func (n *Network) Sample(ctx context.Context, host string, port, count int, timeout time.Duration) Stats {
	if timeout <= 0 {
		timeout = n.Timeout
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: timeout}

	var rtts []float64
	for i := 0; i < count && ctx.Err() == nil; i++ {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			continue
		}
		rtts = append(rtts, float64(time.Since(start).Microseconds())/1000)
		conn.Close()
	}
	return Summarize(rtts, count)
}
