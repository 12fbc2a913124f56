package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linuxPing = `PING 10.0.0.1 (10.0.0.1) 56(84) bytes of data.
64 bytes from 10.0.0.1: icmp_seq=1 ttl=57 time=10.0 ms
64 bytes from 10.0.0.1: icmp_seq=2 ttl=57 time=14.0 ms
64 bytes from 10.0.0.1: icmp_seq=3 ttl=57 time=12.0 ms

--- 10.0.0.1 ping statistics ---
4 packets transmitted, 3 received, 25% packet loss, time 603ms
`

func listen(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestTCP(t *testing.T) {
	n := NewNetwork(time.Second)
	host, port := listen(t)

	ok, latency := n.TCP(context.Background(), host, port, 0)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, latency, 0)

	ok, latency = n.TCP(context.Background(), "127.0.0.1", closedPort(t), 500*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, Unmeasured, latency)
}

func TestTCPHonoursContext(t *testing.T) {
	n := NewNetwork(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	host, port := listen(t)

	ok, latency := n.TCP(ctx, host, port, 0)
	assert.False(t, ok)
	assert.Equal(t, Unmeasured, latency)
}

func TestSample(t *testing.T) {
	n := NewNetwork(time.Second)
	host, port := listen(t)

	st := n.Sample(context.Background(), host, port, 3, 0)
	assert.Equal(t, 3, st.Received)
	assert.GreaterOrEqual(t, st.Latency, 0)
	assert.GreaterOrEqual(t, st.Jitter, 0)

	st = n.Sample(context.Background(), "127.0.0.1", closedPort(t), 2, 200*time.Millisecond)
	assert.False(t, st.OK())
	assert.Equal(t, Unmeasured, st.Latency)
}

func TestSummarize(t *testing.T) {
	st := Summarize([]float64{10, 14, 12}, 4)
	assert.Equal(t, 12, st.Latency)
	assert.Equal(t, 3, st.Jitter)
	assert.Equal(t, "3/4", st.ICMP())

	st = Summarize([]float64{20}, 1)
	assert.Equal(t, Stats{Latency: 20, Jitter: 0, Received: 1, Sent: 1}, st)
	assert.Equal(t, "✔", st.ICMP())

	st = Summarize(nil, 4)
	assert.Equal(t, Unmeasured, st.Latency)
	assert.Equal(t, Unmeasured, st.Jitter)
	assert.Equal(t, "Failed", st.ICMP())
}

func TestParsePing(t *testing.T) {
	assert.Equal(t, []float64{10, 14, 12}, ParsePing(linuxPing))
	assert.Equal(t, []float64{1}, ParsePing("reply from 1.1.1.1: bytes=32 time<1 ms"))
	assert.Empty(t, ParsePing("Request timeout for icmp_seq 0"))
}

func TestPingFallsBackToExecutable(t *testing.T) {
	n := NewNetwork(time.Second)
	n.Echo = func(context.Context, string, int) ([]float64, error) {
		return nil, errors.New("socket: operation not permitted")
	}
	n.Exec = func(_ context.Context, host string, count int) (string, error) {
		assert.Equal(t, "10.0.0.1", host)
		assert.Equal(t, 4, count)
		return linuxPing, errors.New("exit status 1")
	}

	st := n.Ping(context.Background(), "10.0.0.1", 4)
	assert.Equal(t, 12, st.Latency)
	assert.Equal(t, 3, st.Jitter)
}

func TestPingUsesEcho(t *testing.T) {
	n := NewNetwork(time.Second)
	n.Echo = func(context.Context, string, int) ([]float64, error) {
		return []float64{5, 7}, nil
	}
	n.Exec = func(context.Context, string, int) (string, error) {
		t.Fatal("executable should not run")
		return "", nil
	}

	st := n.Ping(context.Background(), "10.0.0.1", 2)
	assert.Equal(t, Stats{Latency: 6, Jitter: 2, Received: 2, Sent: 2}, st)
}

func TestPingNothingWorks(t *testing.T) {
	n := NewNetwork(time.Second)
	n.Echo = func(context.Context, string, int) ([]float64, error) { return nil, errors.New("denied") }
	n.Exec = func(context.Context, string, int) (string, error) { return "", errNoPing }

	st := n.Ping(context.Background(), "10.0.0.1", 3)
	assert.False(t, st.OK())
	assert.Equal(t, Unmeasured, st.Latency)
}
