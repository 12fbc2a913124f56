package probe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// Ping sends count echo requests. Unprivileged ICMP sockets are tried first
// and the system ping binary is used when the kernel refuses them.
func (n *Network) Ping(ctx context.Context, host string, count int) Stats {
	if count <= 0 {
		count = 4
	}
	log := slog.With("target", host)

	rtts, err := n.Echo(ctx, host, count)
	if err == nil {
		return Summarize(rtts, count)
	}
	log.Debug("icmp_socket_unavailable", "error", err)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := n.Exec(ctx, host, count)
	if err != nil && out == "" {
		log.Debug("ping_failed", "error", err)
		return Summarize(nil, count)
	}
	return Summarize(ParsePing(out), count)
}

func (n *Network) echo(ctx context.Context, host string, count int) ([]float64, error) {
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return nil, err
	}
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dst := &net.UDPAddr{IP: addr.IP}
	buf := make([]byte, 1500)

	var rtts []float64
	for seq := 1; seq <= count; seq++ {
		if ctx.Err() != nil {
			break
		}
		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Body: &icmp.Echo{ID: seq, Seq: seq, Data: []byte("yahaha")},
		}
		wb, err := msg.Marshal(nil)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		if _, err := conn.WriteTo(wb, dst); err != nil {
			return nil, err
		}
		deadline := start.Add(timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetReadDeadline(deadline)

		if rtt, ok := awaitReply(conn, buf, seq, start); ok {
			rtts = append(rtts, rtt)
		}
		if seq < count {
			select {
			case <-ctx.Done():
			case <-time.After(n.Interval):
			}
		}
	}
	return rtts, nil
}

// awaitReply reads until the reply for seq arrives or the deadline passes.
// The kernel rewrites the echo ID on datagram sockets, so only seq is matched.
func awaitReply(conn *icmp.PacketConn, buf []byte, seq int, start time.Time) (float64, bool) {
	for {
		nr, _, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, false
		}
		rm, err := icmp.ParseMessage(protocolICMP, buf[:nr])
		if err != nil || rm.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if body, ok := rm.Body.(*icmp.Echo); ok && body.Seq == seq {
			return float64(time.Since(start).Microseconds()) / 1000, true
		}
	}
}

var errNoPing = errors.New("ping executable not found")

func systemPing(ctx context.Context, host string, count int) (string, error) {
	path, err := exec.LookPath("ping")
	if err != nil {
		return "", errNoPing
	}
	out, err := exec.CommandContext(ctx, path, "-c", strconv.Itoa(count), "-i", "0.2", host).CombinedOutput()
	return string(out), err
}
