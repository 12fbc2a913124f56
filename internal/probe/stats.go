package probe

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

type Stats struct {
	Latency  int
	Jitter   int
	Received int
	Sent     int
}

func (s Stats) OK() bool { return s.Received > 0 }

// ICMP renders the echo column: a check mark for no loss, received/sent
// otherwise.
func (s Stats) ICMP() string {
	switch {
	case s.Received == 0:
		return "Failed"
	case s.Received >= s.Sent:
		return "✔"
	default:
		return fmt.Sprintf("%d/%d", s.Received, s.Sent)
	}
}

// Summarize returns mean latency and the mean absolute difference between
// consecutive samples as jitter.
func Summarize(rtts []float64, sent int) Stats {
	st := Stats{Latency: Unmeasured, Jitter: Unmeasured, Received: len(rtts), Sent: sent}
	if len(rtts) == 0 {
		return st
	}

	var sum float64
	for _, r := range rtts {
		sum += r
	}
	st.Latency = int(math.Round(sum / float64(len(rtts))))

	if len(rtts) == 1 {
		st.Jitter = 0
		return st
	}
	var deltas float64
	for i := 1; i < len(rtts); i++ {
		deltas += math.Abs(rtts[i] - rtts[i-1])
	}
	st.Jitter = int(math.Round(deltas / float64(len(rtts)-1)))
	return st
}

var timePattern = regexp.MustCompile(`time[=<]([\d.]+)`)

// ParsePing extracts round-trip times from ping(8) output.
func ParsePing(output string) []float64 {
	var rtts []float64
	for _, m := range timePattern.FindAllStringSubmatch(output, -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			rtts = append(rtts, v)
		}
	}
	return rtts
}
