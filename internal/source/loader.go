package source

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"
)

const maxLine = 4 * 1024 * 1024

var linkPattern = regexp.MustCompile(`(?:vless|vmess|trojan|ss)://[^\s"'<>]+`)

// Extract finds share links in free text. A body that is one base64 blob,
// as subscription endpoints serve, is decoded first.
func Extract(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !strings.Contains(text, "://") {
		if decoded, ok := decodeSubscription(text); ok {
			text = decoded
		}
	}
	return linkPattern.FindAllString(text, -1)
}

func decodeSubscription(s string) (string, bool) {
	s = strings.Join(strings.Fields(s), "")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && strings.Contains(string(b), "://") {
			return string(b), true
		}
	}
	return "", false
}

// LoadFromFile streams the links found in a file line by line so large
// inputs are never held in memory. Lines starting with "#" are skipped.
func LoadFromFile(path string) (<-chan string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	out := make(chan string)
	go func() {
		defer file.Close()
		defer close(out)
		if err := scan(file, out); err != nil {
			slog.Error("input_scan_failed", "path", path, "error", err)
		}
	}()
	return out, nil
}

// LoadFromURL streams links from a URL (e.g. a GitHub raw file or a
// subscription endpoint).
func LoadFromURL(ctx context.Context, url string, timeout time.Duration) (<-chan string, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}

	out := make(chan string)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		if err := scan(resp.Body, out); err != nil {
			slog.Error("input_scan_failed", "url", url, "error", err)
		}
	}()
	return out, nil
}

// scan sends the links of every line to out. Input past a line longer than
// maxLine is lost and reported as an error.
func scan(r io.Reader, out chan<- string) error {
	scanner := bufio.NewScanner(r)
	// Subscription bodies are often a single huge base64 line
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, link := range Extract(line) {
			out <- link
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan input: %w", err)
	}
	return nil
}

// Collect drains a link channel.
func Collect(in <-chan string) []string {
	var links []string
	for l := range in {
		links = append(links, l)
	}
	return links
}
