package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultAPI = "https://api.telegram.org"

	// Telegram rejects messages longer than 4096 characters
	maxMessage = 4000
)

type Notifier struct {
	botToken string
	chatID   string
	api      string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		api:      DefaultAPI,
		client:   &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(time.Second/30), 1), // 30 messages per second
	}
}

// Enabled reports whether both token and chat are configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.botToken != "" && n.chatID != ""
}

// SendMessage sends a text message to the configured chat
func (n *Notifier) SendMessage(ctx context.Context, text string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.api, n.botToken)
	jsonBody, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram API error: %s - %s", resp.Status, string(body))
	}
	return nil
}

// SendReport posts a summary line followed by the alive links, packed into
// as few messages as the length limit allows.
func (n *Notifier) SendReport(ctx context.Context, summary string, links []string) error {
	for _, msg := range pack(summary, links) {
		if err := n.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("error sending message: %w", err)
		}
	}
	return nil
}

func pack(summary string, links []string) []string {
	var (
		msgs []string
		cur  strings.Builder
	)
	cur.WriteString(summary)
	for _, l := range links {
		if cur.Len() > 0 && cur.Len()+len(l)+1 > maxMessage {
			msgs = append(msgs, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(l)
	}
	if cur.Len() > 0 {
		msgs = append(msgs, cur.String())
	}
	return msgs
}
