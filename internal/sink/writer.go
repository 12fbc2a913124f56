package sink

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/fyaix/yahaha/internal/model"
)

// JSONLWriter appends every result snapshot it receives as one JSON line.
// Readers keep the last line per index.
type JSONLWriter struct {
	file *os.File
	mu   sync.Mutex
}

func NewJSONL(path string) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &JSONLWriter{file: f}, nil
}

func (w *JSONLWriter) Write(res model.TestResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.file.Write(append(data, '\n'))
	return err
}

func (w *JSONLWriter) Report(res model.TestResult) {
	if err := w.Write(res); err != nil {
		slog.Error("jsonl_write_failed", "index", res.Index, "error", err)
	}
}

func (w *JSONLWriter) Close() error {
	return w.file.Close()
}

// TextWriter writes share links, one per line.
type TextWriter struct {
	file *os.File
	mu   sync.Mutex
}

func NewText(path string) (*TextWriter, error) {
	f, err := os.OpenFile(path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &TextWriter{file: f}, nil
}

// Write skips accounts that did not come from a link.
func (w *TextWriter) Write(acc *model.Account) error {
	if acc == nil || acc.RawLink == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.file.WriteString(acc.RawLink + "\n")
	return err
}

func (w *TextWriter) Close() error { return w.file.Close() }
